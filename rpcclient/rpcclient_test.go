package rpcclient

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/neonloom/plex/channel"
	"github.com/neonloom/plex/duplex"
	"github.com/neonloom/plex/rpcserver"
	"github.com/neonloom/plex/rpcwire"
	"github.com/neonloom/plex/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoHandler struct{}

func (echoHandler) Get(ctx context.Context, req rpcwire.GetRequest) (rpcwire.Envelope, error) {
	return rpcwire.OKEnvelope(req.Key, true, nil, false), nil
}

func (echoHandler) Put(ctx context.Context, req rpcwire.PutRequest) (rpcwire.Envelope, error) {
	return rpcwire.OKEnvelope(nil, false, nil, false), nil
}

type countingScanHandler struct{ n int }

func (h countingScanHandler) Scan(ctx context.Context, req rpcwire.ScanRequest) (rpcserver.ScanIterator, error) {
	return &countingIterator{max: h.n}, nil
}

type countingIterator struct {
	i, max int
}

func (it *countingIterator) Next(ctx context.Context) (rpcwire.Envelope, bool, error) {
	if it.i >= it.max {
		return rpcwire.Envelope{}, true, nil
	}
	it.i++
	return rpcwire.OKEnvelope([]byte{byte(it.i)}, true, nil, false), false, nil
}

func (it *countingIterator) Close() {}

func setupPair(t *testing.T) (*Client, *rpcserver.Server) {
	t.Helper()
	ta, tb := transport.Pipe()
	t.Cleanup(func() { ta.Close(); tb.Close() })

	serverCfg := &channel.Config{Transport: tb, Initiator: false, ID: []byte{0x01}}
	serverDup := duplex.Listen(serverCfg)

	clientCfg := &channel.Config{Transport: ta, Initiator: true, ID: []byte{0x01}}
	clientDup := duplex.Connect(clientCfg)

	opened := make(chan struct{})
	clientDup.OnRemoteOpen(func([]byte) { close(opened) })
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for open")
	}

	srv := rpcserver.New(serverDup, struct {
		echoHandler
		countingScanHandler
	}{countingScanHandler: countingScanHandler{n: 3}})
	srv.Serve()

	return New(clientDup), srv
}

func TestGetUnaryRoundTrip(t *testing.T) {
	c, _ := setupPair(t)
	env, err := c.Get(context.Background(), []byte("hello"), CallOptions{})
	require.NoError(t, err)
	assert.True(t, env.OK)
	assert.Equal(t, []byte("hello"), env.Value)
}

func TestScanStreaming(t *testing.T) {
	c, _ := setupPair(t)
	it, err := c.Scan(context.Background(), ScanOptions{})
	require.NoError(t, err)

	var got []byte
	for {
		env, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, env.Value...)
	}
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestUnaryTimeout(t *testing.T) {
	ta, tb := transport.Pipe()
	defer ta.Close()
	defer tb.Close()

	// listen side never replies
	serverCfg := &channel.Config{Transport: tb, Initiator: false, ID: []byte{0x02}}
	_ = duplex.Listen(serverCfg)

	clientCfg := &channel.Config{Transport: ta, Initiator: true, ID: []byte{0x02}}
	clientDup := duplex.Connect(clientCfg)

	opened := make(chan struct{})
	clientDup.OnRemoteOpen(func([]byte) { close(opened) })
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for open")
	}

	clock := clockwork.NewFakeClock()
	c := New(clientDup, WithClock(clock))

	resultCh := make(chan rpcwire.Envelope, 1)
	go func() {
		env, err := c.Get(context.Background(), []byte("k"), CallOptions{Timeout: 50 * time.Millisecond})
		require.NoError(t, err)
		resultCh <- env
	}()

	clock.BlockUntil(1)
	clock.Advance(50 * time.Millisecond)

	select {
	case env := <-resultCh:
		assert.False(t, env.OK)
		assert.Equal(t, rpcwire.CodeTimeout, env.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeout envelope")
	}
}

func TestTooManyRoutesDestroysDuplex(t *testing.T) {
	ta, tb := transport.Pipe()
	defer ta.Close()
	defer tb.Close()

	serverCfg := &channel.Config{Transport: tb, Initiator: false, ID: []byte{0x03}}
	_ = duplex.Listen(serverCfg)

	clientCfg := &channel.Config{Transport: ta, Initiator: true, ID: []byte{0x03}}
	clientDup := duplex.Connect(clientCfg)

	opened := make(chan struct{})
	clientDup.OnRemoteOpen(func([]byte) { close(opened) })
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for open")
	}

	c := New(clientDup, WithMaxRoutes(1))
	_, err := c.start(rpcwire.MethodGet, false, []byte("x"), CallOptions{})
	require.NoError(t, err)

	_, err = c.start(rpcwire.MethodGet, false, []byte("y"), CallOptions{})
	require.ErrorIs(t, err, ErrTooManyRoutes)
	assert.False(t, clientDup.IsConnected())
}
