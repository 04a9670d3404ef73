package rpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/neonloom/plex/channel"
	"github.com/neonloom/plex/duplex"
	"github.com/neonloom/plex/rpcwire"
	"github.com/neonloom/plex/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type noopHandler struct{}

func setupDuplexPair(t *testing.T) (client, server *duplex.Duplex) {
	t.Helper()
	ta, tb := transport.Pipe()
	t.Cleanup(func() { ta.Close(); tb.Close() })

	serverCfg := &channel.Config{Transport: tb, Initiator: false, ID: []byte{0x01}}
	server = duplex.Listen(serverCfg)

	clientCfg := &channel.Config{Transport: ta, Initiator: true, ID: []byte{0x01}}
	client = duplex.Connect(clientCfg)

	opened := make(chan struct{})
	client.OnRemoteOpen(func([]byte) { close(opened) })
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for open")
	}
	return client, server
}

func readResponse(t *testing.T, d *duplex.Duplex) rpcwire.Frame {
	t.Helper()
	msg, err := d.ReadMessage()
	require.NoError(t, err)
	f, err := rpcwire.DecodeFrame(msg)
	require.NoError(t, err)
	return f
}

func TestUnknownMethodRepliesUnknown(t *testing.T) {
	client, server := setupDuplexPair(t)
	srv := New(server, noopHandler{})
	srv.Serve()

	req := rpcwire.Frame{Type: rpcwire.FrameRequest, RID: 1, MethodID: rpcwire.MethodGet, Payload: rpcwire.GetRequest{Key: []byte("k")}.Encode()}
	_, err := client.Write(req.Encode())
	require.NoError(t, err)

	resp := readResponse(t, client)
	assert.False(t, resp.More)
	env, err := rpcwire.DecodeEnvelope(resp.Payload)
	require.NoError(t, err)
	assert.False(t, env.OK)
	assert.Equal(t, rpcwire.CodeUnknown, env.Code)
}

func TestOversizedPayloadRejected(t *testing.T) {
	client, server := setupDuplexPair(t)
	srv := New(server, noopHandler{}, WithMaxRequestBytes(4))
	srv.Serve()

	req := rpcwire.Frame{Type: rpcwire.FrameRequest, RID: 1, MethodID: rpcwire.MethodGet, Payload: []byte("waytoolongforfourbytes")}
	_, err := client.Write(req.Encode())
	require.NoError(t, err)

	resp := readResponse(t, client)
	env, err := rpcwire.DecodeEnvelope(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, rpcwire.CodePayloadTooLarge, env.Code)
}

type getHandler struct{ envCh chan rpcwire.Envelope }

func (h getHandler) Get(ctx context.Context, req rpcwire.GetRequest) (rpcwire.Envelope, error) {
	return <-h.envCh, nil
}

func TestCancelSuppressesResponse(t *testing.T) {
	client, server := setupDuplexPair(t)
	h := getHandler{envCh: make(chan rpcwire.Envelope)}
	srv := New(server, h)
	srv.Serve()

	req := rpcwire.Frame{Type: rpcwire.FrameRequest, RID: 5, MethodID: rpcwire.MethodGet, Payload: rpcwire.GetRequest{Key: []byte("k")}.Encode()}
	_, err := client.Write(req.Encode())
	require.NoError(t, err)

	cancel := rpcwire.Frame{Type: rpcwire.FrameCancel, RID: 5, MethodID: rpcwire.MethodGet}
	_, err = client.Write(cancel.Encode())
	require.NoError(t, err)

	// give the cancel a moment to land before unblocking the handler
	time.Sleep(20 * time.Millisecond)
	h.envCh <- rpcwire.OKEnvelope(nil, false, nil, false)

	readClosed := make(chan struct{})
	go func() {
		buf := make([]byte, 128)
		_, _ = client.Read(buf)
		close(readClosed)
	}()
	select {
	case <-readClosed:
		t.Fatal("expected no response after cancel")
	case <-time.After(100 * time.Millisecond):
	}
}
