package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonloom/plex/peer"
	"github.com/neonloom/plex/rpcclient"
	"github.com/neonloom/plex/rpcwire"
	"github.com/neonloom/plex/transport"
)

// capsEchoHandler reports back whatever caps bytes arrived with the
// request, as the value of the GET response, so tests can observe what
// WithCaps actually injected on the wire.
type capsEchoHandler struct{}

func (capsEchoHandler) Get(ctx context.Context, req rpcwire.GetRequest) (rpcwire.Envelope, error) {
	caps := req.Caps
	if !req.HasCaps {
		caps = nil
	}
	return rpcwire.OKEnvelope(caps, true, nil, false), nil
}

func newServicePair(t *testing.T) (clientPeer, serverPeer *peer.Peer) {
	t.Helper()
	ta, tb := transport.Pipe()
	t.Cleanup(func() { ta.Close(); tb.Close() })
	return peer.New(ta, true), peer.New(tb, false)
}

func TestExposeConnectStorePortRoundTrip(t *testing.T) {
	clientPeer, serverPeer := newServicePair(t)

	dispose := ExposeStorePort(serverPeer, ExposeOptions{ID: []byte("svc")}, capsEchoHandler{})
	t.Cleanup(dispose)

	client := ConnectStorePort(clientPeer, ConnectOptions{ID: []byte("svc")})
	env, err := client.Get(context.Background(), []byte("k"), rpcclient.CallOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, env.OK)
}

func TestWithCapsOverridesCallerSuppliedCaps(t *testing.T) {
	clientPeer, serverPeer := newServicePair(t)

	dispose := ExposeStorePort(serverPeer, ExposeOptions{ID: []byte("svc")}, capsEchoHandler{})
	t.Cleanup(dispose)

	client := ConnectStorePort(clientPeer, ConnectOptions{ID: []byte("svc")})
	capped := WithCaps(client, StaticCaps([]byte("token-a")))

	env, err := capped.Get(context.Background(), []byte("k"), rpcclient.CallOptions{
		Caps:    []byte("caller-supplied"),
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("token-a"), env.Value)
}

func TestCapsSourceRotatesBetweenCalls(t *testing.T) {
	clientPeer, serverPeer := newServicePair(t)

	dispose := ExposeStorePort(serverPeer, ExposeOptions{ID: []byte("svc")}, capsEchoHandler{})
	t.Cleanup(dispose)

	client := ConnectStorePort(clientPeer, ConnectOptions{ID: []byte("svc")})
	tokens := []string{"first", "second"}
	i := 0
	capped := WithCaps(client, func() []byte {
		tok := tokens[i]
		if i < len(tokens)-1 {
			i++
		}
		return []byte(tok)
	})

	env, err := capped.Get(context.Background(), []byte("k"), rpcclient.CallOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), env.Value)

	env, err = capped.Get(context.Background(), []byte("k"), rpcclient.CallOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), env.Value)
}
