package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonloom/plex/transport"
)

func TestOpenPairRoundTrip(t *testing.T) {
	ta, tb := transport.Pipe()
	defer ta.Close()
	defer tb.Close()

	listenOpen := make(chan []byte, 1)
	listenMsg := make(chan []byte, 1)
	listenCfg := &Config{
		Transport: tb,
		Initiator: false,
		ID:        []byte{0xaa},
		OnOpen:    func(hs []byte) { listenOpen <- hs },
		OnMessage: func(msg []byte) { listenMsg <- msg },
	}
	paired := make(chan struct{})
	require.NoError(t, Pair(listenCfg, func(cfg *Config) { close(paired) }))

	connectOpen := make(chan []byte, 1)
	connectCfg := &Config{
		Transport:        ta,
		Initiator:        true,
		ID:               []byte{0xaa},
		HandshakeMessage: []byte("hello"),
		OnOpen:           func(hs []byte) { connectOpen <- hs },
	}
	_, err := Open(connectCfg)
	require.NoError(t, err)

	select {
	case hs := <-listenOpen:
		assert.Equal(t, "hello", string(hs))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listen-side open")
	}
	select {
	case <-paired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pair callback")
	}
	select {
	case <-connectOpen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect-side open")
	}

	require.NoError(t, connectCfg.Send([]byte("payload")))
	select {
	case msg := <-listenMsg:
		assert.Equal(t, "payload", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSameTransportSharesSubstrate(t *testing.T) {
	ta, tb := transport.Pipe()
	defer ta.Close()
	defer tb.Close()

	cfg1 := &Config{Transport: ta, Initiator: true, ID: []byte{1}}
	cfg2 := &Config{Transport: ta, Initiator: true, ID: []byte{2}}

	sub1, err := cfg1.Normalize()
	require.NoError(t, err)
	sub2, err := cfg2.Normalize()
	require.NoError(t, err)
	assert.Same(t, sub1, sub2)
}
