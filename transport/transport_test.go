package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeSendRecv(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	got := make(chan []byte, 1)
	b.OnMessage(func(msg []byte) { got <- msg })

	require.NoError(t, a.Send([]byte("hello")))

	select {
	case msg := <-got:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPipeCloseFiresClose(t *testing.T) {
	a, b := Pipe()
	closed := make(chan struct{})
	b.OnClose(func() { close(closed) })

	require.NoError(t, a.Close())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestPipeSendAfterCloseFails(t *testing.T) {
	a, b := Pipe()
	defer b.Close()
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send([]byte("x")), ErrClosed)
}

func TestAsConnRoundTrips(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	ca := AsConn(a)
	cb := AsConn(b)

	go func() { _, _ = ca.Write([]byte("payload")) }()

	buf := make([]byte, 16)
	n, err := cb.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
}
