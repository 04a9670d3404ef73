package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonloom/plex/transport"
)

func TestLanesAreIndependent(t *testing.T) {
	ta, tb := transport.Pipe()
	defer ta.Close()
	defer tb.Close()

	pa := New(ta, true)
	pb := New(tb, false)

	listenRPC := pb.ListenRPC([]byte{0x01})
	listenEvents := pb.ListenStream([]byte{0x01})

	rpcOpened := make(chan struct{})
	eventsOpened := make(chan struct{})
	listenRPC.OnRemoteOpen(func([]byte) { close(rpcOpened) })
	listenEvents.OnRemoteOpen(func([]byte) { close(eventsOpened) })

	connectRPC := pa.ConnectRPC([]byte{0x01})
	connectEvents := pa.ConnectStream([]byte{0x01})

	require.NoError(t, waitClosed(rpcOpened))
	require.NoError(t, waitClosed(eventsOpened))

	_, err := connectRPC.Write([]byte("rpc-data"))
	require.NoError(t, err)
	_, err = connectEvents.Write([]byte("event-data"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := listenRPC.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "rpc-data", string(buf[:n]))

	n, err = listenEvents.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "event-data", string(buf[:n]))
}

func waitClosed(ch chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-time.After(2 * time.Second):
		return assertTimeoutErr
	}
}

var assertTimeoutErr = assertErr("timed out")

type assertErr string

func (e assertErr) Error() string { return string(e) }
