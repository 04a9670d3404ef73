package pool

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/neonloom/plex/peer"
	"github.com/neonloom/plex/rpcclient"
	"github.com/neonloom/plex/rpcserver"
	"github.com/neonloom/plex/rpcwire"
	"github.com/neonloom/plex/transport"
)

// TestMain guards the pool package's goroutines (per-peer client read
// loops, inflight dispatch) against leaks across the whole suite, the way
// the teacher does for its own long-running connection-pool-shaped tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoHandler struct{}

func (echoHandler) Get(ctx context.Context, req rpcwire.GetRequest) (rpcwire.Envelope, error) {
	return rpcwire.OKEnvelope(req.Key, true, nil, false), nil
}

// newLinkedPeers builds a client/server peer pair over an in-memory pipe
// and starts an rpcserver wrapping echoHandler on the given (id, lane),
// mirroring rpcclient's own setupPair helper one layer up.
func newLinkedPeers(t *testing.T, id []byte, lane string) (clientPeer, serverPeer *peer.Peer) {
	t.Helper()
	ta, tb := transport.Pipe()
	t.Cleanup(func() { ta.Close(); tb.Close() })

	clientPeer = peer.New(ta, true)
	serverPeer = peer.New(tb, false)

	serverDup := serverPeer.ListenLane(id, lane)
	srv := rpcserver.New(serverDup, echoHandler{})
	srv.Serve()

	return clientPeer, serverPeer
}

func TestRoundRobinCyclesPeers(t *testing.T) {
	p := New(PolicyRoundRobin)
	p1, _ := newLinkedPeers(t, []byte("a"), "rpc")
	p2, _ := newLinkedPeers(t, []byte("b"), "rpc")
	p.Add(p1, AddOptions{})
	p.Add(p2, AddOptions{})

	var picks []uint64
	for i := 0; i < 4; i++ {
		e, err := p.selectEntry(SelectOptions{})
		require.NoError(t, err)
		picks = append(picks, e.id)
	}
	assert.Equal(t, []uint64{1, 2, 1, 2}, picks)
}

func TestNoPeersReturnsErrNoPeers(t *testing.T) {
	p := New(PolicyRoundRobin)
	_, err := p.selectEntry(SelectOptions{})
	assert.ErrorIs(t, err, ErrNoPeers)
}

func TestWeightedPrefersHigherWeight(t *testing.T) {
	p := New(PolicyWeighted)
	p1, _ := newLinkedPeers(t, []byte("a"), "rpc")
	p2, _ := newLinkedPeers(t, []byte("b"), "rpc")
	p.Add(p1, AddOptions{Weight: 1})
	p.Add(p2, AddOptions{Weight: 99})

	counts := map[uint64]int{}
	for i := 0; i < 200; i++ {
		e, err := p.selectEntry(SelectOptions{})
		require.NoError(t, err)
		counts[e.id]++
	}
	assert.Greater(t, counts[2], counts[1])
}

func TestStickySameKeySamePeer(t *testing.T) {
	p := New(PolicySticky)
	p1, _ := newLinkedPeers(t, []byte("a"), "rpc")
	p2, _ := newLinkedPeers(t, []byte("b"), "rpc")
	p3, _ := newLinkedPeers(t, []byte("c"), "rpc")
	p.Add(p1, AddOptions{})
	p.Add(p2, AddOptions{})
	p.Add(p3, AddOptions{})

	key := []byte("shard-42")
	first, err := p.selectEntry(SelectOptions{StickyKey: key})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := p.selectEntry(SelectOptions{StickyKey: key})
		require.NoError(t, err)
		assert.Equal(t, first.id, again.id)
	}
}

func TestStickyEmptyKeyFallsBackToRoundRobin(t *testing.T) {
	p := New(PolicySticky)
	p1, _ := newLinkedPeers(t, []byte("a"), "rpc")
	p2, _ := newLinkedPeers(t, []byte("b"), "rpc")
	p.Add(p1, AddOptions{})
	p.Add(p2, AddOptions{})

	e1, err := p.selectEntry(SelectOptions{})
	require.NoError(t, err)
	e2, err := p.selectEntry(SelectOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, e1.id, e2.id)
}

func TestRecordOutcomeCooldownMakesPeerIneligible(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(PolicyRoundRobin, WithClock(clock))
	p1, _ := newLinkedPeers(t, []byte("a"), "rpc")
	p2, _ := newLinkedPeers(t, []byte("b"), "rpc")
	p.Add(p1, AddOptions{})
	p.Add(p2, AddOptions{})

	e, err := p.selectEntry(SelectOptions{})
	require.NoError(t, err)
	start := e.recordStart(clock.Now())
	e.recordOutcome(clock, start, false, true)

	for i := 0; i < 4; i++ {
		e2, err := p.selectEntry(SelectOptions{})
		require.NoError(t, err)
		assert.NotEqual(t, e.id, e2.id, "cooled-down peer must not be selected")
	}

	clock.Advance(failureCooldown + time.Millisecond)
	assert.Len(t, p.eligibleEntries(), 2)
}

func TestRecordOutcomeUpdatesLatencyEWMA(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := &entry{id: 1}
	start := clock.Now()
	clock.Advance(100 * time.Millisecond)
	e.recordOutcome(clock, start, true, false)
	assert.InDelta(t, 100*ewmaAlpha, e.latencyMs, 0.001)
	assert.Equal(t, 1, e.successes)
}

func TestStatsSnapshotReflectsBookkeeping(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(PolicyRoundRobin, WithClock(clock))
	p1, _ := newLinkedPeers(t, []byte("a"), "rpc")
	p.Add(p1, AddOptions{Weight: 3, Meta: Meta{Locality: "lan"}})

	e, err := p.selectEntry(SelectOptions{})
	require.NoError(t, err)
	start := e.recordStart(clock.Now())
	e.recordOutcome(clock, start, true, false)

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Weight)
	assert.Equal(t, "lan", stats[0].Meta.Locality)
	assert.Equal(t, 1, stats[0].Successes)
}

func TestRemoveDestroysCachedClients(t *testing.T) {
	p := New(PolicyRoundRobin)
	clientPeer, _ := newLinkedPeers(t, []byte("a"), "rpc")
	p.Add(clientPeer, AddOptions{})

	sp := NewStorePort(p, []byte("caller"), "rpc")
	_, err := sp.Get(context.Background(), []byte("k"), rpcclient.CallOptions{Timeout: time.Second})
	require.NoError(t, err)
	e := p.entries[0]
	require.Len(t, e.clients, 1)

	require.NoError(t, p.Remove(clientPeer))
	assert.Empty(t, p.Stats())
	assert.Empty(t, e.clients)
}

func TestStorePortGetRoutesThroughPeer(t *testing.T) {
	p := New(PolicyRoundRobin)
	clientPeer, _ := newLinkedPeers(t, []byte("caller"), "rpc")
	p.Add(clientPeer, AddOptions{})

	sp := NewStorePort(p, []byte("caller"), "rpc")
	env, err := sp.Get(context.Background(), []byte("hello"), rpcclient.CallOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, env.OK)
	assert.Equal(t, []byte("hello"), env.Value)

	stats := p.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Successes)
	assert.Equal(t, 0, stats[0].InFlight)
}

func TestCollectorImplementsPrometheusCollector(t *testing.T) {
	p := New(PolicyRoundRobin)
	assert.NotNil(t, p.Collector())
}
