/*
   Copyright 2024 the plex authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package pool implements spec.md section 4.7: a peer pool that selects,
// per call, an eligible peer under a policy, routes the call through that
// peer's RPC lane, and keeps EWMA latency / failure / cooldown stats.
package pool

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/neonloom/plex/internal/envcfg"
	"github.com/neonloom/plex/peer"
	"github.com/neonloom/plex/rpcclient"
)

// ErrNoPeers is returned when the pool is empty or no peer is eligible.
var ErrNoPeers = errors.New("pool: no peers available")

const (
	ewmaAlpha           = 0.2
	failureCooldown     = 2 * time.Second
	localityWeightLocal = 8
	localityWeightLAN   = 4
	localityWeightOther = 1
	effectiveWeightFloor = 0.01
)

// Meta is optional per-peer metadata, spec section 3's "{source?, locality?}".
type Meta struct {
	Source   string
	Locality string // "local", "lan", or "" (wan/unknown)
}

func (m Meta) localityWeight() float64 {
	switch m.Locality {
	case "local":
		return localityWeightLocal
	case "lan":
		return localityWeightLAN
	default:
		return localityWeightOther
	}
}

// AddOptions configures a pool entry at Add time.
type AddOptions struct {
	Weight int
	Meta   Meta
}

type clientKey struct {
	id   string
	lane string
}

type entry struct {
	id     uint64
	peer   *peer.Peer
	weight int
	meta   Meta

	mu            sync.Mutex
	inFlight      int
	failures      int
	successes     int
	latencyMs     float64
	cooldownUntil time.Time

	clientsMu sync.Mutex
	clients   map[clientKey]*rpcclient.Client
}

func (e *entry) eligible(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !now.Before(e.cooldownUntil) || now.Equal(e.cooldownUntil)
}

func (e *entry) effectiveWeight(preferLocal bool) float64 {
	e.mu.Lock()
	failures, latency := e.failures, e.latencyMs
	e.mu.Unlock()

	w := float64(e.weight) * e.meta.localityWeight()
	if preferLocal && e.meta.Locality == "local" {
		w *= 2
	}
	w /= 1 + float64(failures)
	w /= 1 + latency/20
	if w < effectiveWeightFloor {
		w = effectiveWeightFloor
	}
	return w
}

// Snapshot is the JSON-able per-entry stats DTO spec section 4.7's stats()
// returns (without the peer reference, per spec).
type Snapshot struct {
	ID            uint64    `json:"id"`
	Weight        int       `json:"weight"`
	Meta          Meta      `json:"meta"`
	InFlight      int       `json:"in_flight"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	LatencyMs     float64   `json:"latency_ms"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

func (e *entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		ID: e.id, Weight: e.weight, Meta: e.meta,
		InFlight: e.inFlight, Failures: e.failures, Successes: e.successes,
		LatencyMs: e.latencyMs, CooldownUntil: e.cooldownUntil,
	}
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithClock overrides the clock used for cooldown/latency bookkeeping.
func WithClock(c clockwork.Clock) Option { return func(p *Pool) { p.clock = c } }

// WithStickyKeyFn overrides how a sticky-by-key selection's hash key is
// derived from SelectOptions. The default uses SelectOptions.StickyKey
// verbatim.
func WithStickyKeyFn(fn func(SelectOptions) []byte) Option {
	return func(p *Pool) { p.stickyKeyFn = fn }
}

// WithPoolTrace enables PLEX_POOL_TRACE-equivalent Trace-level logging of
// every selection decision.
func WithPoolTrace(enabled bool) Option { return func(p *Pool) { p.poolTrace = enabled } }

// WithConfig seeds the pool-trace tunables from cfg in one call, for
// callers that already hold a resolved *envcfg.Config.
func WithConfig(cfg *envcfg.Config) Option {
	return func(p *Pool) {
		p.poolTrace = cfg.PoolTrace
		p.traceLog, p.traceCloser = envcfg.TraceLogger(p.log, cfg.PoolTracePath)
	}
}

// Pool selects an eligible peer per call under Policy and tracks stats.
type Pool struct {
	policy Policy
	clock  clockwork.Clock
	log    *logrus.Entry

	poolTrace   bool
	traceLog    *logrus.Entry
	traceCloser io.Closer

	stickyKeyFn func(SelectOptions) []byte

	mu        sync.Mutex
	entries   []*entry
	nextID    uint64
	rrCounter uint64

	metrics *poolMetrics
}

// New builds an empty Pool using the given selection policy, defaulting its
// trace tunables from envcfg.Default() (spec.md section 6's PLEX_POOL_*
// variables) before applying opts.
func New(policy Policy, opts ...Option) *Pool {
	cfg := envcfg.Default()
	log := logrus.WithField("component", "pool")
	traceLog, traceCloser := envcfg.TraceLogger(log, cfg.PoolTracePath)
	p := &Pool{
		policy:      policy,
		clock:       clockwork.NewRealClock(),
		log:         log,
		poolTrace:   cfg.PoolTrace,
		traceLog:    traceLog,
		traceCloser: traceCloser,
		stickyKeyFn: func(o SelectOptions) []byte { return o.StickyKey },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = newPoolMetrics(p)
	return p
}

// Add registers peer p with the pool and returns a disposer equivalent to
// Remove(p).
func (p *Pool) Add(pr *peer.Peer, opts AddOptions) func() {
	if opts.Weight < 1 {
		opts.Weight = 1
	}
	p.mu.Lock()
	p.nextID++
	e := &entry{id: p.nextID, peer: pr, weight: opts.Weight, meta: opts.Meta, clients: make(map[clientKey]*rpcclient.Client)}
	p.entries = append(p.entries, e)
	p.mu.Unlock()
	return func() { p.Remove(pr) }
}

// Remove destroys every cached client for p's peer and drops it from the
// pool.
func (p *Pool) Remove(pr *peer.Peer) error {
	p.mu.Lock()
	var found *entry
	kept := p.entries[:0:0]
	for _, e := range p.entries {
		if e.peer == pr {
			found = e
			continue
		}
		kept = append(kept, e)
	}
	p.entries = kept
	p.mu.Unlock()

	if found == nil {
		return nil
	}
	return destroyEntryClients(found)
}

func destroyEntryClients(e *entry) error {
	e.clientsMu.Lock()
	clients := make([]*rpcclient.Client, 0, len(e.clients))
	for _, c := range e.clients {
		clients = append(clients, c)
	}
	e.clients = make(map[clientKey]*rpcclient.Client)
	e.clientsMu.Unlock()

	var g errgroup.Group
	var mu sync.Mutex
	var merr *multierror.Error
	for _, c := range clients {
		c := c
		g.Go(func() error {
			if err := c.Destroy(); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return merr.ErrorOrNil()
}

// Close closes (best-effort) every cached client across every entry.
func (p *Pool) Close() error {
	defer p.closeTrace()
	return p.teardown(func(c *rpcclient.Client) error { return c.Close() })
}

// Destroy destroys every cached client across every entry.
func (p *Pool) Destroy() error {
	defer p.closeTrace()
	return p.teardown(func(c *rpcclient.Client) error { return c.Destroy() })
}

func (p *Pool) closeTrace() {
	if p.traceCloser != nil {
		_ = p.traceCloser.Close()
	}
}

func (p *Pool) teardown(op func(*rpcclient.Client) error) error {
	p.mu.Lock()
	entries := append([]*entry(nil), p.entries...)
	p.mu.Unlock()

	var g errgroup.Group
	var mu sync.Mutex
	var merr *multierror.Error
	for _, e := range entries {
		e.clientsMu.Lock()
		clients := make([]*rpcclient.Client, 0, len(e.clients))
		for _, c := range e.clients {
			clients = append(clients, c)
		}
		e.clientsMu.Unlock()
		for _, c := range clients {
			c := c
			g.Go(func() error {
				if err := op(c); err != nil {
					mu.Lock()
					merr = multierror.Append(merr, err)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return merr.ErrorOrNil()
}

// Stats returns a snapshot of every pool entry.
func (p *Pool) Stats() []Snapshot {
	p.mu.Lock()
	entries := append([]*entry(nil), p.entries...)
	p.mu.Unlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

func (p *Pool) eligibleEntries() []*entry {
	p.mu.Lock()
	all := append([]*entry(nil), p.entries...)
	p.mu.Unlock()

	now := p.clock.Now()
	out := make([]*entry, 0, len(all))
	for _, e := range all {
		if e.eligible(now) {
			out = append(out, e)
		}
	}
	return out
}

// SelectOptions carries the inputs a selection policy may need.
type SelectOptions struct {
	PreferLocal bool
	StickyKey   []byte
}

func (p *Pool) selectEntry(opts SelectOptions) (*entry, error) {
	eligible := p.eligibleEntries()
	if len(eligible) == 0 {
		if p.poolTrace {
			p.traceLog.WithField("policy", p.policy).Trace("pool: selection failed, no eligible peers")
		}
		return nil, ErrNoPeers
	}

	var e *entry
	var err error
	switch p.policy {
	case PolicyWeighted:
		e, err = p.selectWeighted(eligible, opts)
	case PolicySticky:
		e, err = p.selectSticky(eligible, opts)
	default:
		e, err = p.selectRoundRobin(eligible), nil
	}

	if p.poolTrace && err == nil {
		p.traceLog.WithFields(logrus.Fields{
			"policy":   p.policy,
			"selected": e.id,
			"eligible": len(eligible),
			"locality": e.meta.Locality,
		}).Trace("pool: selected peer")
	}
	return e, err
}

func (p *Pool) selectRoundRobin(eligible []*entry) *entry {
	p.mu.Lock()
	idx := p.rrCounter % uint64(len(eligible))
	p.rrCounter++
	p.mu.Unlock()
	return eligible[idx]
}

func (p *Pool) clientFor(e *entry, id []byte, lane string) *rpcclient.Client {
	key := clientKey{id: string(id), lane: lane}
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()
	if c, ok := e.clients[key]; ok {
		return c
	}
	d := e.peer.ConnectLane(id, lane)
	c := rpcclient.New(d)
	e.clients[key] = c
	return c
}

// recordStart increments in-flight and returns the call start time.
func (e *entry) recordStart(now time.Time) time.Time {
	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()
	return now
}

// recordOutcome implements spec section 4.7's per-call bookkeeping: EWMA
// latency update, success/failure counters, and failure cooldown.
func (e *entry) recordOutcome(clock clockwork.Clock, start time.Time, ok bool, threw bool) {
	duration := clock.Since(start)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight--
	e.latencyMs = e.latencyMs*(1-ewmaAlpha) + float64(duration.Milliseconds())*ewmaAlpha
	switch {
	case threw:
		e.failures++
		e.cooldownUntil = clock.Now().Add(failureCooldown)
	case ok:
		e.successes++
	default:
		e.failures++
	}
}
