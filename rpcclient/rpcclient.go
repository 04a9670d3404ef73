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

// Package rpcclient implements spec.md section 4.6: a client proxy that
// turns rpcwire frames read off a duplex into unary call futures and a
// streaming scan iterator, with per-call timeouts, cancellation, and
// orphan-response tolerance.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/neonloom/plex/duplex"
	"github.com/neonloom/plex/internal/envcfg"
	"github.com/neonloom/plex/rpcwire"
)

// ErrConnectionLost is the synthetic error every pending route fails with
// when the underlying duplex tears down (spec section 4.6, "Transport
// teardown").
var ErrConnectionLost = errors.New("rpcclient: connection lost")

// ErrTooManyRoutes is the synchronous failure returned when the client
// route limit is reached (spec section 4.6 step 1).
var ErrTooManyRoutes = errors.New("rpcclient: too many in-flight requests")

// CallOptions carries the transport-only knobs plus payload fields shared
// across Get/Put/Del/Append/Scan. A zero Timeout falls back to the client's
// default timeout (WithDefaultTimeout); the per-call timer is off only when
// both are zero.
type CallOptions struct {
	Caps    []byte
	Timeout time.Duration
	Abort   <-chan struct{}
}

// Option configures a Client at construction.
type Option func(*Client)

func WithMaxRoutes(n int) Option       { return func(c *Client) { c.maxRoutes = n } }
func WithMaxRequestBytes(n int) Option { return func(c *Client) { c.maxRequestBytes = n } }
func WithOrphanTTL(d time.Duration) Option { return func(c *Client) { c.orphanTTL = d } }
func WithClock(clk clockwork.Clock) Option { return func(c *Client) { c.clock = clk } }
func WithLogger(l *logrus.Entry) Option    { return func(c *Client) { c.log = l } }

// WithDefaultTimeout overrides the per-call timeout applied when a caller's
// CallOptions.Timeout is zero (spec.md section 6's PLEX_RPC_CLIENT_TIMEOUT_MS,
// 0 disables).
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithStallWarn sets the diagnostic stall-warning threshold: a call still
// active after this long logs a warning once (spec.md section 5's "stall
// warning (purely diagnostic)"). Zero disables it.
func WithStallWarn(d time.Duration) Option { return func(c *Client) { c.stallWarn = d } }

// WithPendingLogInterval sets the diagnostic pending-reminder interval: a
// call still active is logged again every d (spec.md section 5's "pending
// reminder (diagnostic)"). Zero disables it.
func WithPendingLogInterval(d time.Duration) Option {
	return func(c *Client) { c.pendingLogInterval = d }
}

// WithRPCTrace enables PLEX_RPC_TRACE-equivalent Trace-level logging of
// every frame sent and received.
func WithRPCTrace(enabled bool) Option { return func(c *Client) { c.rpcTrace = enabled } }

// WithConfig seeds every tunable from cfg in one call, for callers that
// already hold a resolved *envcfg.Config.
func WithConfig(cfg *envcfg.Config) Option {
	return func(c *Client) {
		c.maxRoutes = cfg.MaxClientRoutes
		c.maxRequestBytes = cfg.MaxRequestBytes
		c.orphanTTL = cfg.OrphanTTL
		c.defaultTimeout = cfg.ClientTimeout
		c.stallWarn = cfg.ClientStallWarn
		c.pendingLogInterval = cfg.PendingLogInterval
		c.rpcTrace = cfg.RPCTrace
		c.traceLog, c.traceCloser = envcfg.TraceLogger(c.log, cfg.RPCTracePath)
	}
}

type routeState int

const (
	routeActive routeState = iota
	routeCancelled
	routeClosed
)

type route struct {
	rid      uint32
	methodID rpcwire.MethodID
	isStream bool

	mu         sync.Mutex
	state      routeState
	cancelSent bool

	// unary
	resultCh chan rpcwire.Envelope

	// stream
	queue     []rpcwire.Envelope
	waiters   []chan struct{}
	streamErr error
	done      bool

	// closed once the route reaches routeClosed, regardless of call shape;
	// distinct from resultCh/queue so abort-signal watchers can wait for
	// completion without racing the caller for the one buffered result.
	finishedCh chan struct{}

	timeoutTimer clockwork.Timer
	stallTimer   clockwork.Timer
	pendingTimer clockwork.Timer
}

// stopTimersLocked stops every per-call timer. Callers must hold r.mu.
func (r *route) stopTimersLocked() {
	if r.timeoutTimer != nil {
		r.timeoutTimer.Stop()
	}
	if r.stallTimer != nil {
		r.stallTimer.Stop()
	}
	if r.pendingTimer != nil {
		r.pendingTimer.Stop()
	}
}

// Client is one RPC client proxy bound to a single duplex.
type Client struct {
	d *duplex.Duplex

	maxRoutes          int
	maxRequestBytes    int
	orphanTTL          time.Duration
	defaultTimeout     time.Duration
	stallWarn          time.Duration
	pendingLogInterval time.Duration
	rpcTrace           bool
	clock              clockwork.Clock
	log                *logrus.Entry
	traceLog           *logrus.Entry
	traceCloser        io.Closer

	sem *semaphore.Weighted

	mu             sync.Mutex
	nextRID        uint32
	routes         map[uint32]*route
	recentlyClosed map[uint32]time.Time

	writeMu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}

	closedOnce sync.Once
	closeErr   error
}

// New builds a Client over d, defaulting its tunables from
// envcfg.Default() (spec.md section 6's PLEX_RPC_* variables) before
// applying opts. The read loop starts immediately.
func New(d *duplex.Duplex, opts ...Option) *Client {
	cfg := envcfg.Default()
	log := logrus.WithField("component", "rpcclient")
	traceLog, traceCloser := envcfg.TraceLogger(log, cfg.RPCTracePath)
	c := &Client{
		d:                  d,
		maxRoutes:          cfg.MaxClientRoutes,
		maxRequestBytes:    cfg.MaxRequestBytes,
		orphanTTL:          cfg.OrphanTTL,
		defaultTimeout:     cfg.ClientTimeout,
		stallWarn:          cfg.ClientStallWarn,
		pendingLogInterval: cfg.PendingLogInterval,
		rpcTrace:           cfg.RPCTrace,
		clock:              clockwork.NewRealClock(),
		log:                log,
		traceLog:           traceLog,
		traceCloser:        traceCloser,
		nextRID:            1,
		routes:             make(map[uint32]*route),
		recentlyClosed:     make(map[uint32]time.Time),
		readyCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxRoutes > 0 {
		c.sem = semaphore.NewWeighted(int64(c.maxRoutes))
	}

	d.OnRemoteOpen(func([]byte) { c.readyOnce.Do(func() { close(c.readyCh) }) })
	d.OnClose(func() { c.teardown(ErrConnectionLost) })
	d.OnDestroy(func(err error) {
		if err == nil {
			err = ErrConnectionLost
		}
		c.teardown(err)
	})
	go c.readLoop()
	return c
}

// WaitReady blocks until the underlying channel reports remote-open, ctx
// cancellation, or connection loss.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unwrap returns the underlying duplex (spec section 4.6 "passthrough
// unwrap()").
func (c *Client) Unwrap() *duplex.Duplex { return c.d }

func (c *Client) nextRid() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	rid := c.nextRID
	c.nextRID++
	if c.nextRID == 0 {
		c.nextRID = 1
	}
	return rid
}

func (c *Client) acquireSlot() error {
	if c.sem == nil {
		return nil
	}
	if !c.sem.TryAcquire(1) {
		_ = c.d.Close()
		return ErrTooManyRoutes
	}
	return nil
}

func (c *Client) releaseSlot() {
	if c.sem != nil {
		c.sem.Release(1)
	}
}

// Get issues a GET call.
func (c *Client) Get(ctx context.Context, key []byte, opts CallOptions) (rpcwire.Envelope, error) {
	req := rpcwire.GetRequest{Key: key, Caps: opts.Caps, HasCaps: len(opts.Caps) > 0}
	return c.unary(ctx, rpcwire.MethodGet, req.Encode(), opts)
}

// Put issues a PUT call.
func (c *Client) Put(ctx context.Context, key, value []byte, opts CallOptions) (rpcwire.Envelope, error) {
	req := rpcwire.PutRequest{Key: key, Value: value, Caps: opts.Caps, HasCaps: len(opts.Caps) > 0}
	return c.unary(ctx, rpcwire.MethodPut, req.Encode(), opts)
}

// Del issues a DEL call.
func (c *Client) Del(ctx context.Context, key []byte, opts CallOptions) (rpcwire.Envelope, error) {
	req := rpcwire.DelRequest{Key: key, Caps: opts.Caps, HasCaps: len(opts.Caps) > 0}
	return c.unary(ctx, rpcwire.MethodDel, req.Encode(), opts)
}

// Append issues an APPEND call.
func (c *Client) Append(ctx context.Context, value []byte, opts CallOptions) (rpcwire.Envelope, error) {
	req := rpcwire.AppendRequest{Value: value, Caps: opts.Caps, HasCaps: len(opts.Caps) > 0}
	return c.unary(ctx, rpcwire.MethodAppend, req.Encode(), opts)
}

// ScanOptions extends CallOptions with the range/prefix fields of a SCAN
// request.
type ScanOptions struct {
	CallOptions
	Prefix  []byte
	Reverse bool
	GTE, GT, LTE, LT []byte
}

// Scan issues a SCAN call and returns a streaming iterator.
func (c *Client) Scan(ctx context.Context, opts ScanOptions) (*StreamIterator, error) {
	req := rpcwire.ScanRequest{
		Prefix: opts.Prefix, HasPrefix: len(opts.Prefix) > 0,
		Reverse: opts.Reverse,
		GTE:     opts.GTE, HasGTE: len(opts.GTE) > 0,
		GT:      opts.GT, HasGT: len(opts.GT) > 0,
		LTE:     opts.LTE, HasLTE: len(opts.LTE) > 0,
		LT:      opts.LT, HasLT: len(opts.LT) > 0,
		Caps:    opts.Caps, HasCaps: len(opts.Caps) > 0,
	}
	r, err := c.start(rpcwire.MethodScan, true, req.Encode(), opts.CallOptions)
	if err != nil {
		return nil, err
	}
	return &StreamIterator{c: c, r: r}, nil
}

func (c *Client) unary(ctx context.Context, methodID rpcwire.MethodID, payload []byte, opts CallOptions) (rpcwire.Envelope, error) {
	r, err := c.start(methodID, false, payload, opts)
	if err != nil {
		return rpcwire.Envelope{}, err
	}
	select {
	case env := <-r.resultCh:
		return env, nil
	case <-ctx.Done():
		c.cancelRoute(r)
		return rpcwire.Envelope{}, ctx.Err()
	}
}

func (c *Client) start(methodID rpcwire.MethodID, isStream bool, payload []byte, opts CallOptions) (*route, error) {
	if err := c.acquireSlot(); err != nil {
		return nil, err
	}
	if len(payload) > c.maxRequestBytes {
		c.releaseSlot()
		return nil, rpcwire.CodePayloadTooLarge
	}

	rid := c.nextRid()
	r := &route{rid: rid, methodID: methodID, isStream: isStream, finishedCh: make(chan struct{})}
	if !isStream {
		r.resultCh = make(chan rpcwire.Envelope, 1)
	}

	c.mu.Lock()
	c.routes[rid] = r
	c.mu.Unlock()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.defaultTimeout
	}
	if timeout > 0 {
		r.timeoutTimer = c.clock.AfterFunc(timeout, func() { c.onTimeout(r, timeout) })
	}
	if c.stallWarn > 0 {
		r.stallTimer = c.clock.AfterFunc(c.stallWarn, func() { c.onStallWarn(r) })
	}
	if c.pendingLogInterval > 0 {
		r.pendingTimer = c.clock.AfterFunc(c.pendingLogInterval, func() { c.onPendingReminder(r) })
	}
	if opts.Abort != nil {
		go func() {
			select {
			case <-opts.Abort:
				c.cancelRoute(r)
			case <-r.finishedCh:
			}
		}()
	}

	frame := rpcwire.Frame{Type: rpcwire.FrameRequest, RID: rid, MethodID: methodID, Payload: payload}
	if err := c.write(frame); err != nil {
		c.closeRoute(r, rpcwire.ErrEnvelope(rpcwire.CodeClosed, err.Error()), true)
		return r, nil
	}
	return r, nil
}

// onStallWarn fires once if r is still active after the stall-warn
// threshold. Purely diagnostic: it never touches route state.
func (c *Client) onStallWarn(r *route) {
	r.mu.Lock()
	active := r.state == routeActive
	r.mu.Unlock()
	if !active {
		return
	}
	c.log.WithFields(logrus.Fields{"rid": r.rid, "method": r.methodID}).Warn("rpcclient: call has not completed within stall-warn threshold")
}

// onPendingReminder re-arms itself every pendingLogInterval while r stays
// active, logging its continued presence. Purely diagnostic.
func (c *Client) onPendingReminder(r *route) {
	r.mu.Lock()
	if r.state != routeActive {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	c.log.WithFields(logrus.Fields{"rid": r.rid, "method": r.methodID}).Debug("rpcclient: call still pending")
	r.mu.Lock()
	if r.state == routeActive {
		r.pendingTimer = c.clock.AfterFunc(c.pendingLogInterval, func() { c.onPendingReminder(r) })
	}
	r.mu.Unlock()
}

func (c *Client) onTimeout(r *route, timeout time.Duration) {
	r.mu.Lock()
	if r.state != routeActive {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	c.sendCancel(r)
	c.closeRoute(r, rpcwire.ErrEnvelope(rpcwire.CodeTimeout, fmt.Sprintf("Request timed out after %dms", timeout.Milliseconds())), true)
}

func (c *Client) cancelRoute(r *route) {
	c.sendCancel(r)
	c.closeRoute(r, rpcwire.ErrEnvelope(rpcwire.CodeDestroyed, "cancelled"), true)
}

func (c *Client) sendCancel(r *route) {
	r.mu.Lock()
	if r.cancelSent || r.state != routeActive {
		r.mu.Unlock()
		return
	}
	r.cancelSent = true
	r.state = routeCancelled
	r.mu.Unlock()
	_ = c.write(rpcwire.Frame{Type: rpcwire.FrameCancel, RID: r.rid, MethodID: r.methodID})
}

// closeRoute finalizes r, removes it from the table, and arms the
// recently-closed orphan-tolerance entry. isTerminalEnvelope distinguishes
// a true clean end (empty payload, nothing to yield) from a terminal
// carrying a failure envelope (timeout, cancel, or a server-sent terminal
// failure) which for streams is surfaced as the last yielded item rather
// than a Go error -- spec section 9's clean-end-vs-error-terminal
// resolution.
func (c *Client) closeRoute(r *route, env rpcwire.Envelope, isTerminalEnvelope bool) {
	r.mu.Lock()
	if r.state == routeClosed {
		r.mu.Unlock()
		return
	}
	r.state = routeClosed
	r.stopTimersLocked()
	r.mu.Unlock()

	c.mu.Lock()
	delete(c.routes, r.rid)
	c.recentlyClosed[r.rid] = c.clock.Now().Add(c.orphanTTL)
	c.mu.Unlock()
	c.releaseSlot()

	if r.isStream {
		r.mu.Lock()
		if isTerminalEnvelope {
			r.queue = append(r.queue, env)
		}
		r.done = true
		r.mu.Unlock()
		c.wakeWaiters(r)
	} else {
		r.resultCh <- env
	}
	close(r.finishedCh)
}

// failRoute closes r with a Go-level error (transport loss mid-stream),
// distinct from a synthesised terminal envelope.
func (c *Client) failRoute(r *route, err error) {
	r.mu.Lock()
	if r.state == routeClosed {
		r.mu.Unlock()
		return
	}
	r.state = routeClosed
	r.stopTimersLocked()
	r.mu.Unlock()

	c.mu.Lock()
	delete(c.routes, r.rid)
	c.mu.Unlock()
	c.releaseSlot()

	if r.isStream {
		r.mu.Lock()
		r.streamErr = err
		r.done = true
		r.mu.Unlock()
		c.wakeWaiters(r)
	} else {
		r.resultCh <- rpcwire.ErrEnvelope(rpcwire.CodeClosed, err.Error())
	}
	close(r.finishedCh)
}

func (c *Client) wakeWaiters(r *route) {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (c *Client) write(frame rpcwire.Frame) error {
	if c.rpcTrace {
		c.traceLog.WithFields(logrus.Fields{"rid": frame.RID, "type": frame.Type, "method": frame.MethodID}).Trace("rpcclient: sending frame")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.d.Write(frame.Encode())
	return err
}

func (c *Client) readLoop() {
	for {
		msg, err := c.d.ReadMessage()
		if err != nil {
			return
		}
		frame, err := rpcwire.DecodeFrame(msg)
		if err != nil {
			c.log.WithError(err).Debug("rpcclient: dropping undecodable frame")
			continue
		}
		if frame.Type != rpcwire.FrameResponse {
			continue
		}
		c.handleResponse(frame)
	}
}

func (c *Client) handleResponse(frame rpcwire.Frame) {
	if c.rpcTrace {
		c.traceLog.WithFields(logrus.Fields{"rid": frame.RID, "type": frame.Type, "more": frame.More}).Trace("rpcclient: received frame")
	}
	c.mu.Lock()
	r, ok := c.routes[frame.RID]
	if !ok {
		expiry, recent := c.recentlyClosed[frame.RID]
		c.mu.Unlock()
		if recent && c.clock.Now().Before(expiry) {
			c.log.WithField("rid", frame.RID).Debug("rpcclient: orphan response for recently-closed route")
		} else {
			c.log.WithField("rid", frame.RID).Warn("rpcclient: response for unknown route")
		}
		return
	}
	c.mu.Unlock()

	r.mu.Lock()
	cancelled := r.state == routeCancelled
	r.mu.Unlock()

	if cancelled {
		if !frame.More {
			c.closeRoute(r, rpcwire.Envelope{}, false)
		}
		return
	}

	var env rpcwire.Envelope
	hasPayload := len(frame.Payload) > 0
	if hasPayload {
		var err error
		env, err = rpcwire.DecodeEnvelope(frame.Payload)
		if err != nil {
			env = rpcwire.ErrEnvelope(rpcwire.CodeCodecError, "bad response payload")
		}
	}

	if r.isStream {
		if frame.More {
			if hasPayload {
				c.pushStream(r, env)
			}
			return
		}
		// terminal: clean end (no payload) or a failure envelope (hasPayload).
		c.closeRoute(r, env, hasPayload)
		return
	}

	if !frame.More {
		if !hasPayload {
			env = rpcwire.OKEnvelope(nil, false, nil, false)
		}
		c.closeRoute(r, env, false)
	}
}

func (c *Client) pushStream(r *route, env rpcwire.Envelope) {
	r.mu.Lock()
	r.queue = append(r.queue, env)
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (c *Client) teardown(cause error) {
	c.closedOnce.Do(func() { c.closeErr = cause })

	c.mu.Lock()
	routes := make([]*route, 0, len(c.routes))
	for _, r := range c.routes {
		routes = append(routes, r)
	}
	c.routes = make(map[uint32]*route)
	c.mu.Unlock()

	for _, r := range routes {
		c.failRoute(r, cause)
	}
}

// Close closes the underlying duplex.
func (c *Client) Close() error {
	c.closeTrace()
	return c.d.Close()
}

// Destroy is the alias spec section 4.6 names alongside Close; for this
// transport-agnostic duplex, tearing down the channel is the only
// destructive operation available, so Destroy and Close share behavior.
func (c *Client) Destroy() error {
	c.closeTrace()
	return c.d.Close()
}

func (c *Client) closeTrace() {
	if c.traceCloser != nil {
		_ = c.traceCloser.Close()
	}
}
