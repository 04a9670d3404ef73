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

package pool

import (
	"context"
	"time"

	"github.com/neonloom/plex/rpcclient"
	"github.com/neonloom/plex/rpcwire"
)

// StorePort binds a Pool to one (id, lane) pair, presenting the same
// Get/Put/Del/Append/Scan surface as a single rpcclient.Client but backed
// by per-call peer selection (spec section 4.7's "route the call through
// that peer's RPC lane").
type StorePort struct {
	pool *Pool
	id   []byte
	lane string
}

// NewStorePort builds a StorePort over pool, opening lanes by id and lane
// on whichever peer a call is routed to.
func NewStorePort(p *Pool, id []byte, lane string) *StorePort {
	return &StorePort{pool: p, id: id, lane: lane}
}

func (sp *StorePort) selectClient(opts SelectOptions) (*entry, *rpcclient.Client, error) {
	e, err := sp.pool.selectEntry(opts)
	if err != nil {
		return nil, nil, err
	}
	return e, sp.pool.clientFor(e, sp.id, sp.lane), nil
}

func (sp *StorePort) runUnary(key []byte, call func(*rpcclient.Client) (rpcwire.Envelope, error)) (rpcwire.Envelope, error) {
	e, c, err := sp.selectClient(SelectOptions{StickyKey: key})
	if err != nil {
		return rpcwire.Envelope{}, err
	}
	start := e.recordStart(sp.pool.clock.Now())
	env, err := call(c)
	e.recordOutcome(sp.pool.clock, start, env.OK, err != nil)
	return env, err
}

// Get routes a GET call through a selected peer.
func (sp *StorePort) Get(ctx context.Context, key []byte, opts rpcclient.CallOptions) (rpcwire.Envelope, error) {
	return sp.runUnary(key, func(c *rpcclient.Client) (rpcwire.Envelope, error) {
		return c.Get(ctx, key, opts)
	})
}

// Put routes a PUT call through a selected peer.
func (sp *StorePort) Put(ctx context.Context, key, value []byte, opts rpcclient.CallOptions) (rpcwire.Envelope, error) {
	return sp.runUnary(key, func(c *rpcclient.Client) (rpcwire.Envelope, error) {
		return c.Put(ctx, key, value, opts)
	})
}

// Del routes a DEL call through a selected peer.
func (sp *StorePort) Del(ctx context.Context, key []byte, opts rpcclient.CallOptions) (rpcwire.Envelope, error) {
	return sp.runUnary(key, func(c *rpcclient.Client) (rpcwire.Envelope, error) {
		return c.Del(ctx, key, opts)
	})
}

// Append routes an APPEND call through a selected peer. Appends carry no
// natural sticky key, so selection falls back to round-robin/weighted.
func (sp *StorePort) Append(ctx context.Context, value []byte, opts rpcclient.CallOptions) (rpcwire.Envelope, error) {
	return sp.runUnary(nil, func(c *rpcclient.Client) (rpcwire.Envelope, error) {
		return c.Append(ctx, value, opts)
	})
}

// Scan routes a SCAN call through a selected peer. Bookkeeping fires once
// the returned iterator is exhausted, returned, or thrown into, matching
// spec section 4.7's "as unary but bookkeeping fires in a finally after
// the stream terminates".
func (sp *StorePort) Scan(ctx context.Context, opts rpcclient.ScanOptions) (*TrackedScan, error) {
	e, c, err := sp.selectClient(SelectOptions{StickyKey: opts.Prefix})
	if err != nil {
		return nil, err
	}
	start := e.recordStart(sp.pool.clock.Now())
	it, err := c.Scan(ctx, opts)
	if err != nil {
		e.recordOutcome(sp.pool.clock, start, false, true)
		return nil, err
	}
	return &TrackedScan{it: it, pool: sp.pool, entry: e, start: start}, nil
}

// TrackedScan wraps a rpcclient.StreamIterator, deferring the pool's
// per-call bookkeeping until the stream observably terminates.
type TrackedScan struct {
	it    *rpcclient.StreamIterator
	pool  *Pool
	entry *entry
	start time.Time

	lastOK  bool
	settled bool
}

// Next delegates to the underlying iterator, recording bookkeeping once it
// reports done or errors.
func (ts *TrackedScan) Next(ctx context.Context) (rpcwire.Envelope, bool, error) {
	env, ok, err := ts.it.Next(ctx)
	if ok {
		ts.lastOK = env.OK
		return env, ok, err
	}
	ts.settle(err)
	return env, ok, err
}

// Return requests early termination and settles bookkeeping.
func (ts *TrackedScan) Return() {
	ts.it.Return()
	ts.settle(nil)
}

// Throw aborts the scan with err and settles bookkeeping.
func (ts *TrackedScan) Throw(err error) {
	ts.it.Throw(err)
	ts.settle(err)
}

func (ts *TrackedScan) settle(err error) {
	if ts.settled {
		return
	}
	ts.settled = true
	ts.entry.recordOutcome(ts.pool.clock, ts.start, ts.lastOK, err != nil)
}
