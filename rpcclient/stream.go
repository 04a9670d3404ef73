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

package rpcclient

import (
	"context"

	"github.com/neonloom/plex/rpcwire"
)

// StreamIterator is the pull-model iterator a Scan call returns (spec
// section 4.6, "Stream iterator"). Next yields buffered envelopes first,
// then the synthesised terminal envelope (if any), then reports done.
type StreamIterator struct {
	c *Client
	r *route

	pos int
}

// Next blocks until an envelope is available, the stream ends, or ctx is
// cancelled. ok is false once the stream has ended, and stays false on
// every later call; ordinary Go errors (transport loss, ctx cancellation)
// are returned via err alongside ok == false.
func (it *StreamIterator) Next(ctx context.Context) (env rpcwire.Envelope, ok bool, err error) {
	for {
		it.r.mu.Lock()
		if it.pos < len(it.r.queue) {
			e := it.r.queue[it.pos]
			it.pos++
			it.r.mu.Unlock()
			return e, true, nil
		}
		if it.r.done {
			streamErr := it.r.streamErr
			it.r.mu.Unlock()
			return rpcwire.Envelope{}, false, streamErr
		}
		waiter := make(chan struct{})
		it.r.waiters = append(it.r.waiters, waiter)
		it.r.mu.Unlock()

		select {
		case <-waiter:
		case <-ctx.Done():
			return rpcwire.Envelope{}, false, ctx.Err()
		}
	}
}

// Return requests early termination: sends a cancel frame and closes the
// route.
func (it *StreamIterator) Return() {
	it.c.cancelRoute(it.r)
}

// Throw closes the route with a caller-supplied error after sending a
// cancel frame (spec section 4.6's "throw()").
func (it *StreamIterator) Throw(err error) {
	it.c.sendCancel(it.r)
	it.c.failRoute(it.r, err)
}
