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

// Package duplex implements spec.md section 4.2: a stream-style byte duplex
// presented on top of one channel.Config, buffering writes issued before
// open and fanning lifecycle events out to registered observers -- the
// explicit listener-registration rendering of the source's event-emitter
// lifecycle design note (spec.md section 9).
package duplex

import (
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/neonloom/plex/channel"
)

// ErrDestroyed names the destroyed state of a duplex. Read and ReadMessage
// report a closed or destroyed duplex with io.EOF, not with this error.
var ErrDestroyed = errors.New("duplex: destroyed")

// Duplex is a stream-style byte duplex over one multiplex channel.
type Duplex struct {
	cfg *channel.Config

	// UserData is free-form scratch storage for the caller, matching spec
	// section 3's "user-data scratch area".
	UserData any

	mu            sync.Mutex
	connected     bool
	alive         bool
	ch            *channel.Channel
	closeRequested bool
	pendingWrites [][]byte

	closeOnce   sync.Once
	destroyOnce sync.Once

	readMu     sync.Mutex
	readCond   *sync.Cond
	readBuf    [][]byte
	readClosed bool

	onRemoteOpen []func([]byte)
	onClose      []func()
	onDestroy    []func(error)
}

func newDuplex(cfg *channel.Config) *Duplex {
	d := &Duplex{cfg: cfg, alive: true}
	d.readCond = sync.NewCond(&d.readMu)

	userOnMessage := cfg.OnMessage
	cfg.OnMessage = func(msg []byte) {
		d.pushRead(msg)
		if userOnMessage != nil {
			userOnMessage(msg)
		}
	}
	cfg.OnOpen = func(handshake []byte) { d.handleOpen(handshake) }
	cfg.OnClose = func() { d.handleClose() }
	cfg.OnDestroy = func(err error) { d.handleDestroy(err) }
	return d
}

// Connect opens cfg's channel immediately, the way spec section 4.2
// describes "Connect" mode. The handshake runs in the background; Connect
// returns before it completes.
func Connect(cfg *channel.Config) *Duplex {
	d := newDuplex(cfg)
	go func() {
		ch, err := channel.Open(cfg)
		d.onChannelResolved(ch, err)
	}()
	return d
}

// Listen registers a pair handler for cfg's channel, the way spec section
// 4.2 describes "Listen" mode: the remote-open sequence fires once the
// remote side initiates the matching (id, protocol) channel.
func Listen(cfg *channel.Config) *Duplex {
	d := newDuplex(cfg)
	go func() {
		err := channel.Pair(cfg, func(cfg *channel.Config) {
			ch, lookupErr := channel.Lookup(cfg)
			d.onChannelResolved(ch, lookupErr)
		})
		if err != nil {
			d.handleDestroy(err)
		}
	}()
	return d
}

func (d *Duplex) onChannelResolved(ch *channel.Channel, err error) {
	if err != nil {
		d.handleDestroy(err)
		return
	}
	d.mu.Lock()
	d.ch = ch
	closeRequested := d.closeRequested
	d.mu.Unlock()
	if closeRequested && ch != nil {
		_ = ch.Close()
	}
}

func (d *Duplex) handleOpen(handshake []byte) {
	d.mu.Lock()
	d.connected = true
	writes := d.pendingWrites
	d.pendingWrites = nil
	d.mu.Unlock()

	for _, w := range writes {
		if err := d.cfg.Send(w); err != nil {
			logrus.WithError(err).Debug("duplex: flushing buffered write failed")
			break
		}
	}

	d.fireRemoteOpen(handshake)
}

// handleClose is idempotent: it may be reached both through a real
// channel's Teardown and through Close's synthetic path for a duplex that
// never got as far as having a channel, and must only fire observers once
// regardless of which path gets there first.
func (d *Duplex) handleClose() {
	d.closeOnce.Do(func() {
		d.readMu.Lock()
		d.readClosed = true
		d.readCond.Broadcast()
		d.readMu.Unlock()
		d.fireClose()
	})
}

// handleDestroy is idempotent for the same reason as handleClose.
func (d *Duplex) handleDestroy(err error) {
	d.destroyOnce.Do(func() {
		d.mu.Lock()
		d.alive = false
		d.mu.Unlock()
		d.fireDestroy(err)
	})
}

// Write queues or sends p depending on connection state. Per spec section
// 4.2, writes before open are buffered in order and flushed on open; writes
// after destroy are silently dropped; no write ever re-opens a destroyed
// channel.
func (d *Duplex) Write(p []byte) (int, error) {
	d.mu.Lock()
	if !d.alive {
		d.mu.Unlock()
		return len(p), nil
	}
	if !d.connected {
		cp := append([]byte(nil), p...)
		d.pendingWrites = append(d.pendingWrites, cp)
		d.mu.Unlock()
		return len(p), nil
	}
	d.mu.Unlock()

	if err := d.cfg.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns the next message pushed by the remote side. Duplex presents
// message boundaries as read() boundaries: one Read call returns at most
// one inbound message's bytes.
func (d *Duplex) Read(p []byte) (int, error) {
	d.readMu.Lock()
	for len(d.readBuf) == 0 && !d.readClosed {
		d.readCond.Wait()
	}
	if len(d.readBuf) == 0 {
		d.readMu.Unlock()
		return 0, io.EOF
	}
	msg := d.readBuf[0]
	d.readBuf = d.readBuf[1:]
	d.readMu.Unlock()

	n := copy(p, msg)
	if n < len(msg) {
		// Shouldn't happen for callers sizing buffers to a max frame, but
		// avoid losing bytes: push the remainder back to the front.
		d.readMu.Lock()
		d.readBuf = append([][]byte{msg[n:]}, d.readBuf...)
		d.readMu.Unlock()
	}
	return n, nil
}

// ReadMessage returns the next whole inbound message, unlike Read which
// may split a message across calls when the caller's buffer is too small.
// The rpc layer relies on whole-message boundaries matching frame
// boundaries, so it reads via this method rather than Read.
func (d *Duplex) ReadMessage() ([]byte, error) {
	d.readMu.Lock()
	for len(d.readBuf) == 0 && !d.readClosed {
		d.readCond.Wait()
	}
	if len(d.readBuf) == 0 {
		d.readMu.Unlock()
		return nil, io.EOF
	}
	msg := d.readBuf[0]
	d.readBuf = d.readBuf[1:]
	d.readMu.Unlock()
	return msg, nil
}

func (d *Duplex) pushRead(msg []byte) {
	d.readMu.Lock()
	if d.readClosed {
		d.readMu.Unlock()
		return
	}
	d.readBuf = append(d.readBuf, msg)
	d.readCond.Broadcast()
	d.readMu.Unlock()
}

// Close tears the duplex (and its channel) down from the local side.
//
// If a channel has already been attached, Close delegates to it, which
// runs the usual close-then-destroy sequence and best-effort notifies the
// remote. If no channel exists yet -- Listen is still waiting on the
// remote's pair, or Connect's Open handshake hasn't finished -- there is
// nothing to notify the remote with yet, so Close cancels the outstanding
// pair registration (spec section 4 requires the local side unpair, not
// just close) and fires the local close/destroy sequence synchronously
// rather than leaving observers waiting on an event that may never come.
// Should the channel still resolve afterward (a race between Close and an
// in-flight Open/Pair), onChannelResolved tears it down too; handleClose
// and handleDestroy are idempotent so observers never see the sequence
// twice.
func (d *Duplex) Close() error {
	d.mu.Lock()
	ch := d.ch
	d.closeRequested = true
	d.mu.Unlock()
	if ch != nil {
		return ch.Close()
	}
	_ = channel.Unpair(d.cfg)
	d.handleClose()
	d.handleDestroy(nil)
	return nil
}

// IsConnected reports spec section 4.2's "alive AND channel-open".
func (d *Duplex) IsConnected() bool {
	d.mu.Lock()
	alive := d.alive
	ch := d.ch
	d.mu.Unlock()
	return alive && ch != nil && ch.IsOpen()
}

// OnRemoteOpen registers an observer for the remote-open event.
func (d *Duplex) OnRemoteOpen(fn func(handshake []byte)) {
	d.mu.Lock()
	d.onRemoteOpen = append(d.onRemoteOpen, fn)
	d.mu.Unlock()
}

// OnConnection is the "connection" alias for OnRemoteOpen (spec section
// 4.2: "connection(handshake) (alias)").
func (d *Duplex) OnConnection(fn func(handshake []byte)) {
	d.OnRemoteOpen(fn)
}

// OnClose registers an observer for the channel-close event.
func (d *Duplex) OnClose(fn func()) {
	d.mu.Lock()
	d.onClose = append(d.onClose, fn)
	d.mu.Unlock()
}

// OnDestroy registers an observer for the channel-destroy event.
func (d *Duplex) OnDestroy(fn func(err error)) {
	d.mu.Lock()
	d.onDestroy = append(d.onDestroy, fn)
	d.mu.Unlock()
}

func (d *Duplex) fireRemoteOpen(handshake []byte) {
	d.mu.Lock()
	fns := append([]func([]byte){}, d.onRemoteOpen...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(handshake)
	}
}

func (d *Duplex) fireClose() {
	d.mu.Lock()
	fns := append([]func(){}, d.onClose...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (d *Duplex) fireDestroy(err error) {
	d.mu.Lock()
	fns := append([]func(error){}, d.onDestroy...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
