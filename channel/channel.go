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

package channel

import (
	"sync"

	"github.com/hashicorp/yamux"

	"github.com/neonloom/plex/transport"
)

// Channel is a single multiplex sub-channel keyed by (id, protocol),
// addressed by Ensure/Open/Pair against a Substrate.
type Channel struct {
	id  ID
	cfg *Config
	sub *Substrate

	mu        sync.Mutex
	stream    *yamux.Stream
	msgT      transport.Transport
	opened    bool
	destroyed bool
	teardown  sync.Once
}

// Lookup is channel.get-channel: locate an already-open channel matching
// cfg's (id, protocol) on cfg's substrate. Returns nil if none is open.
func Lookup(cfg *Config) (*Channel, error) {
	sub, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	return sub.lookup(cfg.ChannelID()), nil
}

// IsOpen reports whether the substrate has an open channel for cfg's
// (id, protocol).
func IsOpen(cfg *Config) (bool, error) {
	ch, err := Lookup(cfg)
	if err != nil {
		return false, err
	}
	return ch != nil && ch.IsOpen(), nil
}

// Ensure locates an existing channel for cfg or creates a new, not-yet-open
// placeholder for it, wiring cfg's callbacks and installing cfg's Send
// function. Ensure never performs network I/O; Open and Pair do.
func Ensure(cfg *Config) (*Channel, error) {
	sub, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	id := cfg.ChannelID()

	if ch := sub.lookup(id); ch != nil {
		cfg.setChannel(ch)
		cfg.setSend(ch.send)
		return ch, nil
	}

	ch := &Channel{id: id, cfg: cfg, sub: sub}
	cfg.setChannel(ch)
	cfg.setSend(ch.send)
	return ch, nil
}

// Open is channel.open: ensures a channel exists, then actively opens a
// yamux stream to the peer carrying cfg's handshake.
func Open(cfg *Config) (*Channel, error) {
	ch, err := Ensure(cfg)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	if ch.opened {
		ch.mu.Unlock()
		return ch, nil
	}
	ch.mu.Unlock()

	stream, err := ch.sub.openStream()
	if err != nil {
		return nil, err
	}

	hs := cfg.HandshakeMessage
	if err := writeHeader(stream, header{id: cfg.ID, protocol: ch.id.Protocol, handshake: hs}); err != nil {
		_ = stream.Close()
		return nil, err
	}

	// Read the peer's ack header (its own handshake, possibly empty) before
	// treating this side as open, so remote-open fires with real data.
	ack, err := readHeader(stream)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}

	ch.attach(stream, ack.handshake)
	return ch, nil
}

// Pair is channel.pair: registers a handler invoked once the remote opens
// the matching (id, protocol) channel. If a matching stream already arrived
// (a race with the remote opening first), the handler fires immediately.
func Pair(cfg *Config, onPair func(cfg *Config)) error {
	ch, err := Ensure(cfg)
	if err != nil {
		return err
	}
	id := cfg.ChannelID()

	resolve := func(stream *yamux.Stream, remoteHandshake []byte) {
		// Reply with our own handshake, completing the pairing handshake,
		// then fire local open followed by the caller's on-pair hook --
		// spec section 4.1: "invoke open(cfg) then call on-pair(cfg)".
		ourHandshake := cfg.HandshakeMessage
		_ = writeHeader(stream, header{id: cfg.ID, protocol: id.Protocol, handshake: ourHandshake})
		ch.attach(stream, remoteHandshake)
		onPair(cfg)
	}

	if pending := ch.sub.takePending(id); pending != nil {
		resolve(pending.stream, pending.handshake)
		return nil
	}

	reg := &pairRegistration{fn: resolve}
	cfg.mu.Lock()
	cfg.pairHandle = reg
	cfg.mu.Unlock()
	ch.sub.registerPair(id, reg)
	return nil
}

// Unpair cancels any outstanding Pair registration for cfg.
func Unpair(cfg *Config) error {
	cfg.mu.Lock()
	reg := cfg.pairHandle
	cfg.pairHandle = nil
	cfg.mu.Unlock()
	if reg == nil {
		return ErrUnpaired
	}
	sub, err := cfg.Normalize()
	if err != nil {
		return err
	}
	sub.unregisterPair(cfg.ChannelID())
	return nil
}

// attach binds a yamux stream (already past the header exchange) to the
// channel, registers it as open on the substrate, and fires onopen /
// remote-open with the handshake observed during pairing.
func (ch *Channel) attach(stream *yamux.Stream, remoteHandshake []byte) {
	msgT := transport.Wrap(stream)

	ch.mu.Lock()
	ch.stream = stream
	ch.msgT = msgT
	ch.opened = true
	ch.mu.Unlock()

	ch.sub.registerOpen(ch.id, ch)

	msgT.OnMessage(func(msg []byte) {
		if ch.cfg.OnMessage != nil {
			ch.cfg.OnMessage(msg)
		}
	})
	msgT.OnClose(func() { ch.Teardown(nil) })
	msgT.OnError(func(err error) { ch.Teardown(err) })

	if ch.cfg.OnOpen != nil {
		ch.cfg.OnOpen(remoteHandshake)
	}
}

func (ch *Channel) send(msg []byte) error {
	ch.mu.Lock()
	msgT := ch.msgT
	destroyed := ch.destroyed
	ch.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	if msgT == nil {
		return ErrNotOpen
	}
	return msgT.Send(msg)
}

// IsOpen reports whether this channel has completed its open handshake and
// has not yet been destroyed.
func (ch *Channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.opened && !ch.destroyed
}

// Close tears this channel down gracefully from the local side.
func (ch *Channel) Close() error {
	return ch.Teardown(nil)
}

// Teardown runs the channel-close-then-channel-destroy sequence exactly
// once (spec section 4.2's "destruction is symmetric" policy): whichever
// side observes the teardown first -- locally initiated or because the
// peer closed/errored -- unpairs any outstanding pair registration so the
// remote's eventual pair attempt isn't matched against a dead channel,
// fires cfg.OnClose then cfg.OnDestroy(err), and best-effort closes the
// underlying stream so the remote observes the same sequence.
func (ch *Channel) Teardown(err error) error {
	var closeErr error
	ch.teardown.Do(func() {
		ch.mu.Lock()
		ch.destroyed = true
		stream := ch.stream
		ch.mu.Unlock()

		ch.sub.forget(ch.id)
		_ = Unpair(ch.cfg)
		if ch.cfg.OnClose != nil {
			ch.cfg.OnClose()
		}
		if ch.cfg.OnDestroy != nil {
			ch.cfg.OnDestroy(err)
		}
		if err != nil {
			ch.cfg.sinkError(err)
		}
		if stream != nil {
			closeErr = stream.Close()
		}
	})
	return closeErr
}
