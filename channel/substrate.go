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
	"fmt"
	"sync"

	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"

	"github.com/neonloom/plex/transport"
)

// Substrate maps one Transport to many (id, protocol)-addressed
// sub-channels, per spec section 2 item 2 / GLOSSARY "Multiplex substrate".
// It orchestrates a hashicorp/yamux.Session; yamux supplies the ordered
// reliable stream multiplexing, Substrate supplies the identity and pairing
// semantics yamux has no concept of.
type Substrate struct {
	transport transport.Transport
	session   *yamux.Session

	mu       sync.Mutex
	open     map[string]*Channel           // key -> open Channel
	pending  map[string][]*pendingStream   // key -> streams accepted before a pair registered
	pairs    map[string]*pairRegistration  // key -> waiting pair registration
}

// substrateCache is keyed by Transport identity (a pointer-shaped interface
// value is comparable in Go, so the Transport itself is the map key). Spec
// section 5 calls this a weak reference attached to the transport's
// lifetime; Go has no general weak-reference mechanism available at this
// module's go 1.23 floor, so the entry is instead evicted explicitly when
// the transport reports teardown and the yamux session shuts down (see
// newSubstrate's session-close watcher).
// See DESIGN.md "Open Questions resolved" for why this is observably
// equivalent for this spec's purposes.
var (
	substrateCacheMu sync.Mutex
	substrateCache   = map[transport.Transport]*Substrate{}
)

func substrateFor(t transport.Transport, initiator bool) (*Substrate, error) {
	substrateCacheMu.Lock()
	if sub, ok := substrateCache[t]; ok {
		substrateCacheMu.Unlock()
		return sub, nil
	}
	substrateCacheMu.Unlock()

	sub, err := newSubstrate(t, initiator)
	if err != nil {
		return nil, err
	}

	substrateCacheMu.Lock()
	if existing, ok := substrateCache[t]; ok {
		// Lost a race with a concurrent caller; drop the session we just
		// built and reuse theirs so "second call yields the same
		// substrate" holds even under concurrent first use.
		substrateCacheMu.Unlock()
		_ = sub.session.Close()
		return existing, nil
	}
	substrateCache[t] = sub
	substrateCacheMu.Unlock()
	return sub, nil
}

func newSubstrate(t transport.Transport, initiator bool) (*Substrate, error) {
	conn := transport.AsConn(t)

	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = nil

	var session *yamux.Session
	var err error
	if initiator {
		session, err = yamux.Client(conn, cfg)
	} else {
		session, err = yamux.Server(conn, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("channel: building yamux session: %w", err)
	}

	sub := &Substrate{
		transport: t,
		session:   session,
		open:      map[string]*Channel{},
		pending:   map[string][]*pendingStream{},
		pairs:     map[string]*pairRegistration{},
	}
	go sub.acceptLoop()

	evict := func() {
		substrateCacheMu.Lock()
		if substrateCache[t] == sub {
			delete(substrateCache, t)
		}
		substrateCacheMu.Unlock()
	}
	// AsConn above holds the transport's single OnClose/OnError slots, so
	// eviction keys off the yamux session shutting down, which follows
	// from the transport's close or error reaching the session.
	go func() {
		<-session.CloseChan()
		evict()
	}()

	return sub, nil
}

func (s *Substrate) acceptLoop() {
	for {
		stream, err := s.session.AcceptStream()
		if err != nil {
			return
		}
		go s.handleIncoming(stream)
	}
}

func (s *Substrate) handleIncoming(stream *yamux.Stream) {
	hdr, err := readHeader(stream)
	if err != nil {
		logrus.WithError(err).Debug("channel: dropping stream with unreadable header")
		_ = stream.Close()
		return
	}

	k := ID{ID: hdr.id, Protocol: hdr.protocol}.key()

	s.mu.Lock()
	reg, ok := s.pairs[k]
	if !ok {
		s.pending[k] = append(s.pending[k], &pendingStream{stream: stream, handshake: hdr.handshake})
		s.mu.Unlock()
		return
	}
	delete(s.pairs, k)
	s.mu.Unlock()

	reg.resolve(stream, hdr.handshake)
}

// lookup returns the open Channel for id, if any (channel.get-channel).
func (s *Substrate) lookup(id ID) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[id.key()]
}

func (s *Substrate) registerOpen(id ID, ch *Channel) {
	s.mu.Lock()
	s.open[id.key()] = ch
	s.mu.Unlock()
}

func (s *Substrate) forget(id ID) {
	s.mu.Lock()
	delete(s.open, id.key())
	s.mu.Unlock()
}

// takePending returns and clears any stream that arrived for id before a
// pair registration existed.
func (s *Substrate) takePending(id ID) *pendingStream {
	k := id.key()
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.pending[k]
	if len(q) == 0 {
		return nil
	}
	s.pending[k] = q[1:]
	return q[0]
}

func (s *Substrate) registerPair(id ID, reg *pairRegistration) {
	s.mu.Lock()
	s.pairs[id.key()] = reg
	s.mu.Unlock()
}

func (s *Substrate) unregisterPair(id ID) {
	s.mu.Lock()
	delete(s.pairs, id.key())
	s.mu.Unlock()
}

func (s *Substrate) openStream() (*yamux.Stream, error) {
	return s.session.OpenStream()
}

type pendingStream struct {
	stream    *yamux.Stream
	handshake []byte
}

type pairRegistration struct {
	once sync.Once
	fn   func(stream *yamux.Stream, handshake []byte)
}

func (p *pairRegistration) resolve(stream *yamux.Stream, handshake []byte) {
	p.once.Do(func() { p.fn(stream, handshake) })
}
