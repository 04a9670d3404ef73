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

	"github.com/neonloom/plex/transport"
)

// Encoding converts application values to and from wire bytes. Spec section
// 1 places the "key-value codec registry" out of scope as an external
// collaborator; Config accepts a single already-resolved Encoding rather
// than a registry lookup.
type Encoding interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

// Config is the caller-provided, normalized channel configuration of spec
// section 3.
type Config struct {
	Transport transport.Transport
	// Initiator decides, only the first time a given Transport is seen,
	// which side of the yamux session this process plays. All configs
	// sharing one Transport must agree; Peer sets this consistently for
	// every lane it opens (spec section 4.3).
	Initiator bool
	ID        []byte
	Protocol  string

	DataEncoding      Encoding
	HandshakeEncoding Encoding
	HandshakeMessage  []byte

	OnOpen    func(handshake []byte)
	OnClose   func()
	OnDestroy func(err error)
	OnMessage func(msg []byte)

	ErrorSink func(err error)

	mu          sync.Mutex
	normalized  bool
	substrate   *Substrate
	ch          *Channel
	pairHandle  *pairRegistration
	sendFn      func([]byte) error
}

// ChannelID returns the (id, protocol) pair this config names, defaulting
// Protocol to DefaultProtocol when unset.
func (c *Config) ChannelID() ID {
	proto := c.Protocol
	if proto == "" {
		proto = DefaultProtocol
	}
	return ID{ID: c.ID, Protocol: proto}
}

// Normalize resolves (or reuses the cached) substrate for this config's
// Transport. Per spec section 3 it is idempotent: calling it more than once
// is a no-op after the first call.
func (c *Config) Normalize() (*Substrate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.normalized {
		return c.substrate, nil
	}
	sub, err := substrateFor(c.Transport, c.Initiator)
	if err != nil {
		return nil, err
	}
	c.substrate = sub
	c.normalized = true
	return sub, nil
}

// Send writes a message on this config's channel. It is installed by
// Ensure and is nil until a channel has been created or located.
func (c *Config) Send(msg []byte) error {
	c.mu.Lock()
	fn := c.sendFn
	c.mu.Unlock()
	if fn == nil {
		return ErrNotOpen
	}
	return fn(msg)
}

func (c *Config) setSend(fn func([]byte) error) {
	c.mu.Lock()
	c.sendFn = fn
	c.mu.Unlock()
}

func (c *Config) setChannel(ch *Channel) {
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()
}

func (c *Config) getChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

func (c *Config) sinkError(err error) {
	c.mu.Lock()
	sink := c.ErrorSink
	c.mu.Unlock()
	if sink != nil {
		sink(err)
	}
}
