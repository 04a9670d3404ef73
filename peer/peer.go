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

// Package peer implements spec.md section 4.3: a Peer owns exactly one
// transport and the multiplex substrate over it, and opens typed lanes
// (rpc, events, or custom) on demand.
package peer

import (
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"

	"github.com/neonloom/plex/channel"
	"github.com/neonloom/plex/duplex"
	"github.com/neonloom/plex/transport"
)

const (
	// LaneRPC is the protocol suffix used for RPC lanes.
	LaneRPC = "rpc"
	// LaneEvents is the protocol suffix used for event-stream lanes.
	LaneEvents = "events"
)

// Peer owns one transport and the multiplex substrate over it.
type Peer struct {
	t             transport.Transport
	initiator     bool
	protocolBase  string
	originalWS    *websocket.Conn
}

// Option configures a Peer at construction time.
type Option func(*Peer)

// WithProtocolBase overrides the default protocol namespace
// (channel.DefaultProtocol) used to build lane protocol strings.
func WithProtocolBase(base string) Option {
	return func(p *Peer) { p.protocolBase = base }
}

// New builds a Peer directly from a Transport. initiator decides the
// substrate's yamux session role (spec section 5's ordering guarantees
// require both sides of one transport to agree).
func New(t transport.Transport, initiator bool, opts ...Option) *Peer {
	p := &Peer{t: t, initiator: initiator, protocolBase: channel.DefaultProtocol}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// From builds a Peer from any object recognised as a Transport, a
// WebSocket, or a raw net.Conn, implementing spec section 6's WebSocket
// detection note ("send+close+numeric/string readyState+(URL string or
// internal socket handle)"). Go's gorilla/websocket.Conn is a concrete
// type, so detection is a type switch rather than duck typing.
func From(v any, initiator bool, opts ...Option) (*Peer, error) {
	switch x := v.(type) {
	case transport.Transport:
		return New(x, initiator, opts...), nil
	case *websocket.Conn:
		p := New(transport.WebSocket(x), initiator, opts...)
		p.originalWS = x
		return p, nil
	case net.Conn:
		return New(transport.Wrap(x), initiator, opts...), nil
	case io.ReadWriteCloser:
		return New(transport.Wrap(x), initiator, opts...), nil
	default:
		return nil, fmt.Errorf("peer: unsupported transport value of type %T", v)
	}
}

// GetTransport returns the underlying Transport.
func (p *Peer) GetTransport() transport.Transport {
	return p.t
}

// Config is the introspectable subset of a Peer's construction options
// (spec section 4.3's "get-config()").
type Config struct {
	ProtocolBase string
	Initiator    bool
}

// GetConfig returns this peer's introspectable configuration.
func (p *Peer) GetConfig() Config {
	return Config{ProtocolBase: p.protocolBase, Initiator: p.initiator}
}

// OriginalWebSocket returns the *websocket.Conn this peer was built from,
// if any, for introspection (spec section 3: "optional original WebSocket
// reference").
func (p *Peer) OriginalWebSocket() (*websocket.Conn, bool) {
	return p.originalWS, p.originalWS != nil
}

// ProtocolBase returns the protocol namespace this peer builds lanes from.
func (p *Peer) ProtocolBase() string {
	return p.protocolBase
}

func (p *Peer) laneProtocol(lane string) string {
	return p.protocolBase + "/" + lane
}

func (p *Peer) baseConfig(id []byte, lane string) *channel.Config {
	return &channel.Config{
		Transport: p.t,
		Initiator: p.initiator,
		ID:        id,
		Protocol:  p.laneProtocol(lane),
	}
}

// ConnectLane opens a connect-mode duplex for a custom lane.
func (p *Peer) ConnectLane(id []byte, lane string) *duplex.Duplex {
	return duplex.Connect(p.baseConfig(id, lane))
}

// ListenLane opens a listen-mode duplex for a custom lane.
func (p *Peer) ListenLane(id []byte, lane string) *duplex.Duplex {
	return duplex.Listen(p.baseConfig(id, lane))
}

// ConnectRPC opens a connect-mode duplex on the rpc lane.
func (p *Peer) ConnectRPC(id []byte) *duplex.Duplex {
	return p.ConnectLane(id, LaneRPC)
}

// ListenRPC opens a listen-mode duplex on the rpc lane.
func (p *Peer) ListenRPC(id []byte) *duplex.Duplex {
	return p.ListenLane(id, LaneRPC)
}

// ConnectStream opens a connect-mode duplex on the events lane.
func (p *Peer) ConnectStream(id []byte) *duplex.Duplex {
	return p.ConnectLane(id, LaneEvents)
}

// ListenStream opens a listen-mode duplex on the events lane.
func (p *Peer) ListenStream(id []byte) *duplex.Duplex {
	return p.ListenLane(id, LaneEvents)
}
