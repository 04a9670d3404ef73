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

// Package service implements spec.md section 4.8: the thin composition
// layer that opens a lane on a Peer and wires it to either an rpcserver
// handler or an rpcclient proxy.
package service

import (
	"github.com/neonloom/plex/peer"
	"github.com/neonloom/plex/rpcclient"
	"github.com/neonloom/plex/rpcserver"
)

// ExposeOptions configures ExposeStorePort.
type ExposeOptions struct {
	ID   []byte
	Lane string // defaults to peer.LaneRPC

	// EagerOpen is accepted for parity with spec.md section 4.8's optional
	// eagerOpen flag and is not read. peer.ListenLane always registers its
	// pairing immediately (see duplex.Listen), so there is no lazy variant;
	// the field exists so callers porting spec-shaped config structs don't
	// need a special case for this package.
	EagerOpen bool
}

func (o ExposeOptions) lane() string {
	if o.Lane == "" {
		return peer.LaneRPC
	}
	return o.Lane
}

// ExposeStorePort opens a listen lane on p and serves handler over it via
// rpcserver.Server. The returned disposer destroys the duplex and closes
// the server, matching spec.md section 4.8's "returns a disposer that
// destroys the duplex and closes the server".
func ExposeStorePort(p *peer.Peer, opts ExposeOptions, handler any, serverOpts ...rpcserver.Option) func() {
	d := p.ListenLane(opts.ID, opts.lane())
	srv := rpcserver.New(d, handler, serverOpts...)
	srv.Serve()
	return func() {
		_ = srv.Close()
		_ = d.Close()
	}
}

// ConnectOptions configures ConnectStorePort.
type ConnectOptions struct {
	ID   []byte
	Lane string // defaults to peer.LaneRPC

	// EagerOpen is accepted for parity with spec.md; see ExposeOptions.
	EagerOpen bool
}

func (o ConnectOptions) lane() string {
	if o.Lane == "" {
		return peer.LaneRPC
	}
	return o.Lane
}

// ConnectStorePort opens a connect lane on p and returns a client proxy
// bound to it.
func ConnectStorePort(p *peer.Peer, opts ConnectOptions, clientOpts ...rpcclient.Option) *rpcclient.Client {
	d := p.ConnectLane(opts.ID, opts.lane())
	return rpcclient.New(d, clientOpts...)
}
