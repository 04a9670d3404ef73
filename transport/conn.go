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

package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Dial connects to addr over network and returns a length-prefix-framed
// Transport. Adapted from docker-compose's internal/memnet.Dial: the same
// "switch on network, validate, then dial" shape, generalized from
// unix/npipe-only to any net.Dial-supported network since plex's transport
// is not Docker-socket-specific.
func Dial(ctx context.Context, network, addr string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return Wrap(conn), nil
}

// DialEndpoint parses a scheme-prefixed endpoint ("tcp://host:port",
// "unix:///path/to.sock") the way memnet.DialEndpoint parses Docker
// endpoints, and dials it.
func DialEndpoint(ctx context.Context, endpoint string) (Transport, error) {
	if addr, ok := strings.CutPrefix(endpoint, "unix://"); ok {
		return Dial(ctx, "unix", addr)
	}
	if addr, ok := strings.CutPrefix(endpoint, "tcp://"); ok {
		return Dial(ctx, "tcp", addr)
	}
	return nil, fmt.Errorf("transport: unsupported endpoint scheme: %s", endpoint)
}
