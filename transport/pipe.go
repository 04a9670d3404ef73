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

import "net"

// Pipe returns two in-memory, framed Transports wired to each other,
// equivalent to spec section 8 scenario 1's "in-memory duplex pair". It is
// adapted from the dialing shape of docker-compose's internal/memnet
// package: net.Pipe supplies the raw duplex, Wrap supplies the message
// framing memnet's own callers get from a real socket.
func Pipe() (a, b Transport) {
	ca, cb := net.Pipe()
	return Wrap(ca), Wrap(cb)
}
