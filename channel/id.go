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

// Package channel implements spec.md section 4.1: locating, creating,
// pairing, and opening a multiplex sub-channel for a given (id, protocol)
// pair, on top of a hashicorp/yamux substrate.
package channel

import "fmt"

// DefaultProtocol is the fixed protocol namespace used when a Config does
// not specify one (spec section 3).
const DefaultProtocol = "neonloom/protocol/v1"

// ID identifies a channel by its opaque id and protocol string. Equality is
// bytewise on ID and string equality on Protocol, per spec section 3.
type ID struct {
	ID       []byte
	Protocol string
}

// key renders the ID as a map key suitable for the substrate's channel
// registry.
func (c ID) key() string {
	return fmt.Sprintf("%s\x00%s", c.ID, c.Protocol)
}

// Equal reports whether two IDs name the same channel.
func (c ID) Equal(o ID) bool {
	return c.Protocol == o.Protocol && string(c.ID) == string(o.ID)
}
