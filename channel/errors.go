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

import "errors"

var (
	// ErrNotOpen is returned by Config.Send before Ensure/Open has run.
	ErrNotOpen = errors.New("channel: not open")
	// ErrUnpaired is returned when Unpair is called with no pending registration.
	ErrUnpaired = errors.New("channel: no pending pair registration")
	// ErrDestroyed is returned by Send once the channel has been torn down.
	ErrDestroyed = errors.New("channel: destroyed")
)
