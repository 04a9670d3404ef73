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

package pool

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/serialx/hashring"
)

// Policy selects which eligible peer services a given call.
type Policy int

const (
	PolicyRoundRobin Policy = iota
	PolicyWeighted
	PolicySticky
)

func (p Policy) String() string {
	switch p {
	case PolicyRoundRobin:
		return "round-robin"
	case PolicyWeighted:
		return "weighted"
	case PolicySticky:
		return "sticky"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// selectWeighted samples the eligible set with probability proportional to
// effective weight (spec section 4.7).
func (p *Pool) selectWeighted(eligible []*entry, opts SelectOptions) (*entry, error) {
	total := 0.0
	weights := make([]float64, len(eligible))
	for i, e := range eligible {
		w := e.effectiveWeight(opts.PreferLocal)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return eligible[0], nil
	}
	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return eligible[i], nil
		}
	}
	return eligible[len(eligible)-1], nil
}

// selectSticky hashes opts.StickyKey onto a consistent-hash ring built from
// the eligible set (spec section 4.7's sticky-by-key, enriched per
// SPEC_FULL.md to use serialx/hashring instead of a bare djb2-mod-N so
// rebalancing on membership change is smoother). An empty key falls back
// to round-robin, as the spec requires.
func (p *Pool) selectSticky(eligible []*entry, opts SelectOptions) (*entry, error) {
	key := p.stickyKeyFn(opts)
	if len(key) == 0 {
		return p.selectRoundRobin(eligible), nil
	}

	nodes := make([]string, len(eligible))
	byNode := make(map[string]*entry, len(eligible))
	for i, e := range eligible {
		node := strconv.FormatUint(e.id, 10)
		nodes[i] = node
		byNode[node] = e
	}
	ring := hashring.New(nodes)
	node, ok := ring.GetNode(string(key))
	if !ok {
		return p.selectRoundRobin(eligible), nil
	}
	return byNode[node], nil
}
