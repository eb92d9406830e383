// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"sync"

	"github.com/fleetgate/fleetgate/inventory"
)

// Gateway is the routing table (§4.3): host -> per-domain load
// balancer, served under concurrent readers with wait-free updates.
// The zero value is ready to use and has no routes.
type Gateway struct {
	mu    sync.RWMutex
	table map[string]*loadBalancer

	// dial overrides the dialer used by every per-domain balancer's
	// discovery pass; tests substitute this to avoid real sockets.
	dial rankedDialer
}

// New returns an empty Gateway.
func New() *Gateway {
	return &Gateway{table: make(map[string]*loadBalancer), dial: defaultDialer}
}

// Update rebuilds the routing table from a fresh snapshot (§4.3). For
// each domain it constructs a new per-domain load balancer, runs its
// first discovery pass synchronously so a Select immediately after
// Update returns a ranked backend, then swaps the whole table in one
// exclusive-mode critical section. After the swap, the background
// discovery loops of the previous table's balancers are stopped; a
// reader that fetched one of them before the swap can still Select
// from it, since stopping does not clear its live set.
func (g *Gateway) Update(ctx context.Context, snapshot inventory.Snapshot) {
	dial := g.dial
	if dial == nil {
		dial = defaultDialer
	}
	newTable := make(map[string]*loadBalancer, len(snapshot))
	for domain, endpoints := range snapshot {
		if len(endpoints) == 0 {
			continue
		}
		lb := newLoadBalancer(endpoints)
		lb.dial = dial
		lb.runDiscovery(ctx)
		lb.startBackground()
		newTable[domain] = lb
	}

	g.mu.Lock()
	old := g.table
	g.table = newTable
	g.mu.Unlock()

	for _, lb := range old {
		lb.shutdown()
	}
}

// Select looks up host verbatim and asks its balancer to choose a
// backend (§4.3). It returns false if the host has no route or the
// route's live set is currently empty.
func (g *Gateway) Select(host string) (inventory.Endpoint, bool) {
	g.mu.RLock()
	lb := g.table[host]
	g.mu.RUnlock()

	if lb == nil {
		return inventory.Endpoint{}, false
	}
	return lb.Select()
}
