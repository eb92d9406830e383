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
	"sync/atomic"
	"time"

	"github.com/fleetgate/fleetgate/inventory"
)

// rediscoverInterval is how often a per-domain balancer re-runs
// active-probe discovery after its first pass. The spec leaves the
// cadence unstated (§4.4 only says "invoked periodically"); 5s is half
// the container refresh cadence (configwatch.DefaultInterval, 10s),
// kept as a separate constant so the two are not coupled.
const rediscoverInterval = 5 * time.Second

// loadBalancer is the per-domain load balancer (§3): the candidate
// endpoint list, an embedded active-probe discovery, and round-robin
// selection over the currently-ranked live set.
type loadBalancer struct {
	candidates []inventory.Endpoint
	dial       rankedDialer

	mu   sync.RWMutex
	live []inventory.Endpoint

	next uint32 // round-robin cursor, advanced atomically

	stop chan struct{}
	done chan struct{}
}

func newLoadBalancer(candidates []inventory.Endpoint) *loadBalancer {
	return &loadBalancer{
		candidates: candidates,
		dial:       defaultDialer,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// runDiscovery executes one discovery pass synchronously, so that a
// Gateway.Update caller is guaranteed a ranked live set is in place
// before Select is called again (§4.3: "kick its first discovery
// pass").
func (lb *loadBalancer) runDiscovery(ctx context.Context) {
	live := discover(ctx, lb.candidates, lb.dial)
	lb.mu.Lock()
	lb.live = live
	lb.mu.Unlock()
}

// startBackground launches the periodic re-discovery loop. Call
// shutdown to terminate it once the balancer is superseded by a newer one.
func (lb *loadBalancer) startBackground() {
	go func() {
		defer close(lb.done)
		ticker := time.NewTicker(rediscoverInterval)
		defer ticker.Stop()
		for {
			select {
			case <-lb.stop:
				return
			case <-ticker.C:
				lb.runDiscovery(context.Background())
			}
		}
	}()
}

// shutdown stops the background discovery loop and waits for it to
// exit, so dropped balancers do not leak goroutines across refreshes.
func (lb *loadBalancer) shutdown() {
	close(lb.stop)
	<-lb.done
}

// Select returns the next endpoint in round-robin order over the
// current live set (§3: "total on a non-empty live set, returns
// 'no backend' otherwise"). Because discovery truncates the live set
// to one endpoint, round robin degenerates to that single choice
// until the next discovery pass re-ranks it (§4.4 rationale).
func (lb *loadBalancer) Select() (inventory.Endpoint, bool) {
	lb.mu.RLock()
	live := lb.live
	lb.mu.RUnlock()

	if len(live) == 0 {
		return inventory.Endpoint{}, false
	}

	idx := atomic.AddUint32(&lb.next, 1) - 1
	return live[idx%uint32(len(live))], true
}
