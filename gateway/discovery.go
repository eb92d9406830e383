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

// Package gateway implements the routing table and its per-domain
// active-probe load balancer (§4.3, §4.4).
package gateway

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/fleetgate/fleetgate/inventory"
)

// dialTimeout bounds a single TCP connect attempt during discovery.
const dialTimeout = 2 * time.Second

// rankedDialer opens a connection for timing purposes; overridable in
// tests so discovery can be exercised without real sockets.
type rankedDialer func(ctx context.Context, addr string) error

func defaultDialer(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

type timing struct {
	endpoint inventory.Endpoint
	elapsed  time.Duration
}

// discover ranks candidates by TCP-connect latency and returns the
// single lowest-latency endpoint as the live set (§4.4). Endpoints
// that fail to connect are silently excluded. An empty candidate list
// or an all-unreachable candidate list both yield an empty live set.
func discover(ctx context.Context, candidates []inventory.Endpoint, dial rankedDialer) []inventory.Endpoint {
	timings := make([]timing, 0, len(candidates))

	for _, ep := range candidates {
		start := time.Now()
		if err := dial(ctx, ep.Addr()); err != nil {
			continue
		}
		timings = append(timings, timing{endpoint: ep, elapsed: time.Since(start)})
	}

	sort.Slice(timings, func(i, j int) bool { return timings[i].elapsed < timings[j].elapsed })

	if len(timings) == 0 {
		return nil
	}
	return []inventory.Endpoint{timings[0].endpoint}
}
