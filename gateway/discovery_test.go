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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/inventory"
)

var errUnreachable = errors.New("connection refused")

// fakeLatencies builds a rankedDialer that sleeps a fixed duration per
// address before succeeding, or fails for addresses listed in down.
func fakeLatencies(latency map[string]time.Duration, down map[string]bool) rankedDialer {
	return func(ctx context.Context, addr string) error {
		if down[addr] {
			return errUnreachable
		}
		if d, ok := latency[addr]; ok {
			time.Sleep(d)
		}
		return nil
	}
}

func TestDiscoverReturnsFastestReachableEndpoint(t *testing.T) {
	a := ep("10.0.0.1", 80)
	b := ep("10.0.0.2", 80)
	c := ep("10.0.0.3", 80)

	dial := fakeLatencies(map[string]time.Duration{
		a.Addr(): 5 * time.Millisecond,
		b.Addr(): 1 * time.Millisecond,
	}, map[string]bool{
		c.Addr(): true,
	})

	live := discover(context.Background(), []inventory.Endpoint{a, b, c}, dial)
	require.Len(t, live, 1)
	assert.Equal(t, b, live[0])
}

func TestDiscoverReturnsEmptyWhenAllUnreachable(t *testing.T) {
	a := ep("10.0.0.1", 80)
	dial := fakeLatencies(nil, map[string]bool{a.Addr(): true})

	live := discover(context.Background(), []inventory.Endpoint{a}, dial)
	assert.Empty(t, live)
}

func TestDiscoverReturnsEmptyForNoCandidates(t *testing.T) {
	live := discover(context.Background(), nil, fakeLatencies(nil, nil))
	assert.Empty(t, live)
}

func TestLoadBalancerSelectDegeneratesToSingleLiveEndpoint(t *testing.T) {
	a := ep("10.0.0.1", 80)
	lb := newLoadBalancer([]inventory.Endpoint{a})
	lb.dial = fakeLatencies(nil, nil)
	lb.runDiscovery(context.Background())

	for i := 0; i < 3; i++ {
		got, ok := lb.Select()
		require.True(t, ok)
		assert.Equal(t, a, got)
	}
}

func TestLoadBalancerSelectEmptyWhenNoDiscoveryYet(t *testing.T) {
	lb := newLoadBalancer([]inventory.Endpoint{ep("10.0.0.1", 80)})
	_, ok := lb.Select()
	assert.False(t, ok)
}
