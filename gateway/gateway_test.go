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
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/inventory"
)

func ep(ip string, port uint16) inventory.Endpoint {
	return inventory.Endpoint{IP: net.ParseIP(ip), Port: port}
}

// alwaysUp is a rankedDialer stub that reports every address as
// reachable, so gateway tests exercise routing logic without real
// sockets.
func alwaysUp(_ context.Context, _ string) error { return nil }

func newTestGateway() *Gateway {
	g := New()
	g.dial = alwaysUp
	return g
}

func TestGatewaySelectMissingHostReturnsFalse(t *testing.T) {
	g := newTestGateway()
	_, ok := g.Select("nope.example")
	assert.False(t, ok)
}

func TestGatewayUpdateThenSelectReturnsRankedBackend(t *testing.T) {
	g := newTestGateway()
	snap := inventory.Snapshot{
		"app.example": {ep("10.0.0.5", 80)},
	}
	g.Update(context.Background(), snap)

	got, ok := g.Select("app.example")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", got.IP.String())
	assert.EqualValues(t, 80, got.Port)
}

func TestGatewayUpdateReplacesPreviousRoutes(t *testing.T) {
	g := newTestGateway()
	g.Update(context.Background(), inventory.Snapshot{
		"app.example": {ep("10.0.0.5", 80)},
	})
	g.Update(context.Background(), inventory.Snapshot{
		"other.example": {ep("10.0.0.6", 80)},
	})

	_, ok := g.Select("app.example")
	assert.False(t, ok, "domain dropped from the latest snapshot should no longer route")

	got, ok := g.Select("other.example")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.6", got.IP.String())
}

func TestGatewayUpdateWithEmptyEndpointListOmitsDomain(t *testing.T) {
	g := newTestGateway()
	g.Update(context.Background(), inventory.Snapshot{
		"app.example": {},
	})

	_, ok := g.Select("app.example")
	assert.False(t, ok)
}
