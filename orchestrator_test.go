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

package fleetgate

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/inventory"
)

type fixedSource inventory.Snapshot

func (f fixedSource) Snapshot(context.Context) (inventory.Snapshot, error) {
	return inventory.Snapshot(f), nil
}

// TestNewWiresRoutingFromFirstSnapshot exercises the orchestrator's
// construction path without TLS enabled (§4.10): the refresher must
// be wired to the routing table such that its first synchronous poll
// makes Select resolve immediately, matching invariant 1 (§8).
func TestNewWiresRoutingFromFirstSnapshot(t *testing.T) {
	// Discovery really dials each endpoint, so the backend must accept
	// TCP connections for Select to return it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	backend := ln.Addr().(*net.TCPAddr)

	src := fixedSource{
		"app.example": []inventory.Endpoint{{IP: backend.IP, Port: uint16(backend.Port)}},
	}

	cfg := Config{Hostname: "self", DataDir: t.TempDir()}
	gw, err := New(cfg, src, nil)
	require.NoError(t, err)
	assert.False(t, cfg.TLSEnabled())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, gw.refresher.Start(ctx))
	defer gw.refresher.Stop()

	ep, ok := gw.routes.Select("app.example")
	require.True(t, ok)
	assert.Equal(t, uint16(backend.Port), ep.Port)
}

// TestNewDisablesTLSEngineWithoutProvider confirms that omitting
// ACME_PROVIDER (here, an empty ACMEDirectoryURL) leaves the ACME
// engine unconstructed while still wiring a dispatcher and resolver
// that fall back to the generated development certificate (§6, §9).
func TestNewDisablesTLSEngineWithoutProvider(t *testing.T) {
	cfg := Config{Hostname: "self", DataDir: t.TempDir()}
	gw, err := New(cfg, fixedSource{}, nil)
	require.NoError(t, err)

	assert.Nil(t, gw.engine)
	assert.NotNil(t, gw.resolver)
	assert.NotNil(t, gw.dispatch)
}
