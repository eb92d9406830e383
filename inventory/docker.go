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

package inventory

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// domainLabel and portLabel are the container labels read from every
// candidate container (§4.1, §6).
const (
	domainLabel = "proxy.domain"
	portLabel   = "proxy.port"
)

// canonicalIDLength is the length of a full container-runtime
// identifier. Network member entries shorter or longer than this are
// proxy-shorthand aliases and are filtered out to avoid double
// counting (§4.1 step 3, §9 open question).
const canonicalIDLength = 64

// Source produces a domain->endpoint snapshot of the upstream pool
// (§4.1). A transient failure is returned as an error; the caller
// (the config refresher) keeps its previous snapshot rather than
// aborting.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// dockerAPI is the subset of *client.Client this package depends on,
// narrowed so tests can substitute a fake without a running daemon.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, container string) (types.ContainerJSON, error)
	NetworkInspect(ctx context.Context, network string, opts types.NetworkInspectOptions) (types.NetworkResource, error)
}

// DockerSource implements Source by inspecting the Docker Engine API
// (§4.1). It is grounded on the same introspection calls the
// reference prototype made through bollard: inspect self to find
// attached networks, inspect each network for member containers,
// then inspect each member for its proxy.* labels.
type DockerSource struct {
	Hostname string
	Logger   *zap.Logger

	client dockerAPI
}

// NewDockerSource connects to the Docker daemon using the standard
// environment-based configuration (DOCKER_HOST, etc.).
func NewDockerSource(hostname string, logger *zap.Logger) (*DockerSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("inventory: connecting to docker: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerSource{Hostname: hostname, Logger: logger, client: cli}, nil
}

// candidateContainer is the inventory-internal container record
// (§3): a stable identifier, primary IPv4, and optional routing
// config. Equality and ordering are by identifier.
type candidateContainer struct {
	id     string
	ipv4   string
	domain string
	port   uint16
}

// Snapshot implements Source (§4.1).
func (d *DockerSource) Snapshot(ctx context.Context) (Snapshot, error) {
	networkIDs, err := d.selfNetworks(ctx)
	if err != nil {
		return nil, fmt.Errorf("inventory: enumerating own networks: %w", err)
	}

	candidates, err := d.networkMembers(ctx, networkIDs)
	if err != nil {
		return nil, err
	}

	deduped := dedupeByID(candidates)

	snapshot := make(Snapshot)
	for i := range deduped {
		c := &deduped[i]
		ip, perr := parseIPv4CIDR(c.ipv4)
		if perr != nil {
			return nil, fmt.Errorf("inventory: parsing address for container %s: %w", c.id, perr)
		}

		loaded, err := d.loadLabels(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("inventory: inspecting candidate container %s: %w", c.id, err)
		}
		if !loaded {
			continue
		}

		ep := Endpoint{IP: ip, Port: c.port}
		snapshot[c.domain] = append(snapshot[c.domain], ep)
	}

	return snapshot, nil
}

// selfNetworks inspects this process's own container to enumerate
// the networks it is attached to (§4.1 step 2).
func (d *DockerSource) selfNetworks(ctx context.Context) ([]string, error) {
	self, err := d.client.ContainerInspect(ctx, d.Hostname)
	if err != nil {
		return nil, fmt.Errorf("inspecting self (%s): %w", d.Hostname, err)
	}
	if self.NetworkSettings == nil {
		return nil, fmt.Errorf("self container has no network settings")
	}

	var ids []string
	for _, settings := range self.NetworkSettings.Networks {
		if settings.NetworkID != "" {
			ids = append(ids, settings.NetworkID)
		}
	}
	return ids, nil
}

// networkMembers enumerates the member containers of each network,
// keeping only canonically-identified entries (§4.1 step 3).
func (d *DockerSource) networkMembers(ctx context.Context, networkIDs []string) ([]candidateContainer, error) {
	var out []candidateContainer
	for _, id := range networkIDs {
		net, err := d.client.NetworkInspect(ctx, id, types.NetworkInspectOptions{})
		if err != nil {
			return nil, fmt.Errorf("inspecting network %s: %w", id, err)
		}

		for memberID, endpoint := range net.Containers {
			if len(memberID) != canonicalIDLength {
				continue
			}
			out = append(out, candidateContainer{id: memberID, ipv4: endpoint.IPv4Address})
		}
	}
	return out, nil
}

// loadLabels inspects a single container for its proxy.* labels
// (§4.1 step 6). It reports false when proxy.domain is absent, in
// which case the container is filtered out of the snapshot.
func (d *DockerSource) loadLabels(ctx context.Context, c *candidateContainer) (bool, error) {
	insp, err := d.client.ContainerInspect(ctx, c.id)
	if err != nil {
		return false, err
	}
	if insp.Config == nil {
		return false, nil
	}

	domain, ok := insp.Config.Labels[domainLabel]
	domain = strings.TrimSpace(domain)
	if !ok || domain == "" {
		return false, nil
	}

	port := DefaultPort
	if raw, ok := insp.Config.Labels[portLabel]; ok {
		parsed, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return false, fmt.Errorf("parsing %s label %q: %w", portLabel, raw, err)
		}
		port = uint16(parsed)
	}

	c.domain = domain
	c.port = port
	return true, nil
}

// dedupeByID removes duplicate containers by identifier (§3), keeping
// a deterministic order for testability.
func dedupeByID(in []candidateContainer) []candidateContainer {
	seen := make(map[string]bool, len(in))
	out := make([]candidateContainer, 0, len(in))
	for _, c := range in {
		if seen[c.id] {
			continue
		}
		seen[c.id] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// parseIPv4CIDR strips a CIDR suffix, if any, and parses the
// remainder as an IP address (§4.1 step 4).
func parseIPv4CIDR(raw string) (net.IP, error) {
	if idx := strings.IndexByte(raw, '/'); idx >= 0 {
		raw = raw[:idx]
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address %q", raw)
	}
	return ip, nil
}
