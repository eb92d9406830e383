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

// Package inventory discovers the upstream pool by observing the
// container fabric this process runs inside (§4.1).
package inventory

import (
	"fmt"
	"net"
)

// DefaultPort is used when a container's routing label does not
// specify a port (§3, §6).
const DefaultPort uint16 = 80

// Endpoint is a resolved (ip, port) forwarding target (§3).
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Addr formats the endpoint as a host:port string suitable for
// net.Dial or http.Transport.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

func (e Endpoint) String() string { return e.Addr() }

// Snapshot is the ordered mapping from domain to its endpoint list,
// produced atomically by one refresh (§3). It is never mutated after
// construction; a refresh builds a brand new Snapshot.
type Snapshot map[string][]Endpoint
