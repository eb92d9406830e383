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
	"fmt"
	"os"
	"strings"
)

// Default network addresses for the three listeners (§6).
const (
	DefaultHTTPAddr      = ":80"
	DefaultHTTPSAddr     = ":443"
	DefaultChallengeAddr = "127.0.0.1:7765"
)

const defaultDataDir = "/data"

// ACME provider shorthand directory URLs (§6, §4.7).
const (
	letsEncryptProdURL    = "https://acme-v02.api.letsencrypt.org/directory"
	letsEncryptStagingURL = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// Config holds the process-wide configuration, read once from the
// environment at startup. Nothing below this point re-reads the
// environment; a restart is required to pick up changes, the same
// contract the teacher's own command-line/env resolution has.
type Config struct {
	// Hostname is this process's own container identifier, used to
	// inspect itself in the container runtime (§4.1, env HOSTNAME).
	Hostname string

	// DataDir is where certificate files are persisted (§6, env
	// DATA_DIR). Defaults to /data; any trailing slash is stripped.
	DataDir string

	// ACMEDirectoryURL is the ACME directory endpoint to use. Empty
	// means ACME issuance (and therefore the TLS listener) is
	// disabled (§6, env ACME_PROVIDER).
	ACMEDirectoryURL string

	// ACMEContact is the optional mailto: contact used at account
	// registration (§6, env ACME_CONTACT).
	ACMEContact string
}

// LoadConfig reads Config from the process environment. It returns an
// error only for conditions spec'd as fatal at startup (§7): a
// missing HOSTNAME.
func LoadConfig() (Config, error) {
	hostname := os.Getenv("HOSTNAME")
	if strings.TrimSpace(hostname) == "" {
		return Config{}, fmt.Errorf("fleetgate: HOSTNAME environment variable is required")
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	dataDir = strings.TrimRight(dataDir, "/")

	cfg := Config{
		Hostname:    hostname,
		DataDir:     dataDir,
		ACMEContact: os.Getenv("ACME_CONTACT"),
	}

	if provider := strings.TrimSpace(os.Getenv("ACME_PROVIDER")); provider != "" {
		cfg.ACMEDirectoryURL = acmeDirectoryURL(provider)
	}

	return cfg, nil
}

// acmeDirectoryURL resolves the ACME_PROVIDER shorthand to a
// directory URL, or returns the value verbatim if it isn't one of
// the recognized shorthands (§6).
func acmeDirectoryURL(provider string) string {
	switch strings.ToLower(provider) {
	case "letsencrypt", "le":
		return letsEncryptProdURL
	case "staging-letsencrypt", "sle":
		return letsEncryptStagingURL
	default:
		return provider
	}
}

// TLSEnabled reports whether this configuration should start the TLS
// listener and drive ACME issuance at all (§6: "active only when the
// ACME provider is configured").
func (c Config) TLSEnabled() bool {
	return c.ACMEDirectoryURL != ""
}
