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

package fleettls

import (
	"crypto/tls"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Resolver answers the TLS handshake's GetCertificate callback
// (§4.10). It is a best-effort, cache/disk-only hot path: it never
// blocks on an ACME order, so a handshake for a domain with no stored
// certificate either gets the dev fallback or fails fast.
type Resolver struct {
	store  *Store
	logger *zap.Logger

	devCertMu sync.Mutex
	devCert   *tls.Certificate
	noDevCert bool
}

// NewResolver returns a Resolver backed by store. When allowDevCert is
// false, GetCertificate never falls back to the generated development
// certificate and instead returns an error for any domain with no
// stored certificate (§9 supplemental). The orchestrator allows the
// fallback only when ACME issuance is disabled.
func NewResolver(store *Store, allowDevCert bool, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger, noDevCert: !allowDevCert}
}

// GetCertificate implements the tls.Config.GetCertificate signature.
func (r *Resolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	domain := hello.ServerName
	if domain == "" {
		return nil, fmt.Errorf("fleettls: client hello carried no server name")
	}

	cert, err := r.store.Get(domain)
	if err != nil {
		r.logger.Warn("reading certificate from store", zap.String("domain", domain), zap.Error(err))
		return nil, err
	}
	if cert != nil {
		tlsCert, err := cert.TLSCertificate()
		if err != nil {
			return nil, err
		}
		return &tlsCert, nil
	}

	if r.noDevCert {
		return nil, fmt.Errorf("fleettls: no certificate available for %s", domain)
	}
	return r.fallback()
}

// fallback lazily generates and memoizes the development certificate.
func (r *Resolver) fallback() (*tls.Certificate, error) {
	r.devCertMu.Lock()
	defer r.devCertMu.Unlock()

	if r.devCert != nil {
		return r.devCert, nil
	}

	cert, err := DevCertificate()
	if err != nil {
		return nil, fmt.Errorf("fleettls: generating fallback certificate: %w", err)
	}
	r.devCert = &cert
	return r.devCert, nil
}
