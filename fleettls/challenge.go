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
	"net/http"
	"strings"
	"sync"
	"time"
)

// challengePrefix is the well-known HTTP-01 request path prefix
// (RFC 8555 §8.3).
const challengePrefix = "/.well-known/acme-challenge/"

// entryLifetime bounds how long an unclaimed challenge entry survives
// before it is removed on its own, so a crashed order doesn't leak an
// entry forever (§4.8).
const entryLifetime = 30 * time.Second

// ChallengeResponder answers HTTP-01 validation requests from the
// ACME server for tokens this process has published (§4.8). It is
// addressed by domain, matching the reference prototype's per-domain
// challenge map.
type ChallengeResponder struct {
	mu      sync.RWMutex
	entries map[string]*keyAuth // keyed by domain
}

type keyAuth struct {
	token   string
	keyAuth string
}

// NewChallengeResponder returns an empty responder.
func NewChallengeResponder() *ChallengeResponder {
	return &ChallengeResponder{entries: make(map[string]*keyAuth)}
}

// Publish records the token/key-authorization pair for domain and
// returns a cleanup func that removes it. The entry is also removed
// automatically after entryLifetime in case the caller never calls
// cleanup (e.g. the ordering goroutine panics or is canceled).
//
// Insertion replaces any prior entry for domain. Removal, whether
// triggered by the returned func or by the entryLifetime timer,
// compares the map entry against the one this call published before
// deleting it, so a stale removal from a superseded order never
// deletes a later order's still-valid entry (§4.8: "removal is a
// no-op if the entry has already been replaced").
func (r *ChallengeResponder) Publish(domain, token, auth string) (remove func()) {
	published := &keyAuth{token: token, keyAuth: auth}

	r.mu.Lock()
	r.entries[domain] = published
	r.mu.Unlock()

	var once sync.Once
	remove = func() {
		once.Do(func() {
			r.mu.Lock()
			if r.entries[domain] == published {
				delete(r.entries, domain)
			}
			r.mu.Unlock()
		})
	}

	time.AfterFunc(entryLifetime, remove)
	return remove
}

// ServeHTTP implements http.Handler, answering only requests whose
// path matches the published token for the request's Host (§4.8).
// Everything else, including a Host with no published challenge, is
// a 404.
func (r *ChallengeResponder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	domain := req.Host
	if idx := strings.IndexByte(domain, ':'); idx >= 0 {
		domain = domain[:idx]
	}

	r.mu.RLock()
	entry, ok := r.entries[domain]
	r.mu.RUnlock()

	if !ok || req.URL.Path != challengePrefix+entry.token {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(entry.keyAuth))
}
