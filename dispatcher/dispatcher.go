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

// Package dispatcher implements the per-request routing state machine
// that sits on the cleartext and TLS listeners (§4.5): resolve host,
// special-case the ACME HTTP-01 bypass, select a backend from the
// routing table, and forward. The forwarding step itself is protocol
// machinery the specification places out of scope (§1); it is built
// directly on net/http/httputil.ReverseProxy the way the teacher's own
// proxy middleware is built on the same package (caddyhttp/proxy/
// reverseproxy.go is a fork of it), rather than reimplementing HTTP
// framing.
package dispatcher

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/fleetgate/fleetgate/gateway"
)

// newUpstreamTransport builds the dispatcher's outbound http.Transport
// and registers HTTP/2 support on it via golang.org/x/net/http2, the
// same call the teacher's reverseproxy.go makes
// (http2.ConfigureTransport(transport)) when building its own outbound
// transport. That support only applies to TLS upstreams; the Director
// always targets plain http, so forwarded requests use HTTP/1.1 and
// h2c is not attempted.
func newUpstreamTransport() *http.Transport {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	_ = http2.ConfigureTransport(transport)
	return transport
}

// challengePrefix is the well-known HTTP-01 request path prefix; any
// request under it bypasses routing entirely and is forwarded to the
// in-process challenge responder (§4.5).
const challengePrefix = "/.well-known/acme-challenge/"

// Selector resolves a routable host to a backend address. It is
// narrowed from *gateway.Gateway so tests can substitute a fixed
// routing table without constructing a real one.
type Selector interface {
	Select(host string) (addr string, ok bool)
}

// GatewayAdapter adapts a *gateway.Gateway, whose Select returns an
// inventory.Endpoint, to the Selector interface.
type GatewayAdapter struct {
	Gateway *gateway.Gateway
}

// Select implements Selector.
func (a GatewayAdapter) Select(host string) (string, bool) {
	ep, ok := a.Gateway.Select(host)
	if !ok {
		return "", false
	}
	return ep.Addr(), true
}

// backendCtxKey is the private context key ServeHTTP uses to pass the
// already-selected backend address to the embedded ReverseProxy's
// Director, since Director itself has no access to the Selector's
// result beyond the request.
type backendCtxKey struct{}

// Dispatcher is the HTTP(S) request router described in §4.5. It is
// shared between the cleartext and TLS listeners: both hand it
// completed requests and let it forward to the selected backend.
type Dispatcher struct {
	routes        Selector
	challengeAddr string
	logger        *zap.Logger

	proxy          *httputil.ReverseProxy
	challengeProxy *httputil.ReverseProxy
}

// New returns a Dispatcher that selects backends from routes and
// forwards ACME challenge traffic to challengeAddr (normally
// 127.0.0.1:7765, §6).
func New(routes Selector, challengeAddr string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{routes: routes, challengeAddr: challengeAddr, logger: logger}
	d.proxy = &httputil.ReverseProxy{
		Director:     d.directToSelectedBackend,
		ErrorHandler: d.onForwardError,
		Transport:    newUpstreamTransport(),
	}
	d.challengeProxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = d.challengeAddr
		},
		ErrorHandler: d.onForwardError,
	}
	return d
}

// ServeHTTP implements the dispatcher's per-request state machine
// (§4.5): new -> host-resolved -> backend-selected -> forwarded, with
// early-terminal 400/404 transitions. Every request is access-logged
// on return, the way the teacher's proxy middleware logs every
// proxied request, with the backend left blank for requests that
// never reach selection.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	var backend string
	defer func() {
		d.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("host", r.Host),
			zap.String("backend", backend),
			zap.Int("status", rec.status),
		)
	}()

	if strings.HasPrefix(r.URL.Path, challengePrefix) {
		d.challengeProxy.ServeHTTP(rec, r)
		return
	}

	host := resolveHost(r)
	if host == "" {
		http.Error(rec, "no host", http.StatusBadRequest)
		return
	}

	addr, ok := d.routes.Select(host)
	if !ok {
		http.NotFound(rec, r)
		return
	}
	backend = addr

	ctx := context.WithValue(r.Context(), backendCtxKey{}, backend)
	d.proxy.ServeHTTP(rec, r.WithContext(ctx))
}

// statusRecorder captures the status code a handler writes so it can
// be included in the access log line, without altering the response
// actually sent to the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush lets the embedded ReverseProxy stream responses through the
// recorder instead of buffering them, matching the teacher's own
// logging middleware doing the same for its response wrapper.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// resolveHost prefers the Host header, trimmed, falling back to the
// request URI's authority (§4.5).
func resolveHost(r *http.Request) string {
	h := strings.TrimSpace(r.Host)
	if h == "" {
		h = r.URL.Host
	}
	if h == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}

// directToSelectedBackend implements httputil.ReverseProxy's
// Director: it reads the backend address ServeHTTP already selected
// out of the request context and rewrites the request to target it
// over plain HTTP. The specification only requires a single chosen
// endpoint per request (§4.3); there is no further rewriting of path
// or query.
func (d *Dispatcher) directToSelectedBackend(r *http.Request) {
	backend, _ := r.Context().Value(backendCtxKey{}).(string)
	r.URL.Scheme = "http"
	r.URL.Host = backend
}

// onForwardError implements §4.5's "on forwarding error, the
// surrounding protocol layer is responsible for the 502 response":
// net/http/httputil.ReverseProxy is that protocol layer here, and its
// default behavior (absent a handler) is exactly a 502. This override
// exists only to add a log line; the status code logic is unchanged.
func (d *Dispatcher) onForwardError(w http.ResponseWriter, r *http.Request, err error) {
	d.logger.Warn("forwarding request", zap.String("host", r.Host), zap.Error(err))
	w.WriteHeader(http.StatusBadGateway)
}
