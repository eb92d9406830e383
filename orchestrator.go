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

// Package fleetgate wires the container-fabric-aware reverse proxy
// together: a Config read from the environment, a Gateway orchestrator
// that owns the three listeners (cleartext HTTP, TLS, ACME challenge)
// and the background inventory/ACME tasks, and the process-wide
// logger returned by Log(), which New hands to every subpackage.
package fleetgate

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleetgate/fleetgate/configwatch"
	"github.com/fleetgate/fleetgate/dispatcher"
	"github.com/fleetgate/fleetgate/fleettls"
	"github.com/fleetgate/fleetgate/gateway"
	"github.com/fleetgate/fleetgate/inventory"
)

// shutdownGrace bounds how long a listener is given to drain
// in-flight connections once Run's context is canceled.
const shutdownGrace = 5 * time.Second

// Gateway is the orchestrator (§4.10/§4.9): it wires the inventory
// source, the config refresher, the routing table, the certificate
// store and ACME engine, the challenge responder, and the three
// listeners together, then drives them until ctx is canceled.
type Gateway struct {
	cfg    Config
	logger *zap.Logger

	source    inventory.Source
	refresher *configwatch.Refresher
	routes    *gateway.Gateway

	store     *fleettls.Store
	responder *fleettls.ChallengeResponder
	resolver  *fleettls.Resolver
	engine    *fleettls.Engine

	dispatch *dispatcher.Dispatcher
}

// New wires every component from cfg (§4.10). It does not start any
// background task or listener; call Run for that. source may be nil,
// in which case a DockerSource is constructed from cfg.Hostname
// (§4.1); tests pass a fake to avoid a real daemon connection.
func New(cfg Config, source inventory.Source, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = Log()
	}

	if source == nil {
		dockerSource, err := inventory.NewDockerSource(cfg.Hostname, logger)
		if err != nil {
			return nil, fmt.Errorf("fleetgate: creating container inventory source: %w", err)
		}
		source = dockerSource
	}

	routes := gateway.New()
	refresher := configwatch.New(source, configwatch.DefaultInterval, logger)
	refresher.Subscribe(func(snap inventory.Snapshot) {
		routes.Update(context.Background(), snap)
	})

	g := &Gateway{
		cfg:       cfg,
		logger:    logger,
		source:    source,
		refresher: refresher,
		routes:    routes,
		store:     fleettls.NewStore(cfg.DataDir),
	}

	g.responder = fleettls.NewChallengeResponder()
	g.resolver = fleettls.NewResolver(g.store, !cfg.TLSEnabled(), logger)

	if cfg.TLSEnabled() {
		engine, err := fleettls.NewEngine(cfg.ACMEDirectoryURL, cfg.ACMEContact, g.store, g.responder, logger)
		if err != nil {
			return nil, fmt.Errorf("fleetgate: creating acme engine: %w", err)
		}
		g.engine = engine

		sub := fleettls.NewSubscriber(engine, g.store, logger)
		refresher.Subscribe(sub.OnSnapshot)
	}

	g.dispatch = dispatcher.New(dispatcher.GatewayAdapter{Gateway: routes}, DefaultChallengeAddr, logger)

	return g, nil
}

// Run starts the config refresher and the three listeners (§6) and
// blocks until ctx is canceled or a listener fails fatally (§7). On
// return, every listener has been given shutdownGrace to drain.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.refresher.Start(ctx); err != nil {
		return fmt.Errorf("fleetgate: starting config refresher: %w", err)
	}
	defer g.refresher.Stop()

	challengeSrv := &http.Server{Addr: DefaultChallengeAddr, Handler: g.responder}
	httpSrv := &http.Server{Addr: DefaultHTTPAddr, Handler: g.dispatch}

	var tlsSrv *http.Server
	if g.cfg.TLSEnabled() {
		tlsSrv = &http.Server{
			Addr:    DefaultHTTPSAddr,
			Handler: g.dispatch,
			TLSConfig: &tls.Config{
				GetCertificate: g.resolver.GetCertificate,
			},
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return runAndShutdown(egCtx, challengeSrv) })
	eg.Go(func() error { return runAndShutdown(egCtx, httpSrv) })
	if tlsSrv != nil {
		eg.Go(func() error { return runAndShutdownTLS(egCtx, tlsSrv) })
	}

	return eg.Wait()
}

// runAndShutdown serves srv until ctx is canceled, then shuts it down
// with a bounded grace period (§5 cancellation).
func runAndShutdown(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		return shutdown(srv)
	}
}

// runAndShutdownTLS is runAndShutdown's TLS-listener counterpart;
// cert/key paths are empty because srv.TLSConfig.GetCertificate
// already supplies certificates per handshake (§4.9).
func runAndShutdownTLS(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServeTLS("", "") }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		return shutdown(srv)
	}
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(ctx)
}
