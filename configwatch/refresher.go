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

// Package configwatch polls an inventory.Source on a fixed interval
// and fans its snapshots out to subscribers (§4.2). It is grounded on
// the reference prototype's ConfigProvider: a provider exposes
// update() and accepts subscriber callbacks; this package plays the
// ConfigRefresher role that drives update() on a schedule and invokes
// every subscriber in turn.
package configwatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/inventory"
)

// DefaultInterval is how often the refresher polls the source when the
// caller doesn't specify one (§4.2 leaves the cadence unspecified).
const DefaultInterval = 10 * time.Second

// Subscriber is notified with every fresh snapshot the refresher
// obtains. Subscribers are invoked sequentially, in subscription
// order, matching the reference prototype's callback list semantics.
type Subscriber func(snapshot inventory.Snapshot)

// Refresher periodically polls a Source and distributes the resulting
// snapshot to its subscribers (§4.2). The zero value is not usable;
// construct with New.
type Refresher struct {
	source   inventory.Source
	interval time.Duration
	logger   *zap.Logger

	mu          sync.Mutex
	subscribers []Subscriber
	latest      inventory.Snapshot

	stop chan struct{}
	done chan struct{}
}

// New returns a Refresher for source. An interval <= 0 selects
// DefaultInterval.
func New(source inventory.Source, interval time.Duration, logger *zap.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		source:   source,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe registers a callback to receive every future snapshot.
// It does not replay the current snapshot; callers that need the
// current state should call Latest after subscribing.
func (r *Refresher) Subscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, sub)
}

// Latest returns the most recently obtained snapshot, or nil if no
// successful poll has completed yet.
func (r *Refresher) Latest() inventory.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// Start polls the source once synchronously, so Latest and every
// subscriber observe an initial snapshot before Start returns, then
// launches the periodic polling loop in the background.
func (r *Refresher) Start(ctx context.Context) error {
	if err := r.poll(ctx); err != nil {
		return err
	}

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.poll(ctx); err != nil {
					r.logger.Warn("polling inventory source", zap.Error(err))
				}
			}
		}
	}()

	return nil
}

// Stop halts the background polling loop and waits for it to exit.
func (r *Refresher) Stop() {
	close(r.stop)
	<-r.done
}

// poll fetches a fresh snapshot and, on success, records it and
// notifies every subscriber. A transient source failure is returned
// to the caller without touching the stored snapshot, so subscribers
// keep operating on the last-known-good inventory (§4.2).
func (r *Refresher) poll(ctx context.Context) error {
	snap, err := r.source.Snapshot(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.latest = snap
	subs := make([]Subscriber, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
	return nil
}
