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

package configwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/inventory"
)

type fakeSource struct {
	mu   sync.Mutex
	snap inventory.Snapshot
	err  error
	n    int
}

func (f *fakeSource) Snapshot(context.Context) (inventory.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func TestRefresherStartPopulatesLatestSynchronously(t *testing.T) {
	src := &fakeSource{snap: inventory.Snapshot{"a.example": nil}}
	r := New(src, time.Hour, nil)

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	assert.Contains(t, r.Latest(), "a.example")
	assert.Equal(t, 1, src.calls())
}

func TestRefresherStartPropagatesInitialPollError(t *testing.T) {
	src := &fakeSource{err: errors.New("docker unavailable")}
	r := New(src, time.Hour, nil)

	err := r.Start(context.Background())
	assert.Error(t, err)
}

func TestRefresherNotifiesSubscribersOnPoll(t *testing.T) {
	src := &fakeSource{snap: inventory.Snapshot{"a.example": nil}}
	r := New(src, time.Hour, nil)

	received := make(chan inventory.Snapshot, 1)
	r.Subscribe(func(s inventory.Snapshot) { received <- s })

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	select {
	case s := <-received:
		assert.Contains(t, s, "a.example")
	case <-time.After(time.Second):
		t.Fatal("subscriber was never notified")
	}
}

func TestRefresherKeepsLastGoodSnapshotOnTransientError(t *testing.T) {
	src := &fakeSource{snap: inventory.Snapshot{"a.example": nil}}
	r := New(src, time.Hour, nil)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	src.mu.Lock()
	src.err = errors.New("transient")
	src.mu.Unlock()

	err := r.poll(context.Background())
	assert.Error(t, err)
	assert.Contains(t, r.Latest(), "a.example", "a failed poll must not clear the last-known-good snapshot")
}

func TestRefresherStopHaltsBackgroundPolling(t *testing.T) {
	src := &fakeSource{snap: inventory.Snapshot{}}
	r := New(src, 10*time.Millisecond, nil)
	require.NoError(t, r.Start(context.Background()))

	time.Sleep(50 * time.Millisecond)
	r.Stop()
	countAtStop := src.calls()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countAtStop, src.calls(), "no further polls should occur after Stop")
}
