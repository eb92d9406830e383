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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/inventory"
)

func TestSubscriberIssuesForNewDomainsOnly(t *testing.T) {
	store := NewStore(t.TempDir())
	fake := newFakeACMEClient("app.example")
	engine, err := NewEngine("https://acme.test/directory", "", store, NewChallengeResponder(), nil)
	require.NoError(t, err)
	engine.client = fake

	existingCert := NewCertificate([]byte("k"), []byte("c"), 1)
	require.NoError(t, store.Put("existing.example", existingCert))

	sub := NewSubscriber(engine, store, nil)
	sub.OnSnapshot(inventory.Snapshot{
		"existing.example": nil,
		"new.example":       nil,
	})

	require.Eventually(t, func() bool {
		got, err := store.Get("new.example")
		return err == nil && got != nil
	}, time.Second, 5*time.Millisecond)

	unchanged, err := store.Get("existing.example")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), unchanged.IssuedAtUTC)
}
