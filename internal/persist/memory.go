// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matta/mailwatch/internal/watch"
)

// Memory is a process-local watch.Store.  Records are copied in and
// out so callers never share state with the store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*watch.Record
}

var _ watch.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*watch.Record)}
}

func (m *Memory) Get(ctx context.Context, principalID string) (*watch.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[principalID]
	if !ok {
		return nil, watch.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) find(match func(*watch.Record) bool) *watch.Record {
	var best *watch.Record
	for _, r := range m.records {
		if !match(r) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	return best
}

func (m *Memory) FindByAccount(ctx context.Context, account string, activeOnly bool) (*watch.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.find(func(r *watch.Record) bool {
		return r.Account == account && (!activeOnly || r.Active())
	})
	if r == nil {
		return nil, watch.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) FindBySubscription(ctx context.Context, subscriptionID string) (*watch.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.find(func(r *watch.Record) bool {
		return r.SubscriptionID == subscriptionID
	})
	if r == nil {
		return nil, watch.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, r *watch.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := r.Clone()
	if old, ok := m.records[r.PrincipalID]; ok &&
		old.SubscriptionID == c.SubscriptionID && old.Cursor > c.Cursor {
		c.Cursor = old.Cursor
	}
	m.records[r.PrincipalID] = c
	return nil
}

func (m *Memory) CompleteCycle(ctx context.Context, principalID string, c watch.Cycle) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[principalID]
	if !ok {
		return 0, watch.ErrNotFound
	}
	if c.Cursor > r.Cursor {
		r.Cursor = c.Cursor
	}
	r.Stats.NotificationsReceived += c.Notifications
	r.Stats.MessagesProcessed += c.Messages
	return r.Cursor, nil
}

func (m *Memory) RecordError(ctx context.Context, principalID, msg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[principalID]
	if !ok {
		return watch.ErrNotFound
	}
	r.Stats.ErrorCount++
	r.Stats.LastError = msg
	at = at.UTC()
	r.Stats.LastErrorAt = &at
	if r.State == watch.StateActive || r.State == watch.StateRenewing {
		r.State = watch.StateErroring
	}
	return nil
}

func (m *Memory) List(ctx context.Context, q watch.Query) ([]*watch.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*watch.Record
	for _, r := range m.records {
		if q.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PrincipalID < out[j].PrincipalID
	})
	return out, nil
}
