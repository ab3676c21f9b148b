// Package session tracks how many live listeners each principal has.
//
// The reconciler consults the count before doing any provider work and
// treats zero listeners as an orphaned watch, so in a multi-instance
// deployment the count must be global.  The Postgres registry keeps one
// row per (principal, instance) and sums them; every update is a single
// row statement, which makes Count strongly consistent with respect to
// completed Attach and Detach calls.
package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotAttached is returned by Detach for a principal with no
// listeners.
var ErrNotAttached = errors.New("no listener attached")

// Registry is the session registry.
type Registry interface {
	Attach(ctx context.Context, principalID string) error
	Detach(ctx context.Context, principalID string) error
	Count(ctx context.Context, principalID string) (int, error)
}

// Memory is a process-local Registry.  Entries are created on the first
// attach and removed when their count reaches zero.
type Memory struct {
	mu     sync.Mutex
	counts map[string]int
}

var _ Registry = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{counts: make(map[string]int)}
}

func (m *Memory) Attach(ctx context.Context, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[principalID]++
	return nil
}

func (m *Memory) Detach(ctx context.Context, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.counts[principalID]
	if !ok {
		return errors.Wrap(ErrNotAttached, principalID)
	}
	if n <= 1 {
		delete(m.counts, principalID)
		return nil
	}
	m.counts[principalID] = n - 1
	return nil
}

func (m *Memory) Count(ctx context.Context, principalID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[principalID], nil
}

// Len returns the number of principals with at least one listener.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counts)
}
