package watch

import (
	"context"
	"time"
)

// Query selects records from a Store.
type Query struct {
	// ActiveOnly restricts results to records whose state is
	// active.
	ActiveOnly bool

	// ExpiringBefore, if set, restricts results to records whose
	// ExpiresAt is before the given instant.
	ExpiringBefore time.Time
}

// Match reports whether r satisfies q.
func (q Query) Match(r *Record) bool {
	if q.ActiveOnly && !r.Active() {
		return false
	}
	if !q.ExpiringBefore.IsZero() && !r.ExpiresAt.Before(q.ExpiringBefore) {
		return false
	}
	return true
}

// Cycle is the result of one completed reconciliation, applied to a
// record atomically.
type Cycle struct {
	Cursor        uint64
	Notifications int64
	Messages      int64
}

// Store is the durable per-principal record of watches.  There is at
// most one record per principal.  Mutations must be serialized per
// principal by the caller (see Locker); reads need no lock.
type Store interface {
	// Get returns the principal's record, active or not.
	Get(ctx context.Context, principalID string) (*Record, error)

	// FindByAccount returns the record watching account.  With
	// activeOnly false the most recently created record is returned
	// even if stopped.
	FindByAccount(ctx context.Context, account string, activeOnly bool) (*Record, error)

	// FindBySubscription returns the record holding subscriptionID.
	FindBySubscription(ctx context.Context, subscriptionID string) (*Record, error)

	// Save inserts or replaces the principal's record.  When the
	// subscription is unchanged a lower cursor than the stored one is
	// ignored.
	Save(ctx context.Context, r *Record) error

	// CompleteCycle advances the cursor (never backwards) and adds
	// the cycle's counters.  It returns the stored cursor.
	CompleteCycle(ctx context.Context, principalID string, c Cycle) (uint64, error)

	// RecordError increments the error counter and stores msg as the
	// last error.  An active record moves to StateErroring.
	RecordError(ctx context.Context, principalID, msg string, at time.Time) error

	// List returns the records matching q, ordered by principal.
	List(ctx context.Context, q Query) ([]*Record, error)
}
