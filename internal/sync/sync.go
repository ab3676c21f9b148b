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

// Package sync reconciles mailbox change notifications against the
// locally stored history cursor and forwards newly added messages.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matta/mailwatch/internal/message"
	"github.com/matta/mailwatch/internal/notify"
	"github.com/matta/mailwatch/internal/watch"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultStaleGap is the cursor distance beyond which GMail is assumed
// to no longer have the history needed for a delta.
const DefaultStaleGap = 100000

// Outcome is how a notification was disposed of.
type Outcome int

const (
	OutcomeProcessed Outcome = iota
	OutcomeDuplicate
	OutcomeStale
	OutcomeOrphaned
	OutcomeNoListener
	OutcomeAuthFailed
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeStale:
		return "stale"
	case OutcomeOrphaned:
		return "orphaned"
	case OutcomeNoListener:
		return "no_listener"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeTransient:
		return "transient"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result summarizes one reconciliation.
type Result struct {
	Outcome     Outcome
	PrincipalID string
	Processed   int

	// Cursor is the stored cursor after the cycle.  Zero when the
	// cycle never reached the store.
	Cursor uint64
}

// Options tune the reconciler.
type Options struct {
	// StaleGap is the largest provider-minus-local cursor distance
	// for which a delta is attempted.
	StaleGap uint64

	// MaxBodyBytes caps canonical message bodies.
	MaxBodyBytes int

	// RequireListener skips notifications for principals with no
	// live listener and reports them as orphans.
	RequireListener bool

	// CallTimeout bounds each provider call.
	CallTimeout time.Duration
}

// Deps are the reconciler's collaborators.
type Deps struct {
	Store     watch.Store
	Locker    watch.Locker
	Opener    Opener
	Submitter Submitter
	Publisher Publisher
	Listeners Listeners
	Orphans   OrphanReporter
	Filter    *ContentFilter
}

// Reconciler is the history reconciler.  Mutations of a record are
// serialized per principal through the Locker, so push and pull
// deliveries for the same principal never interleave.
type Reconciler struct {
	Deps
	opts Options
	log  *logrus.Entry
	now  func() time.Time
}

func NewReconciler(d Deps, opts Options, log *logrus.Entry) *Reconciler {
	if opts.StaleGap == 0 {
		opts.StaleGap = DefaultStaleGap
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if d.Filter == nil {
		d.Filter = DefaultContentFilter()
	}
	if d.Locker == nil {
		d.Locker = watch.NewKeyedMutex()
	}
	return &Reconciler{Deps: d, opts: opts, log: log, now: time.Now}
}

func (r *Reconciler) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.CallTimeout)
}

// Reconcile processes one notification.  Provider failures are
// classified and recorded here and do not produce an error; an error
// means the store could not be read or written, or ctx ended.
func (r *Reconciler) Reconcile(ctx context.Context, n *notify.Notification) (Result, error) {
	log := r.log.WithFields(logrus.Fields{
		"account":  n.Account,
		"cursor":   n.Cursor,
		"delivery": n.DeliveryID,
	})

	rec, err := r.Store.FindByAccount(ctx, n.Account, true)
	if errors.Is(err, watch.ErrNotFound) {
		r.Orphans.Report(Orphan{
			Account:    n.Account,
			Cursor:     n.Cursor,
			DeliveryID: n.DeliveryID,
			Reason:     OrphanNoRecord,
		})
		return Result{Outcome: OutcomeOrphaned}, nil
	}
	if err != nil {
		return Result{}, errors.Wrapf(err, "looking up watch for %s", n.Account)
	}
	log = log.WithField("principal", rec.PrincipalID)

	if r.opts.RequireListener {
		count, err := r.Listeners.Count(ctx, rec.PrincipalID)
		if err != nil {
			return Result{Outcome: OutcomeTransient, PrincipalID: rec.PrincipalID},
				errors.Wrapf(err, "counting listeners of %s", rec.PrincipalID)
		}
		if count == 0 {
			r.Orphans.Report(Orphan{
				Account:     n.Account,
				Cursor:      n.Cursor,
				DeliveryID:  n.DeliveryID,
				PrincipalID: rec.PrincipalID,
				Reason:      OrphanNoListener,
			})
			return Result{Outcome: OutcomeNoListener, PrincipalID: rec.PrincipalID}, nil
		}
	}

	unlock, err := r.Locker.Lock(ctx, rec.PrincipalID)
	if err != nil {
		return Result{Outcome: OutcomeTransient, PrincipalID: rec.PrincipalID}, err
	}
	defer unlock()

	// Re-read under the lock: a renewal or stop may have won the race.
	rec, err = r.Store.Get(ctx, rec.PrincipalID)
	if err != nil {
		return Result{}, errors.Wrap(err, "re-reading watch under lock")
	}
	if !rec.Active() || rec.Account != n.Account {
		r.Orphans.Report(Orphan{
			Account:    n.Account,
			Cursor:     n.Cursor,
			DeliveryID: n.DeliveryID,
			Reason:     OrphanNoRecord,
		})
		return Result{Outcome: OutcomeOrphaned}, nil
	}
	return r.reconcileLocked(ctx, rec, n, log)
}

func (r *Reconciler) reconcileLocked(ctx context.Context, rec *watch.Record, n *notify.Notification, log *logrus.Entry) (Result, error) {
	res := Result{PrincipalID: rec.PrincipalID}
	local, notified := rec.Cursor, n.Cursor

	if notified <= local {
		log.WithFields(logrus.Fields{"event": "notification.duplicate", "local": local}).
			Debug("notification already reconciled")
		stored, err := r.Store.CompleteCycle(ctx, rec.PrincipalID, watch.Cycle{Cursor: local, Notifications: 1})
		res.Outcome, res.Cursor = OutcomeDuplicate, stored
		return res, err
	}

	mb, err := r.Opener.Open(ctx, rec.PrincipalID)
	if err != nil {
		return r.fail(ctx, rec, err, log)
	}

	cctx, cancel := r.call(ctx)
	profile, err := mb.Profile(cctx)
	cancel()
	if err != nil {
		return r.fail(ctx, rec, err, log)
	}
	current := profile.HistoryID
	if current > local && current-local > r.opts.StaleGap {
		return r.resetStale(ctx, rec, current, "gap", log)
	}

	target := notified
	switch {
	case current < local:
		log.WithField("current", current).Warn("provider cursor is behind the local cursor; keeping local")
	case current < notified:
		// The provider cannot list past its own current cursor.
		target = current
	}

	var refs []message.Header
	cctx, cancel = r.call(ctx)
	err = mb.ListAdded(cctx, local, target, rec.LabelFilter, func(h message.Header) error {
		refs = append(refs, h)
		return nil
	})
	cancel()
	if watch.KindOf(err) == watch.KindNotFound {
		return r.resetStale(ctx, rec, current, "history unavailable", log)
	}
	if err != nil {
		return r.fail(ctx, rec, err, log)
	}

	src := message.Source{
		Account:        rec.Account,
		SubscriptionID: rec.SubscriptionID,
		Cursor:         target,
		DeliveryID:     n.DeliveryID,
	}
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		mlog := log.WithField("message", ref.PermID)
		p, err := r.fetch(ctx, mb, rec, ref)
		if watch.KindOf(err) == watch.KindAuth {
			return r.fail(ctx, rec, err, log)
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			mlog.WithError(err).WithField("event", "message.transform_failed").
				Warn("skipping message")
			continue
		}
		if reason, skip := r.Filter.Automated(p); skip {
			mlog.WithFields(logrus.Fields{"event": "message.filtered", "reason": reason}).
				Debug("automated message filtered")
			continue
		}
		if !rec.LabelFilter.Match(p.Canonical.Labels) {
			mlog.WithFields(logrus.Fields{"event": "message.filtered", "reason": "labels"}).
				Debug("message labels no longer match")
			continue
		}
		receipt, err := r.Submitter.Submit(ctx, p.Canonical, src)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			// Advancing past an unsubmitted message would lose it.
			mlog.WithError(err).WithField("event", "triage.submit_failed").
				Warn("triage submission failed; leaving cursor for the next cycle")
			return r.recordFailure(ctx, rec, res, err)
		}
		mlog.WithField("accepted", receipt.AcceptedID).Debug("submitted to triage")
		r.Publisher.Publish(rec.PrincipalID, EventMessageReceived, p.Canonical)
		res.Processed++
	}

	// A cancelled cycle leaves the cursor where it was so the next
	// cycle re-covers the range.
	if err := ctx.Err(); err != nil {
		res.Outcome = OutcomeTransient
		return res, err
	}

	stored, err := r.Store.CompleteCycle(ctx, rec.PrincipalID, watch.Cycle{
		Cursor:        target,
		Notifications: 1,
		Messages:      int64(res.Processed),
	})
	if err != nil {
		return res, errors.Wrap(err, "advancing cursor")
	}
	res.Outcome, res.Cursor = OutcomeProcessed, stored
	log.WithFields(logrus.Fields{"processed": res.Processed, "stored": stored}).
		Info("notification reconciled")

	if rec.State == watch.StateErroring {
		r.clearErroring(ctx, rec.PrincipalID, log)
	}
	return res, nil
}

func (r *Reconciler) fetch(ctx context.Context, mb Mailbox, rec *watch.Record, ref message.Header) (*Parsed, error) {
	cctx, cancel := r.call(ctx)
	defer cancel()
	body, err := mb.Message(cctx, ref.PermID)
	if err != nil {
		return nil, err
	}
	if len(body.LabelIDs) == 0 {
		body.LabelIDs = ref.LabelIDs
	}
	if body.InternalDate.IsZero() {
		body.InternalDate = ref.InternalDate
	}
	return Transform(rec.PrincipalID, body, r.opts.MaxBodyBytes)
}

// resetStale moves the cursor to the provider's current value without
// fetching anything.  This is expected behavior, not an error.
func (r *Reconciler) resetStale(ctx context.Context, rec *watch.Record, current uint64, why string, log *logrus.Entry) (Result, error) {
	log.WithFields(logrus.Fields{
		"event":   "cursor.stale_reset",
		"local":   rec.Cursor,
		"current": current,
		"reason":  why,
	}).Warn("local cursor is stale; resetting to the provider's current cursor")
	stored, err := r.Store.CompleteCycle(ctx, rec.PrincipalID, watch.Cycle{Cursor: current, Notifications: 1})
	return Result{Outcome: OutcomeStale, PrincipalID: rec.PrincipalID, Cursor: stored}, err
}

// fail records a classified provider failure.  The cursor is left
// alone so a later cycle can still reconcile the range.
func (r *Reconciler) fail(ctx context.Context, rec *watch.Record, err error, log *logrus.Entry) (Result, error) {
	res := Result{PrincipalID: rec.PrincipalID, Cursor: rec.Cursor}
	if ctx.Err() != nil {
		res.Outcome = OutcomeTransient
		return res, ctx.Err()
	}
	kind := watch.KindOf(err)
	if kind == watch.KindAuth {
		res.Outcome = OutcomeAuthFailed
		log.WithError(err).WithField("event", "watch.auth_failed").
			Error("credential rejected; re-authorization required")
		r.Publisher.Publish(rec.PrincipalID, EventReauthRequired, map[string]string{
			"account": rec.Account,
			"error":   err.Error(),
		})
	} else {
		res.Outcome = OutcomeTransient
		log.WithError(err).WithFields(logrus.Fields{"event": "watch.transient_error", "kind": kind}).
			Warn("provider call failed; will retry on the next cycle")
	}
	if rerr := r.Store.RecordError(ctx, rec.PrincipalID, err.Error(), r.now()); rerr != nil {
		return res, errors.Wrap(rerr, "recording provider error")
	}
	return res, nil
}

// recordFailure ends a cycle that stopped partway through its messages.
// The cursor stays put and res keeps what was processed before err.
func (r *Reconciler) recordFailure(ctx context.Context, rec *watch.Record, res Result, err error) (Result, error) {
	res.Outcome, res.Cursor = OutcomeTransient, rec.Cursor
	if rerr := r.Store.RecordError(ctx, rec.PrincipalID, err.Error(), r.now()); rerr != nil {
		return res, errors.Wrap(rerr, "recording submit error")
	}
	return res, nil
}

// clearErroring returns an erroring record to active after a clean cycle.
func (r *Reconciler) clearErroring(ctx context.Context, principalID string, log *logrus.Entry) {
	rec, err := r.Store.Get(ctx, principalID)
	if err != nil {
		return
	}
	if err := rec.Transition(watch.StateActive); err != nil {
		return
	}
	if err := r.Store.Save(ctx, rec); err != nil {
		log.WithError(err).Warn("could not clear erroring state")
	}
}
