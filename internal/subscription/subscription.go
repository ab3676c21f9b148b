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

// Package subscription creates, renews and stops provider side watches
// and keeps the local watch record in step with them.
//
// Every mutation is ordered so that local deactivation succeeds no
// matter what the provider says, and provider calls are idempotent from
// the caller's point of view: stopping an unknown watch is success.
package subscription

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	mailsync "github.com/matta/mailwatch/internal/sync"
	"github.com/matta/mailwatch/internal/watch"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultValidity is how long a watch is assumed to last when the
// provider does not report an expiration.
const DefaultValidity = 7 * 24 * time.Hour

// Options configure a Manager.
type Options struct {
	// Topic receives the provider's push notifications.
	Topic string

	Validity    time.Duration
	CallTimeout time.Duration
}

// Manager is the subscription manager.
type Manager struct {
	store     watch.Store
	locker    watch.Locker
	opener    mailsync.Opener
	publisher mailsync.Publisher
	opts      Options
	log       *logrus.Entry
	now       func() time.Time
}

func NewManager(store watch.Store, locker watch.Locker, opener mailsync.Opener, publisher mailsync.Publisher, opts Options, log *logrus.Entry) *Manager {
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Manager{
		store:     store,
		locker:    locker,
		opener:    opener,
		publisher: publisher,
		opts:      opts,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opts.CallTimeout)
}

func (m *Manager) expiry(provider time.Time) time.Time {
	if !provider.IsZero() {
		return provider.UTC()
	}
	return m.now().Add(m.opts.Validity)
}

// Create starts watching principalID's mailbox.  The cursor starts at
// the provider's cursor at creation time; there is nothing to
// reconcile before that.
func (m *Manager) Create(ctx context.Context, principalID string, filter watch.LabelFilter) (*watch.Record, error) {
	unlock, err := m.locker.Lock(ctx, principalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := m.store.Get(ctx, principalID)
	switch {
	case errors.Is(err, watch.ErrNotFound):
		rec = &watch.Record{PrincipalID: principalID, State: watch.StateProvisioning}
	case err != nil:
		return nil, err
	case rec.Active():
		return nil, errors.Wrapf(watch.ErrAlreadyActive, "principal %s", principalID)
	default:
		if err := rec.Transition(watch.StateProvisioning); err != nil {
			return nil, err
		}
	}

	mb, err := m.opener.Open(ctx, principalID)
	if err != nil {
		return nil, errors.Wrap(err, "opening mailbox")
	}
	cctx, cancel := m.call(ctx)
	defer cancel()
	profile, err := mb.Profile(cctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading profile")
	}
	// Notifications are routed by account, so one account has one owner.
	other, err := m.store.FindByAccount(ctx, profile.EmailAddress, true)
	switch {
	case errors.Is(err, watch.ErrNotFound):
	case err != nil:
		return nil, errors.Wrap(err, "looking up account owner")
	case other.PrincipalID != principalID:
		return nil, errors.Wrapf(watch.ErrAlreadyActive, "account %s is watched by principal %s",
			profile.EmailAddress, other.PrincipalID)
	}
	sub, err := mb.Watch(cctx, m.opts.Topic, filter)
	if err != nil {
		return nil, errors.Wrap(err, "creating provider watch")
	}

	now := m.now()
	cursor := sub.HistoryID
	if cursor == 0 {
		cursor = profile.HistoryID
	}
	rec.Account = profile.EmailAddress
	rec.SubscriptionID = sub.ID
	rec.Cursor = cursor
	rec.LabelFilter = filter
	rec.ExpiresAt = m.expiry(sub.Expiration)
	rec.CreatedAt = now
	rec.LastRenewedAt = now
	rec.Stats = watch.Stats{}
	if err := rec.Transition(watch.StateActive); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{
		"principal":    principalID,
		"account":      rec.Account,
		"subscription": rec.SubscriptionID,
		"cursor":       rec.Cursor,
		"expires":      rec.ExpiresAt,
	}).Info("watch created")
	return rec, nil
}

// Renew replaces subscriptionID with a fresh provider watch, keeping
// the label filter and cursor and resetting the error count.
func (m *Manager) Renew(ctx context.Context, subscriptionID string) (*watch.Record, error) {
	found, err := m.store.FindBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, errors.Wrapf(err, "subscription %s", subscriptionID)
	}
	unlock, err := m.locker.Lock(ctx, found.PrincipalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := m.store.Get(ctx, found.PrincipalID)
	if err != nil {
		return nil, err
	}
	if rec.SubscriptionID != subscriptionID {
		return nil, errors.Wrapf(watch.ErrNotFound, "subscription %s was superseded by %s",
			subscriptionID, rec.SubscriptionID)
	}
	return m.renewLocked(ctx, rec)
}

// RenewPrincipal renews whatever subscription principalID holds.
func (m *Manager) RenewPrincipal(ctx context.Context, principalID string) (*watch.Record, error) {
	rec, err := m.store.Get(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return m.Renew(ctx, rec.SubscriptionID)
}

func (m *Manager) renewLocked(ctx context.Context, rec *watch.Record) (*watch.Record, error) {
	log := m.log.WithFields(logrus.Fields{"principal": rec.PrincipalID, "subscription": rec.SubscriptionID})
	if err := rec.Transition(watch.StateRenewing); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}

	failed := func(err error) (*watch.Record, error) {
		if rerr := m.store.RecordError(ctx, rec.PrincipalID, err.Error(), m.now()); rerr != nil {
			log.WithError(rerr).Warn("could not record renewal failure")
		}
		return nil, err
	}

	mb, err := m.opener.Open(ctx, rec.PrincipalID)
	if err != nil {
		return failed(errors.Wrap(err, "opening mailbox"))
	}
	cctx, cancel := m.call(ctx)
	defer cancel()
	// The new watch supersedes the old one, so a failed stop only
	// costs a few redundant notifications.
	if err := mb.Stop(cctx); err != nil && watch.KindOf(err) != watch.KindNotFound {
		log.WithError(err).Warn("stopping old provider watch failed")
	}
	sub, err := mb.Watch(cctx, m.opts.Topic, rec.LabelFilter)
	if err != nil {
		return failed(errors.Wrap(err, "creating provider watch"))
	}

	rec.SubscriptionID = sub.ID
	rec.ExpiresAt = m.expiry(sub.Expiration)
	rec.LastRenewedAt = m.now()
	rec.Stats.ErrorCount = 0
	if err := rec.Transition(watch.StateActive); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"renewed": sub.ID, "expires": rec.ExpiresAt}).Info("watch renewed")
	return rec, nil
}

// Stop stops principalID's watch.  The provider side stop is best
// effort; the local record is deactivated regardless.  It reports false
// only when there is no record.
func (m *Manager) Stop(ctx context.Context, principalID string) (bool, error) {
	unlock, err := m.locker.Lock(ctx, principalID)
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := m.store.Get(ctx, principalID)
	if errors.Is(err, watch.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log := m.log.WithFields(logrus.Fields{"principal": principalID, "subscription": rec.SubscriptionID})

	if err := m.stopProvider(ctx, principalID); err != nil {
		log.WithError(err).Warn("provider stop failed; deactivating locally anyway")
	}

	if rec.State != watch.StateStopped {
		if err := rec.Transition(watch.StateStopped); err != nil {
			return true, err
		}
		if err := m.store.Save(ctx, rec); err != nil {
			return true, err
		}
		if m.publisher != nil {
			m.publisher.Publish(principalID, mailsync.EventWatchStopped, map[string]string{"account": rec.Account})
		}
	}
	log.Info("watch stopped")
	return true, nil
}

// StopProvider asks the provider to stop principalID's watch without
// touching local state.  A watch the provider does not know is
// success.
func (m *Manager) StopProvider(ctx context.Context, principalID string) error {
	return m.stopProvider(ctx, principalID)
}

func (m *Manager) stopProvider(ctx context.Context, principalID string) error {
	mb, err := m.opener.Open(ctx, principalID)
	if err != nil {
		return err
	}
	cctx, cancel := m.call(ctx)
	defer cancel()
	if err := mb.Stop(cctx); err != nil && watch.KindOf(err) != watch.KindNotFound {
		return err
	}
	return nil
}

// FindNeedingRenewal returns the live records whose provider expiry is
// less than window away.
func (m *Manager) FindNeedingRenewal(ctx context.Context, window time.Duration) ([]*watch.Record, error) {
	now := m.now()
	recs, err := m.store.List(ctx, watch.Query{ActiveOnly: true, ExpiringBefore: now.Add(window)})
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.ExpiresWithin(now, window) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Status is a principal facing view of a watch.
type Status struct {
	*watch.Record

	// AccountMatches reports whether the authenticated mailbox is the
	// watched account.  Nil when the provider could not be asked.
	AccountMatches *bool  `json:"accountMatches"`
	ProfileError   string `json:"profileError,omitempty"`
}

// Status reads principalID's record and checks its credential against
// the watched account.
func (m *Manager) Status(ctx context.Context, principalID string) (*Status, error) {
	rec, err := m.store.Get(ctx, principalID)
	if err != nil {
		return nil, err
	}
	st := &Status{Record: rec}
	mb, err := m.opener.Open(ctx, principalID)
	if err != nil {
		st.ProfileError = err.Error()
		return st, nil
	}
	cctx, cancel := m.call(ctx)
	defer cancel()
	profile, err := mb.Profile(cctx)
	if err != nil {
		st.ProfileError = err.Error()
		return st, nil
	}
	match := strings.EqualFold(profile.EmailAddress, rec.Account)
	st.AccountMatches = &match
	return st, nil
}

// List returns all records, or only live ones.
func (m *Manager) List(ctx context.Context, activeOnly bool) ([]*watch.Record, error) {
	return m.store.List(ctx, watch.Query{ActiveOnly: activeOnly})
}

// StopAll stops every live watch, at most concurrency at a time.  It
// returns how many were stopped; failures are logged and do not stop
// the sweep.  It returns early with ctx's error when ctx ends.
func (m *Manager) StopAll(ctx context.Context, concurrency int) (int, error) {
	recs, err := m.store.List(ctx, watch.Query{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	var stopped int64
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, r := range recs {
		principalID := r.PrincipalID
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ok, err := m.Stop(ctx, principalID)
			if err != nil {
				m.log.WithError(err).WithField("principal", principalID).Warn("stop failed")
				return nil
			}
			if ok {
				atomic.AddInt64(&stopped, 1)
			}
			return nil
		})
	}
	g.Wait()
	return int(stopped), ctx.Err()
}
