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

// Package orphan cleans up after watches that receive notifications
// nobody should act on: accounts with no live record, and principals
// with no live listener.
//
// Reports are queued and handled on a separate goroutine so the
// notification path never waits for cleanup.  Cleanup failures are
// logged and counted, never returned to the reporter.
package orphan

import (
	"context"
	"sync/atomic"
	"time"

	mailsync "github.com/matta/mailwatch/internal/sync"
	"github.com/matta/mailwatch/internal/watch"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Stopper is the part of the subscription manager cleanup needs.
type Stopper interface {
	Stop(ctx context.Context, principalID string) (bool, error)
	StopProvider(ctx context.Context, principalID string) error
}

type Options struct {
	QueueSize int

	// StopKnown asks the provider to stop watches whose local record
	// is already stopped.
	StopKnown bool

	// Timeout bounds the handling of one report.
	Timeout time.Duration
}

// Counters count handled reports by outcome.
type Counters struct {
	Unknown      int64 `json:"unknownAccount"`
	KnownStopped int64 `json:"knownStopped"`
	NoListener   int64 `json:"noListener"`
	Dropped      int64 `json:"dropped"`
}

// Supervisor is the orphan supervisor.  It implements
// sync.OrphanReporter.
type Supervisor struct {
	store     watch.Store
	stopper   Stopper
	listeners mailsync.Listeners
	queue     chan mailsync.Orphan
	opts      Options
	log       *logrus.Entry

	unknown, knownStopped, noListeners, dropped int64
}

var _ mailsync.OrphanReporter = (*Supervisor)(nil)

// New returns a Supervisor.  listeners may be nil; when set, a principal
// that gained a listener after being reported is left alone.
func New(store watch.Store, stopper Stopper, listeners mailsync.Listeners, opts Options, log *logrus.Entry) *Supervisor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Supervisor{
		store:     store,
		stopper:   stopper,
		listeners: listeners,
		queue:     make(chan mailsync.Orphan, opts.QueueSize),
		opts:      opts,
		log:       log,
	}
}

// Report queues o.  It never blocks; when the queue is full the report
// is dropped and counted.
func (s *Supervisor) Report(o mailsync.Orphan) {
	select {
	case s.queue <- o:
	default:
		atomic.AddInt64(&s.dropped, 1)
		s.log.WithFields(logrus.Fields{
			"account": o.Account,
			"reason":  o.Reason,
		}).Warn("orphan queue full; report dropped")
	}
}

// Run handles queued reports until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-s.queue:
			s.Handle(ctx, o)
		}
	}
}

// Drain handles every queued report without blocking and returns how
// many it handled.
func (s *Supervisor) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case o := <-s.queue:
			s.Handle(ctx, o)
			n++
		default:
			return n
		}
	}
}

// Handle performs the cleanup for one report.
func (s *Supervisor) Handle(ctx context.Context, o mailsync.Orphan) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	log := s.log.WithFields(logrus.Fields{
		"account":  o.Account,
		"cursor":   o.Cursor,
		"delivery": o.DeliveryID,
	})
	switch o.Reason {
	case mailsync.OrphanNoRecord:
		s.noRecord(ctx, o, log)
	case mailsync.OrphanNoListener:
		s.noListener(ctx, o, log.WithField("principal", o.PrincipalID))
	default:
		log.WithField("reason", o.Reason).Error("unknown orphan reason")
	}
}

func (s *Supervisor) noRecord(ctx context.Context, o mailsync.Orphan, log *logrus.Entry) {
	rec, err := s.store.FindByAccount(ctx, o.Account, false)
	if errors.Is(err, watch.ErrNotFound) {
		atomic.AddInt64(&s.unknown, 1)
		log.WithField("event", "orphan.unknown_account").
			Warn("notification for an account no principal owns; it stops at provider expiry or with an operator stop-all")
		return
	}
	if err != nil {
		log.WithError(err).Error("looking up orphaned account")
		return
	}
	log = log.WithFields(logrus.Fields{"principal": rec.PrincipalID, "subscription": rec.SubscriptionID})
	if rec.Active() {
		// Created after the notification was gated.
		log.Debug("account has a live watch now; nothing to clean up")
		return
	}
	atomic.AddInt64(&s.knownStopped, 1)
	log.WithFields(logrus.Fields{"event": "orphan.known_stopped", "state": rec.State}).
		Info("notification for a stopped watch")
	if !s.opts.StopKnown {
		return
	}
	if err := s.stopper.StopProvider(ctx, rec.PrincipalID); err != nil {
		log.WithError(err).Warn("provider stop of orphaned watch failed")
	}
}

func (s *Supervisor) noListener(ctx context.Context, o mailsync.Orphan, log *logrus.Entry) {
	if s.listeners != nil {
		n, err := s.listeners.Count(ctx, o.PrincipalID)
		if err != nil {
			log.WithError(err).Warn("cannot recount listeners; leaving watch alone")
			return
		}
		if n > 0 {
			log.WithField("listeners", n).Debug("listener attached since report; leaving watch alone")
			return
		}
	}
	atomic.AddInt64(&s.noListeners, 1)
	log.WithField("event", "orphan.no_listener").Info("stopping watch with no live listener")
	if _, err := s.stopper.Stop(ctx, o.PrincipalID); err != nil {
		log.WithError(err).Warn("stopping orphaned watch failed")
	}
}

// Scan reports every live record whose principal has no listener.  It
// returns the number reported.
func (s *Supervisor) Scan(ctx context.Context) (int, error) {
	if s.listeners == nil {
		return 0, nil
	}
	recs, err := s.store.List(ctx, watch.Query{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		c, err := s.listeners.Count(ctx, r.PrincipalID)
		if err != nil {
			return n, errors.Wrapf(err, "counting listeners of %s", r.PrincipalID)
		}
		if c > 0 {
			continue
		}
		s.Report(mailsync.Orphan{
			Account:     r.Account,
			Cursor:      r.Cursor,
			PrincipalID: r.PrincipalID,
			Reason:      mailsync.OrphanNoListener,
		})
		n++
	}
	return n, nil
}

// Counters returns a snapshot of the outcome counters.
func (s *Supervisor) Counters() Counters {
	return Counters{
		Unknown:      atomic.LoadInt64(&s.unknown),
		KnownStopped: atomic.LoadInt64(&s.knownStopped),
		NoListener:   atomic.LoadInt64(&s.noListeners),
		Dropped:      atomic.LoadInt64(&s.dropped),
	}
}
