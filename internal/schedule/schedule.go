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

// Package schedule runs the periodic work around watches: renewing
// them before they expire, retiring old or failing ones, sampling
// health, and stopping everything at shutdown.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	mailsync "github.com/matta/mailwatch/internal/sync"
	"github.com/matta/mailwatch/internal/watch"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Manager is the subscription manager as seen by the scheduler.
type Manager interface {
	List(ctx context.Context, activeOnly bool) ([]*watch.Record, error)
	FindNeedingRenewal(ctx context.Context, window time.Duration) ([]*watch.Record, error)
	Renew(ctx context.Context, subscriptionID string) (*watch.Record, error)
	Stop(ctx context.Context, principalID string) (bool, error)
	StopAll(ctx context.Context, concurrency int) (int, error)
}

type Options struct {
	RenewWindow time.Duration
	MaxAge      time.Duration
	MaxErrors   int
	Concurrency int

	RenewEvery  time.Duration
	HealthEvery time.Duration

	// StopOnShutdown enables stopping every live watch at shutdown,
	// bounded by ShutdownTimeout.
	StopOnShutdown  bool
	ShutdownTimeout time.Duration

	CallTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.RenewWindow <= 0 {
		o.RenewWindow = 24 * time.Hour
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 30 * 24 * time.Hour
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.RenewEvery <= 0 {
		o.RenewEvery = time.Hour
	}
	if o.HealthEvery <= 0 {
		o.HealthEvery = 5 * time.Minute
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 20 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
}

// Scheduler is the renewal scheduler.
type Scheduler struct {
	mgr    Manager
	opener mailsync.Opener
	opts   Options
	log    *logrus.Entry
	now    func() time.Time

	mu   sync.Mutex
	last *Health
}

// New returns a Scheduler.  opener is used only for the provider
// connectivity check.
func New(mgr Manager, opener mailsync.Opener, opts Options, log *logrus.Entry) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		mgr:    mgr,
		opener: opener,
		opts:   opts,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SweepResult summarizes one renewal sweep.
type SweepResult struct {
	Renewed  []string          `json:"renewed"`
	Retired  map[string]string `json:"retired"`
	Failures map[string]string `json:"failures"`
}

func (s *Scheduler) retireReason(r *watch.Record, now time.Time) string {
	if r.Age(now) > s.opts.MaxAge {
		return fmt.Sprintf("older than %v", s.opts.MaxAge)
	}
	if r.Stats.ErrorCount >= s.opts.MaxErrors {
		return fmt.Sprintf("%d consecutive errors", r.Stats.ErrorCount)
	}
	return ""
}

// Sweep retires records past the maximum age or error count and renews
// the remaining records that expire within the renewal window.  One
// record's failure does not stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepResult, error) {
	now := s.now()
	res := &SweepResult{Retired: map[string]string{}, Failures: map[string]string{}}

	live, err := s.mgr.List(ctx, true)
	if err != nil {
		return nil, errors.Wrap(err, "listing watches")
	}
	for _, r := range live {
		reason := s.retireReason(r, now)
		if reason == "" {
			continue
		}
		log := s.log.WithFields(logrus.Fields{"principal": r.PrincipalID, "reason": reason})
		if _, err := s.mgr.Stop(ctx, r.PrincipalID); err != nil {
			log.WithError(err).Warn("retiring watch failed")
			res.Failures[r.PrincipalID] = err.Error()
			continue
		}
		log.Info("watch retired")
		res.Retired[r.PrincipalID] = reason
	}

	due, err := s.mgr.FindNeedingRenewal(ctx, s.opts.RenewWindow)
	if err != nil {
		return res, errors.Wrap(err, "finding watches to renew")
	}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, r := range due {
		if _, ok := res.Retired[r.PrincipalID]; ok {
			continue
		}
		r := r
		g.Go(func() error {
			_, err := s.mgr.Renew(ctx, r.SubscriptionID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"event":        "renewal.failed",
					"principal":    r.PrincipalID,
					"subscription": r.SubscriptionID,
				}).Warn("renewal failed")
				res.Failures[r.PrincipalID] = err.Error()
				return nil
			}
			res.Renewed = append(res.Renewed, r.PrincipalID)
			return nil
		})
	}
	g.Wait()
	s.log.WithFields(logrus.Fields{
		"renewed":  len(res.Renewed),
		"retired":  len(res.Retired),
		"failures": len(res.Failures),
	}).Info("renewal sweep done")
	return res, nil
}

// Health classifications.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Health is one health sample.
type Health struct {
	Status          string    `json:"status"`
	Checks          []Check   `json:"checks"`
	Recommendations []string  `json:"recommendations"`
	Active          int       `json:"active"`
	WithErrors      int       `json:"withErrors"`
	Erroring        int       `json:"erroring"`
	Expiring        int       `json:"expiring"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// Classify maps the fraction of passing checks to a status: all
// passing is healthy, at least half is degraded, less is unhealthy.
func Classify(checks []Check) string {
	if len(checks) == 0 {
		return Healthy
	}
	passed := 0
	for _, c := range checks {
		if c.Passed {
			passed++
		}
	}
	ratio := float64(passed) / float64(len(checks))
	switch {
	case ratio == 1:
		return Healthy
	case ratio >= 0.5:
		return Degraded
	}
	return Unhealthy
}

// Health samples provider connectivity and the record table.  It takes
// no per-principal locks.
func (s *Scheduler) Health(ctx context.Context) (*Health, error) {
	now := s.now()
	live, err := s.mgr.List(ctx, true)
	if err != nil {
		return nil, errors.Wrap(err, "listing watches")
	}
	h := &Health{Active: len(live), CheckedAt: now}
	for _, r := range live {
		if r.Stats.ErrorCount > 0 {
			h.WithErrors++
		}
		if r.State == watch.StateErroring {
			h.Erroring++
		}
		if r.ExpiresWithin(now, 24*time.Hour) {
			h.Expiring++
		}
	}

	h.Checks = append(h.Checks, s.connectivity(ctx, live))
	h.Checks = append(h.Checks, Check{
		Name:   "errors",
		Passed: h.WithErrors == 0,
		Detail: fmt.Sprintf("%d of %d watches have errors", h.WithErrors, h.Active),
	})
	h.Checks = append(h.Checks, Check{
		Name:   "expiry",
		Passed: h.Expiring == 0,
		Detail: fmt.Sprintf("%d watches expire within 24h", h.Expiring),
	})
	h.Status = Classify(h.Checks)

	if h.Expiring > 0 {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("%d watches expiring within 24h; run a renewal sweep", h.Expiring))
	}
	if h.Erroring > 0 {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("%d watches in error state; check credentials and re-authorize", h.Erroring))
	}
	if !h.Checks[0].Passed {
		h.Recommendations = append(h.Recommendations, "provider unreachable: "+h.Checks[0].Detail)
	}

	s.mu.Lock()
	s.last = h
	s.mu.Unlock()
	return h, nil
}

// connectivity asks the provider for the profile of one live watch,
// preferring one with no recorded errors.
func (s *Scheduler) connectivity(ctx context.Context, live []*watch.Record) Check {
	c := Check{Name: "connectivity"}
	if len(live) == 0 {
		c.Passed = true
		c.Detail = "no active watches"
		return c
	}
	probe := live[0]
	for _, r := range live {
		if r.Stats.ErrorCount == 0 {
			probe = r
			break
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	mb, err := s.opener.Open(ctx, probe.PrincipalID)
	if err == nil {
		_, err = mb.Profile(ctx)
	}
	if err != nil {
		c.Detail = fmt.Sprintf("profile of %s: %v", probe.PrincipalID, err)
		return c
	}
	c.Passed = true
	c.Detail = "profile of " + probe.PrincipalID
	return c
}

// LastHealth returns the most recent health sample, or nil.
func (s *Scheduler) LastHealth() *Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run sweeps and samples health on their schedules until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	renew := time.NewTicker(s.opts.RenewEvery)
	defer renew.Stop()
	health := time.NewTicker(s.opts.HealthEvery)
	defer health.Stop()

	s.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-renew.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.WithError(err).Error("renewal sweep failed")
			}
		case <-health.C:
			s.sample(ctx)
		}
	}
}

func (s *Scheduler) sample(ctx context.Context) {
	h, err := s.Health(ctx)
	if err != nil {
		s.log.WithError(err).Error("health sample failed")
		return
	}
	log := s.log.WithFields(logrus.Fields{"status": h.Status, "active": h.Active})
	if h.Status == Healthy {
		log.Debug("health")
		return
	}
	log.WithField("recommendations", h.Recommendations).Warn("health")
}

// Shutdown stops every live watch when configured to, giving up after
// the shutdown timeout.  A timeout is logged, not returned.  It returns
// the number of watches stopped.
func (s *Scheduler) Shutdown(ctx context.Context) int {
	if !s.opts.StopOnShutdown {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.mgr.StopAll(ctx, s.opts.Concurrency)
		done <- result{n, err}
	}()

	// StopAll honours ctx, but a provider call that ignores it must not
	// hold up the process.
	select {
	case r := <-done:
		if r.err != nil {
			s.timedOut(r.n, r.err)
		} else {
			s.log.WithField("stopped", r.n).Info("stopped all watches")
		}
		return r.n
	case <-ctx.Done():
		s.timedOut(-1, ctx.Err())
		return 0
	}
}

func (s *Scheduler) timedOut(stopped int, err error) {
	log := s.log.WithError(err).WithField("event", "shutdown.timeout")
	if stopped >= 0 {
		log = log.WithField("stopped", stopped)
	}
	log.Warn("shutdown stop-all did not finish")
}
