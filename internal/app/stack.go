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

package app

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/pubsub/v1"

	"github.com/matta/mailwatch/internal/config"
	"github.com/matta/mailwatch/internal/fanout"
	"github.com/matta/mailwatch/internal/gmail"
	"github.com/matta/mailwatch/internal/gmailhttp"
	"github.com/matta/mailwatch/internal/notify"
	"github.com/matta/mailwatch/internal/orphan"
	"github.com/matta/mailwatch/internal/persist"
	"github.com/matta/mailwatch/internal/pull"
	"github.com/matta/mailwatch/internal/schedule"
	"github.com/matta/mailwatch/internal/session"
	"github.com/matta/mailwatch/internal/subscription"
	mailsync "github.com/matta/mailwatch/internal/sync"
	"github.com/matta/mailwatch/internal/tracehttp"
	"github.com/matta/mailwatch/internal/triage"
	"github.com/matta/mailwatch/internal/watch"

	_ "github.com/mattn/go-sqlite3"
)

// stack is every long lived component, wired from the configuration.
type stack struct {
	cfg *config.Config
	log *logrus.Entry

	store      watch.Store
	locker     watch.Locker
	registry   session.Registry
	creds      *gmailhttp.Credentials
	opener     *gmail.Opener
	hub        *fanout.Hub
	manager    *subscription.Manager
	orphans    *orphan.Supervisor
	reconciler *mailsync.Reconciler
	scheduler  *schedule.Scheduler
	decoder    *notify.Decoder
	poller     *pull.Poller // nil without google.subscription

	closers []func() error
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.WithError(err).Warn("closing")
		}
	}
}

func (s *stack) defaultFilter() watch.LabelFilter {
	return watch.LabelFilter{Include: s.cfg.Watch.LabelIDs, Exclude: s.cfg.Watch.ExcludeLabelIDs}
}

// openCredentials opens the token keyring and the credential provider.
func openCredentials(cfg *config.Config, log *logrus.Entry) (*gmailhttp.Credentials, error) {
	ring, err := gmailhttp.OpenKeyring(gmailhttp.KeyringConfig{
		Backend:    cfg.Credentials.Backend,
		Dir:        cfg.Credentials.Dir,
		Passphrase: cfg.Credentials.Passphrase,
	})
	if err != nil {
		return nil, err
	}
	var base http.RoundTripper
	if cfg.Google.Trace {
		base = tracehttp.Wrap(nil, log.WithField("component", "http"))
	}
	oauth := gmailhttp.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret)
	return gmailhttp.New(oauth, ring, base, log.WithField("component", "credentials")), nil
}

func (s *stack) openStore(ctx context.Context) error {
	cfg := s.cfg
	var pg *persist.Postgres
	if cfg.Store.Driver == config.DriverPostgres || cfg.Session.Driver == config.DriverPostgres {
		var err error
		pg, err = persist.OpenPostgres(ctx, cfg.Store.URL, s.log.WithField("component", "postgres"))
		if err != nil {
			return errors.Wrap(err, "unable to open postgres")
		}
		s.closers = append(s.closers, pg.Close)
	}

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		s.store = pg
		s.locker = persist.NewAdvisoryLocker(pg.Pool())
	case config.DriverMemory:
		s.store = persist.NewMemory()
	default:
		db, err := persist.Open(ctx, cfg.Store.Path, s.log.WithField("component", "sqlite"))
		if err != nil {
			return errors.Wrap(err, "unable to initialize database")
		}
		s.closers = append(s.closers, db.Close)
		s.store = db
	}
	if s.locker == nil {
		s.locker = watch.NewKeyedMutex()
	}

	if cfg.Session.Driver == config.DriverPostgres {
		reg := session.NewPostgres(pg.Pool(), cfg.Session.Instance)
		// Rows left by a previous run of this instance count listeners
		// that are gone.
		if err := reg.Reset(ctx); err != nil {
			return errors.Wrap(err, "resetting listener sessions")
		}
		s.registry = reg
	} else {
		s.registry = session.NewMemory()
	}
	return nil
}

func (s *stack) submitter() (mailsync.Submitter, error) {
	if u := s.cfg.Triage.URL; u != "" {
		return triage.NewClient(u, &http.Client{Timeout: s.cfg.Triage.Timeout}), nil
	}
	sp, err := triage.NewSpool(s.cfg.Triage.SpoolDir)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize the triage spool")
	}
	return sp, nil
}

func (s *stack) openPuller(ctx context.Context) error {
	sub := s.cfg.Google.Subscription
	if sub == "" {
		return nil
	}
	client, err := google.DefaultClient(ctx, pubsub.PubsubScope)
	if err != nil {
		return errors.Wrap(err, "unable to find Pub/Sub credentials")
	}
	svc, err := pubsub.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return errors.Wrap(err, "unable to initialize Pub/Sub")
	}
	s.poller = pull.NewPoller(pull.NewPubSub(svc, sub), s.decoder, s.reconciler,
		s.cfg.Schedule.PullBatch, s.log.WithField("component", "pull"))
	return nil
}

// openStack wires every component.  The caller must Close the result.
func openStack(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*stack, error) {
	s := &stack{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}
	creds, err := openCredentials(cfg, log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize GMail credentials")
	}
	s.creds = creds
	s.opener = gmail.NewOpener(creds, cfg.Google.QuotaPerSecond, log.WithField("component", "gmail"))

	s.hub = fanout.New(s.registry, []byte(cfg.Server.SessionSecret), cfg.Server.AllowedOrigins,
		log.WithField("component", "fanout"))
	s.manager = subscription.NewManager(s.store, s.locker, s.opener, s.hub, subscription.Options{
		Topic:       cfg.Google.Topic,
		Validity:    cfg.Watch.Validity,
		CallTimeout: cfg.Reconcile.CallTimeout,
	}, log.WithField("component", "subscription"))
	s.orphans = orphan.New(s.store, s.manager, s.registry, orphan.Options{
		StopKnown: cfg.Orphan.StopKnown,
		Timeout:   cfg.Reconcile.CallTimeout,
	}, log.WithField("component", "orphan"))

	sub, err := s.submitter()
	if err != nil {
		return nil, err
	}
	s.reconciler = mailsync.NewReconciler(mailsync.Deps{
		Store:     s.store,
		Locker:    s.locker,
		Opener:    s.opener,
		Submitter: sub,
		Publisher: s.hub,
		Listeners: s.registry,
		Orphans:   s.orphans,
	}, mailsync.Options{
		StaleGap:        cfg.Reconcile.StaleGap,
		MaxBodyBytes:    cfg.Reconcile.MaxBodyBytes,
		RequireListener: cfg.Reconcile.RequireListener,
		CallTimeout:     cfg.Reconcile.CallTimeout,
	}, log.WithField("component", "reconcile"))

	s.scheduler = schedule.New(s.manager, s.opener, schedule.Options{
		RenewWindow:     cfg.Watch.RenewWindow,
		MaxAge:          cfg.Watch.MaxAge,
		MaxErrors:       cfg.Watch.MaxErrors,
		Concurrency:     cfg.Schedule.Concurrency,
		RenewEvery:      cfg.Schedule.RenewEvery,
		HealthEvery:     cfg.Schedule.HealthEvery,
		StopOnShutdown:  cfg.Shutdown.StopWatches,
		ShutdownTimeout: cfg.Shutdown.Timeout,
		CallTimeout:     cfg.Reconcile.CallTimeout,
	}, log.WithField("component", "schedule"))

	if s.decoder, err = notify.NewDecoder(); err != nil {
		return nil, err
	}
	if err := s.openPuller(ctx); err != nil {
		return nil, err
	}
	ok = true
	return s, nil
}
