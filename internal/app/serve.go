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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matta/mailwatch/internal/server"
)

func newServeCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, listener socket, scheduler and pull poller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), e)
		},
	}
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	if err := e.v.BindPFlag("listen", cmd.Flags().Lookup("listen")); err != nil {
		panic(err)
	}
	return cmd
}

func serve(ctx context.Context, e *env) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log := e.cfg, e.log()
	if cfg.Google.Topic == "" {
		return errors.New("google.topic must name the Pub/Sub topic GMail publishes to")
	}
	s, err := openStack(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.Close()
	e.watchConfig()

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: server.New(server.Deps{
			Decoder:    s.decoder,
			Reconciler: s.reconciler,
			Manager:    s.manager,
			Scheduler:  s.scheduler,
			Orphans:    s.orphans,
			Poller:     s.poller,
			Hub:        s.hub,
		}, server.Options{
			PushToken:       cfg.Server.PushToken,
			AdminToken:      cfg.Server.AdminToken,
			DefaultFilter:   s.defaultFilter(),
			StopConcurrency: cfg.Schedule.Concurrency,
		}, log.WithField("component", "server")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.scheduler.Run(gctx) })
	g.Go(func() error { return s.orphans.Run(gctx) })
	if s.poller != nil {
		g.Go(func() error { return s.poller.Run(gctx, cfg.Schedule.PullEvery) })
	}
	g.Go(func() error {
		log.WithField("addr", cfg.Listen).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	if err != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	if n := s.scheduler.Shutdown(context.Background()); n > 0 {
		log.WithField("stopped", n).Info("stopped watches at shutdown")
	}
	return err
}
