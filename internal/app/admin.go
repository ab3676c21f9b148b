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
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/matta/mailwatch/internal/config"
	"github.com/matta/mailwatch/internal/watch"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withStack runs fn against a freshly opened stack and prints what it
// returns.
func withStack(e *env, fn func(ctx context.Context, s *stack) (interface{}, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		s, err := openStack(ctx, e.cfg, e.log())
		if err != nil {
			return err
		}
		defer s.Close()
		out, err := fn(ctx, s)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
}

func newWatchCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage the watch of one principal",
	}

	var labels, exclude []string
	create := &cobra.Command{
		Use:   "create PRINCIPAL",
		Short: "Start watching a principal's mailbox",
		Args:  cobra.ExactArgs(1),
	}
	create.Flags().StringSliceVar(&labels, "label", nil, "label that triggers processing (default watch.label_ids)")
	create.Flags().StringSliceVar(&exclude, "exclude-label", nil, "label that suppresses processing (default watch.exclude_label_ids)")
	create.RunE = func(cmd *cobra.Command, args []string) error {
		return withStack(e, func(ctx context.Context, s *stack) (interface{}, error) {
			filter := s.defaultFilter()
			if cmd.Flags().Changed("label") {
				filter.Include = labels
			}
			if cmd.Flags().Changed("exclude-label") {
				filter.Exclude = exclude
			}
			return s.manager.Create(ctx, args[0], filter)
		})(cmd, args)
	}

	stop := &cobra.Command{
		Use:   "stop PRINCIPAL",
		Short: "Stop watching a principal's mailbox",
		Args:  cobra.ExactArgs(1),
	}
	stop.RunE = func(cmd *cobra.Command, args []string) error {
		return withStack(e, func(ctx context.Context, s *stack) (interface{}, error) {
			stopped, err := s.manager.Stop(ctx, args[0])
			if err != nil {
				return nil, err
			}
			if !stopped {
				return nil, errors.Wrapf(watch.ErrNotFound, "principal %s", args[0])
			}
			return map[string]bool{"stopped": true}, nil
		})(cmd, args)
	}

	renew := &cobra.Command{
		Use:   "renew PRINCIPAL",
		Short: "Renew a principal's watch now",
		Args:  cobra.ExactArgs(1),
	}
	renew.RunE = func(cmd *cobra.Command, args []string) error {
		return withStack(e, func(ctx context.Context, s *stack) (interface{}, error) {
			return s.manager.RenewPrincipal(ctx, args[0])
		})(cmd, args)
	}

	status := &cobra.Command{
		Use:   "status PRINCIPAL",
		Short: "Show a principal's watch and check its credential",
		Args:  cobra.ExactArgs(1),
	}
	status.RunE = func(cmd *cobra.Command, args []string) error {
		return withStack(e, func(ctx context.Context, s *stack) (interface{}, error) {
			return s.manager.Status(ctx, args[0])
		})(cmd, args)
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List watches",
		Args:  cobra.NoArgs,
		RunE: withStack(e, func(ctx context.Context, s *stack) (interface{}, error) {
			recs, err := s.manager.List(ctx, !all)
			if recs == nil && err == nil {
				recs = []*watch.Record{}
			}
			return recs, err
		}),
	}
	list.Flags().BoolVar(&all, "all", false, "include stopped watches")

	cmd.AddCommand(create, stop, renew, status, list)
	return cmd
}

func newSweepCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one renewal sweep",
		Args:  cobra.NoArgs,
		RunE: withStack(e, func(ctx context.Context, s *stack) (interface{}, error) {
			return s.scheduler.Sweep(ctx)
		}),
	}
}

func newPullCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Run one pull cycle against google.subscription",
		Args:  cobra.NoArgs,
		RunE: withStack(e, func(ctx context.Context, s *stack) (interface{}, error) {
			if s.poller == nil {
				return nil, errors.New("google.subscription is not set")
			}
			return s.poller.Cycle(ctx)
		}),
	}
}

func newHealthCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Sample provider connectivity and watch health",
		Args:  cobra.NoArgs,
		RunE: withStack(e, func(ctx context.Context, s *stack) (interface{}, error) {
			return s.scheduler.Health(ctx)
		}),
	}
}

func newStopAllCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every live watch",
		Args:  cobra.NoArgs,
		RunE: withStack(e, func(ctx context.Context, s *stack) (interface{}, error) {
			n, err := s.manager.StopAll(ctx, s.cfg.Schedule.Concurrency)
			return map[string]int{"stopped": n}, err
		}),
	}
}

func newOrphansCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "Stop live watches whose principal has no listener",
		Long: "orphans finds live watches whose principal has no attached listener " +
			"and stops them.  Listener counts are only visible to a command line " +
			"process with the postgres session driver; otherwise use the operator " +
			"API of a running server.",
		Args: cobra.NoArgs,
		RunE: withStack(e, func(ctx context.Context, s *stack) (interface{}, error) {
			if s.cfg.Session.Driver != config.DriverPostgres {
				return nil, errors.New("orphans needs session.driver postgres")
			}
			if _, err := s.orphans.Scan(ctx); err != nil {
				return nil, err
			}
			// No supervisor loop runs here.
			s.orphans.Drain(ctx)
			return s.orphans.Counters(), nil
		}),
	}
}
