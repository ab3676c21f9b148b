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

// Package server is the HTTP surface of mailwatch: the push webhook,
// the listener socket, liveness and the operator API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matta/mailwatch/internal/fanout"
	"github.com/matta/mailwatch/internal/notify"
	"github.com/matta/mailwatch/internal/orphan"
	"github.com/matta/mailwatch/internal/pull"
	"github.com/matta/mailwatch/internal/schedule"
	"github.com/matta/mailwatch/internal/subscription"
	mailsync "github.com/matta/mailwatch/internal/sync"
	"github.com/matta/mailwatch/internal/watch"
)

const defaultMaxPushBytes = 1 << 20

type Reconciler interface {
	Reconcile(ctx context.Context, n *notify.Notification) (mailsync.Result, error)
}

// Deps are the components the routes call into.  A nil Poller disables
// the forced pull route.
type Deps struct {
	Decoder    *notify.Decoder
	Reconciler Reconciler
	Manager    *subscription.Manager
	Scheduler  *schedule.Scheduler
	Orphans    *orphan.Supervisor
	Poller     *pull.Poller
	Hub        *fanout.Hub
}

type Options struct {
	// PushToken must match the push request's token query parameter.
	// Empty disables the check.
	PushToken string

	// AdminToken is the bearer token of the operator API.  Empty
	// disables the operator API.
	AdminToken string

	MaxPushBytes    int64
	DefaultFilter   watch.LabelFilter
	StopConcurrency int
}

type Server struct {
	Deps
	opts Options
	log  *logrus.Entry
}

func New(d Deps, opts Options, log *logrus.Entry) *Server {
	if opts.MaxPushBytes <= 0 {
		opts.MaxPushBytes = defaultMaxPushBytes
	}
	if opts.StopConcurrency <= 0 {
		opts.StopConcurrency = 4
	}
	return &Server{Deps: d, opts: opts, log: log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleLiveness)
	r.Post("/push", s.handlePush)
	r.Get("/ws", s.Hub.HandleWebSocket)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Get("/watches", s.handleList)
		r.Post("/watches/{principal}", s.handleCreate)
		r.Get("/watches/{principal}", s.handleStatus)
		r.Delete("/watches/{principal}", s.handleStop)
		r.Post("/watches/{principal}/renew", s.handleRenew)

		r.Post("/sweep", s.handleSweep)
		r.Post("/pull", s.handlePull)
		r.Post("/stop-all", s.handleStopAll)
		r.Get("/health", s.handleHealth)

		r.Get("/orphans", s.handleOrphanCounters)
		r.Post("/orphans/scan", s.handleOrphanScan)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			writeError(w, http.StatusForbidden, errors.New("operator API disabled"))
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !tokenEqual(token, s.opts.AdminToken) {
			writeError(w, http.StatusUnauthorized, errors.New("bad admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusOf maps an operation error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, watch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, watch.ErrAlreadyActive), errors.Is(err, watch.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, watch.ErrAuth), errors.Is(err, watch.ErrTransient):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("operator request failed")
	}
	writeError(w, status, err)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePush is the push webhook.  Anything that decodes is
// acknowledged with 204 once reconciled, whatever the outcome, so the
// provider does not retry deliveries that cannot succeed.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.opts.PushToken != "" && !tokenEqual(r.URL.Query().Get("token"), s.opts.PushToken) {
		writeError(w, http.StatusUnauthorized, errors.New("bad push token"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxPushBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "reading push body"))
		return
	}
	n, err := s.Decoder.Decode(body)
	if err != nil {
		s.log.WithError(err).WithField("event", "push.rejected").Warn("undecodable push")
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// The reconciliation outlives a provider that hangs up early.
	ctx := context.WithoutCancel(r.Context())
	res, err := s.Reconciler.Reconcile(ctx, n)
	log := s.log.WithFields(logrus.Fields{
		"account":  n.Account,
		"cursor":   n.Cursor,
		"delivery": n.DeliveryID,
	})
	if err != nil {
		log.WithError(err).Error("reconciling push")
	} else {
		log.WithField("outcome", res.Outcome).Debug("push reconciled")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "active"))
			return
		}
		activeOnly = b
	}
	recs, err := s.Manager.List(r.Context(), activeOnly)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []*watch.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type createRequest struct {
	LabelIDs        []string `json:"labelIds"`
	ExcludeLabelIDs []string `json:"excludeLabelIds"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	filter := s.opts.DefaultFilter
	if r.ContentLength != 0 {
		var req createRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding request"))
			return
		}
		if req.LabelIDs != nil {
			filter.Include = req.LabelIDs
		}
		if req.ExcludeLabelIDs != nil {
			filter.Exclude = req.ExcludeLabelIDs
		}
	}
	rec, err := s.Manager.Create(r.Context(), chi.URLParam(r, "principal"), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Manager.Status(r.Context(), chi.URLParam(r, "principal"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "principal")
	stopped, err := s.Manager.Stop(r.Context(), principalID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !stopped {
		writeError(w, http.StatusNotFound, errors.Wrapf(watch.ErrNotFound, "principal %s", principalID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Manager.RenewPrincipal(r.Context(), chi.URLParam(r, "principal"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.Scheduler.Sweep(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if s.Poller == nil {
		writeError(w, http.StatusNotImplemented, errors.New("no pull subscription configured"))
		return
	}
	res, err := s.Poller.Cycle(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.Manager.StopAll(r.Context(), s.opts.StopConcurrency)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.Scheduler.Health(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleOrphanCounters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Orphans.Counters())
}

func (s *Server) handleOrphanScan(w http.ResponseWriter, r *http.Request) {
	n, err := s.Orphans.Scan(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reported": n})
}
