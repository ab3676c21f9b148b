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

// Package fanout delivers reconciliation events to a principal's live
// WebSocket listeners, and only to that principal's.
package fanout

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/matta/mailwatch/internal/session"
	mailsync "github.com/matta/mailwatch/internal/sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Event is what listeners receive, one JSON text frame per event.
type Event struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	PrincipalID string      `json:"principalId"`
	At          time.Time   `json:"at"`
	Payload     interface{} `json:"payload,omitempty"`
}

// Hub tracks connected listeners by principal.  It implements
// sync.Publisher.
type Hub struct {
	registry session.Registry
	secret   []byte
	origins  []string
	log      *logrus.Entry

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

var _ mailsync.Publisher = (*Hub)(nil)

// New returns a Hub.  Every connect and disconnect is recorded in
// registry.  secret keys listener tokens; see Token.
func New(registry session.Registry, secret []byte, origins []string, log *logrus.Entry) *Hub {
	return &Hub{
		registry: registry,
		secret:   secret,
		origins:  origins,
		log:      log,
		clients:  make(map[string]map[*client]struct{}),
	}
}

// Token returns the listener token for principalID: the hex HMAC-SHA256
// of the principal id under the hub secret.
func (h *Hub) Token(principalID string) string {
	m := hmac.New(sha256.New, h.secret)
	m.Write([]byte(principalID))
	return hex.EncodeToString(m.Sum(nil))
}

func (h *Hub) authenticate(principalID, token string) bool {
	if principalID == "" || token == "" || len(h.secret) == 0 {
		return false
	}
	got, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(h.Token(principalID))
	return hmac.Equal(got, want)
}

type client struct {
	principalID string
	send        chan []byte
}

// Publish sends an event to principalID's listeners.  It never blocks;
// a listener whose buffer is full misses the event.
func (h *Hub) Publish(principalID, kind string, payload interface{}) {
	ev := Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		PrincipalID: principalID,
		At:          time.Now().UTC(),
		Payload:     payload,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).WithField("kind", kind).Error("encoding event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[principalID] {
		select {
		case c.send <- data:
		default:
			h.log.WithFields(logrus.Fields{"principal": principalID, "kind": kind}).
				Warn("listener too slow; event dropped")
		}
	}
}

// Clients returns the number of listeners connected to this hub for
// principalID.
func (h *Hub) Clients(principalID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[principalID])
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.principalID]
	if set == nil {
		set = make(map[*client]struct{})
		h.clients[c.principalID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.principalID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.principalID)
	}
}

// HandleWebSocket serves GET /ws?principal=<id>&token=<token>.  The
// connection counts as a listener until it closes.  Frames sent by the
// listener are ignored.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	principalID := r.URL.Query().Get("principal")
	if !h.authenticate(principalID, r.URL.Query().Get("token")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.WithError(err).Debug("websocket accept failed")
		return
	}
	log := h.log.WithField("principal", principalID)

	c := &client{principalID: principalID, send: make(chan []byte, sendBuffer)}
	h.add(c)
	if err := h.registry.Attach(r.Context(), principalID); err != nil {
		h.remove(c)
		log.WithError(err).Error("attaching listener")
		conn.Close(websocket.StatusInternalError, "session registry unavailable")
		return
	}
	log.Debug("listener attached")
	defer func() {
		h.remove(c)
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := h.registry.Detach(ctx, principalID); err != nil {
			log.WithError(err).Warn("detaching listener")
		}
		log.Debug("listener detached")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				log.WithError(err).Debug("listener write failed")
				conn.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}
