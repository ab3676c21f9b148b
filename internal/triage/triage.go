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

// Package triage hands canonical messages to the downstream triage
// pipeline, either over HTTP or through a local spool directory.
package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/matta/mailwatch/internal/message"
	mailsync "github.com/matta/mailwatch/internal/sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Receipt statuses.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
)

var (
	_ mailsync.Submitter = (*Client)(nil)
	_ mailsync.Submitter = (*Spool)(nil)
)

// Client posts messages to a triage endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a Client posting to url.  Use the http.Client's
// Timeout to bound each submission.
func NewClient(url string, c *http.Client) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{url: url, http: c}
}

type request struct {
	Message *message.Canonical `json:"message"`
	Source  message.Source     `json:"source"`
}

// Submit posts {message, source} and decodes the receipt.  The
// Idempotency-Key header is stable for a given (principal, message) so
// the endpoint can drop redeliveries.
func (c *Client) Submit(ctx context.Context, m *message.Canonical, src message.Source) (*message.Receipt, error) {
	body, err := json.Marshal(request{Message: m, Source: src})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.PrincipalID+"/"+m.ID)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "submitting to triage")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("triage returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	var r message.Receipt
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decoding triage receipt")
	}
	if r.AcceptedID == "" {
		return nil, errors.New("triage receipt has no acceptedId")
	}
	return &r, nil
}
