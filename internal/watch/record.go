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

// Package watch defines the watch record tracked for each principal,
// its lifecycle states, and the error taxonomy shared by the
// reconciliation pipeline.
package watch

import (
	"time"
)

// LabelFilter narrows which messages trigger processing.  A message
// passes when it carries at least one Include label (or Include is
// empty) and none of the Exclude labels.
type LabelFilter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Match reports whether a message with the given labels passes the
// filter.
func (f LabelFilter) Match(labels []string) bool {
	has := make(map[string]bool, len(labels))
	for _, l := range labels {
		has[l] = true
	}
	for _, l := range f.Exclude {
		if has[l] {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, l := range f.Include {
		if has[l] {
			return true
		}
	}
	return false
}

// Stats are running counters kept for health reporting.  They only
// accumulate, except ErrorCount which a renewal resets.
type Stats struct {
	NotificationsReceived int64      `json:"notificationsReceived"`
	MessagesProcessed     int64      `json:"messagesProcessed"`
	ErrorCount            int        `json:"errorCount"`
	LastError             string     `json:"lastError,omitempty"`
	LastErrorAt           *time.Time `json:"lastErrorAt,omitempty"`
}

// Record is the durable state kept for a principal's watch.
type Record struct {
	PrincipalID    string      `json:"principalId"`
	Account        string      `json:"account"`
	SubscriptionID string      `json:"subscriptionId"`
	Cursor         uint64      `json:"cursor,string"`
	LabelFilter    LabelFilter `json:"labelFilter"`
	State          State       `json:"state"`
	ExpiresAt      time.Time   `json:"expiresAt"`
	CreatedAt      time.Time   `json:"createdAt"`
	LastRenewedAt  time.Time   `json:"lastRenewedAt"`
	Stats          Stats       `json:"stats"`
}

// Active reports whether the record is logically live.
func (r *Record) Active() bool {
	return r.State.Active()
}

// Age is the time since the record's watch was first created.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// ExpiresWithin reports whether the provider expiry falls within d of
// now.
func (r *Record) ExpiresWithin(now time.Time, d time.Duration) bool {
	return r.ExpiresAt.Sub(now) < d
}

// Transition moves the record to state to, enforcing the lifecycle
// table.
func (r *Record) Transition(to State) error {
	if err := r.State.check(to); err != nil {
		return err
	}
	r.State = to
	return nil
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.LabelFilter.Include = append([]string(nil), r.LabelFilter.Include...)
	c.LabelFilter.Exclude = append([]string(nil), r.LabelFilter.Exclude...)
	if r.Stats.LastErrorAt != nil {
		t := *r.Stats.LastErrorAt
		c.Stats.LastErrorAt = &t
	}
	return &c
}
