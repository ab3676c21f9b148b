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

package sync

// This file provides the collaborator interfaces used by the
// reconciler and the subscription manager.

import (
	"context"

	"github.com/matta/mailwatch/internal/message"
	"github.com/matta/mailwatch/internal/watch"
)

// MessageLister lists messages added to a mailbox between two
// cursors.
type MessageLister interface {
	// ListAdded calls handler for every message added after from and
	// up to and including to whose labels pass filter.  A cursor the
	// provider can no longer serve yields a watch.KindNotFound error.
	ListAdded(ctx context.Context, from, to uint64, filter watch.LabelFilter, handler func(message.Header) error) error
}

// MessageGetter fetches one message in full.
type MessageGetter interface {
	Message(ctx context.Context, id string) (*message.Body, error)
}

// MessageProfiler gets per account metadata, including the current
// cursor.
type MessageProfiler interface {
	Profile(ctx context.Context) (*message.Profile, error)
}

// Watcher creates and stops the provider side push subscription.
type Watcher interface {
	Watch(ctx context.Context, topic string, filter watch.LabelFilter) (*message.Subscription, error)

	// Stop cancels every push subscription of the mailbox.  An
	// already stopped mailbox is not an error.
	Stop(ctx context.Context) error
}

// Mailbox provides all possible actions on one principal's mailbox.
type Mailbox interface {
	MessageLister
	MessageGetter
	MessageProfiler
	Watcher
}

// Opener yields an authenticated Mailbox for a principal.  Credential
// problems are reported as watch.KindAuth errors.
type Opener interface {
	Open(ctx context.Context, principalID string) (Mailbox, error)
}

// Submitter hands canonical messages to the downstream triage
// pipeline.
type Submitter interface {
	Submit(ctx context.Context, m *message.Canonical, src message.Source) (*message.Receipt, error)
}

// Event kinds published to real-time listeners.
const (
	EventMessageReceived = "message.received"
	EventReauthRequired  = "watch.reauth_required"
	EventWatchStopped    = "watch.stopped"
)

// Publisher fans events out to a principal's live listeners.  Publish
// must not block.
type Publisher interface {
	Publish(principalID, kind string, payload interface{})
}

// Listeners reports how many live listeners a principal has, across
// every instance of the service.
type Listeners interface {
	Count(ctx context.Context, principalID string) (int, error)
}

// Orphan describes a notification that could not be tied to a live
// watch with a listener.
type Orphan struct {
	Account     string
	Cursor      uint64
	DeliveryID  string
	PrincipalID string // empty when no active record exists
	Reason      OrphanReason
}

type OrphanReason string

const (
	OrphanNoRecord   OrphanReason = "no_active_record"
	OrphanNoListener OrphanReason = "no_listener"
)

// OrphanReporter receives orphans.  Report must not block.
type OrphanReporter interface {
	Report(o Orphan)
}
