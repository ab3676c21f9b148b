package message

import "time"

// This file provides the common data objects used by the rest of the
// program.

// ID defines the properties that uniquely identify a message.
type ID struct {
	// The permanent and unique ID of a message in a storage
	// system.
	PermID string

	// The permanent and unique ID of a thread associated with the
	// message.  May be empty in storage systems that do not
	// support this concept.
	ThreadID string
}

// Header defines the metadata associated with a message.
type Header struct {
	// The message's permanent unique identifiers.
	ID

	// The current set of label identifiers associated with the
	// message.  These identifiers are not the user visible label
	// names!
	LabelIDs []string

	// An estimated size of the message (bytes).
	SizeEstimate int64

	// An opaque identifier naming the snapshot in time at which
	// this record was taken.
	HistoryID uint64

	// Time the provider received the message.
	InternalDate time.Time
}

// Body defines a complete message, including the message body.
type Body struct {
	Header

	// The entire email message in an RFC 2822 formatted string.
	Raw string
}

// Profile defines per-account information in a message mailbox.
type Profile struct {
	EmailAddress string

	// The ID of the mailbox's current history record.
	HistoryID uint64
}

// Canonical is the provider independent form of one inbound message
// handed to the triage pipeline.
type Canonical struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"threadId"`
	PrincipalID string    `json:"principalId"`
	Subject     string    `json:"subject"`
	From        string    `json:"from"`
	To          []string  `json:"to"`
	Timestamp   time.Time `json:"timestamp"`
	Labels      []string  `json:"providerLabels"`

	// Plain text body, capped in size.  Truncated reports whether
	// the cap was applied.
	Body      string `json:"body"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Source describes where a Canonical message came from.
type Source struct {
	Account        string `json:"account"`
	SubscriptionID string `json:"subscriptionId"`
	Cursor         uint64 `json:"cursor,string"`
	DeliveryID     string `json:"deliveryId,omitempty"`
}

// Receipt acknowledges a Canonical message accepted by the triage
// pipeline.
type Receipt struct {
	AcceptedID string `json:"acceptedId"`
	Status     string `json:"status"`
}

// Subscription is a provider side push registration for a mailbox.
type Subscription struct {
	ID string

	// The mailbox's history ID when the subscription was made.
	HistoryID uint64

	// When the provider stops sending notifications.  Zero if the
	// provider did not say.
	Expiration time.Time
}
