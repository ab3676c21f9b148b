// Package mailtest provides in-memory fakes of the reconciler's
// collaborators.  Every fake is safe for concurrent use and counts the
// calls made to it.
package mailtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matta/mailwatch/internal/message"
	mailsync "github.com/matta/mailwatch/internal/sync"
	"github.com/matta/mailwatch/internal/watch"

	"github.com/google/uuid"
)

// Raw builds a minimal RFC 2822 message.
func Raw(from, to, subject, body string, extra ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Date: Mon, 02 Mar 2026 09:00:00 +0000\r\n")
	for _, h := range extra {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return b.String()
}

// Mailbox is a fake mailbox.  History entries are returned by
// ListAdded when their HistoryID falls in (from, to].
type Mailbox struct {
	mu sync.Mutex

	Email     string
	HistoryID uint64
	History   []message.Header
	Messages  map[string]*message.Body

	ProfileErr error
	ListErr    error
	WatchErr   error
	StopErr    error
	MessageErr map[string]error

	// Expiration returned by Watch.  Zero means the provider said
	// nothing.
	Expiration time.Time

	calls map[string]int
}

var _ mailsync.Mailbox = (*Mailbox)(nil)

func NewMailbox(email string, historyID uint64) *Mailbox {
	return &Mailbox{
		Email:      email,
		HistoryID:  historyID,
		Messages:   make(map[string]*message.Body),
		MessageErr: make(map[string]error),
		calls:      make(map[string]int),
	}
}

// Add appends a message to the mailbox at historyID and moves the
// mailbox's current cursor forward to it.
func (m *Mailbox) Add(id string, historyID uint64, labels []string, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := message.Header{
		ID:        message.ID{PermID: id, ThreadID: "t-" + id},
		LabelIDs:  labels,
		HistoryID: historyID,
	}
	m.History = append(m.History, h)
	m.Messages[id] = &message.Body{Header: h, Raw: raw}
	if historyID > m.HistoryID {
		m.HistoryID = historyID
	}
}

func (m *Mailbox) count(op string) {
	m.calls[op]++
}

// Calls returns how many times op was invoked.
func (m *Mailbox) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TotalCalls returns the number of provider calls of any kind.
func (m *Mailbox) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *Mailbox) Profile(ctx context.Context) (*message.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("profile")
	if m.ProfileErr != nil {
		return nil, m.ProfileErr
	}
	return &message.Profile{EmailAddress: m.Email, HistoryID: m.HistoryID}, nil
}

func (m *Mailbox) Watch(ctx context.Context, topic string, filter watch.LabelFilter) (*message.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("watch")
	if m.WatchErr != nil {
		return nil, m.WatchErr
	}
	return &message.Subscription{
		ID:         uuid.NewString(),
		HistoryID:  m.HistoryID,
		Expiration: m.Expiration,
	}, nil
}

func (m *Mailbox) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("stop")
	return m.StopErr
}

func (m *Mailbox) ListAdded(ctx context.Context, from, to uint64, filter watch.LabelFilter, handler func(message.Header) error) error {
	m.mu.Lock()
	m.count("list")
	if m.ListErr != nil {
		m.mu.Unlock()
		return m.ListErr
	}
	var out []message.Header
	for _, h := range m.History {
		if h.HistoryID > from && h.HistoryID <= to && filter.Match(h.LabelIDs) {
			out = append(out, h)
		}
	}
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].HistoryID < out[j].HistoryID })
	for _, h := range out {
		if err := handler(h); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mailbox) Message(ctx context.Context, id string) (*message.Body, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("message")
	if err := m.MessageErr[id]; err != nil {
		return nil, err
	}
	b, ok := m.Messages[id]
	if !ok {
		return nil, watch.NewProviderError("messages.get", watch.KindNotFound, fmt.Errorf("no message %s", id))
	}
	c := *b
	return &c, nil
}

// Opener hands out fake mailboxes by principal.
type Opener struct {
	mu        sync.Mutex
	Mailboxes map[string]*Mailbox
	Err       error
	opens     int
}

var _ mailsync.Opener = (*Opener)(nil)

func NewOpener() *Opener {
	return &Opener{Mailboxes: make(map[string]*Mailbox)}
}

// Set registers mb as principalID's mailbox.
func (o *Opener) Set(principalID string, mb *Mailbox) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Mailboxes[principalID] = mb
}

func (o *Opener) Open(ctx context.Context, principalID string) (mailsync.Mailbox, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.Err != nil {
		return nil, o.Err
	}
	mb, ok := o.Mailboxes[principalID]
	if !ok {
		return nil, watch.NewProviderError("open", watch.KindAuth, fmt.Errorf("no credentials for %s", principalID))
	}
	return mb, nil
}

// Opens returns how many mailboxes were opened.
func (o *Opener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// Submission is one message handed to the Submitter.
type Submission struct {
	Message *message.Canonical
	Source  message.Source
}

// Submitter records submissions.
type Submitter struct {
	mu          sync.Mutex
	Err         error
	submissions []Submission
}

var _ mailsync.Submitter = (*Submitter)(nil)

func (s *Submitter) Submit(ctx context.Context, m *message.Canonical, src message.Source) (*message.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.submissions = append(s.submissions, Submission{Message: m, Source: src})
	return &message.Receipt{AcceptedID: uuid.NewString(), Status: "accepted"}, nil
}

// Submissions returns a copy of everything submitted so far.
func (s *Submitter) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Event is one published fan-out event.
type Event struct {
	PrincipalID string
	Kind        string
	Payload     interface{}
}

// Publisher records published events.
type Publisher struct {
	mu     sync.Mutex
	events []Event
}

var _ mailsync.Publisher = (*Publisher)(nil)

func (p *Publisher) Publish(principalID, kind string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{PrincipalID: principalID, Kind: kind, Payload: payload})
}

// Events returns the published events of the given kind, or all events
// if kind is empty.
func (p *Publisher) Events(kind string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Listeners is a settable listener count.
type Listeners struct {
	mu     sync.Mutex
	counts map[string]int
	Err    error
}

var _ mailsync.Listeners = (*Listeners)(nil)

func NewListeners() *Listeners {
	return &Listeners{counts: make(map[string]int)}
}

func (l *Listeners) Set(principalID string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[principalID] = n
}

func (l *Listeners) Count(ctx context.Context, principalID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return 0, l.Err
	}
	return l.counts[principalID], nil
}

// Orphans records reported orphans.
type Orphans struct {
	mu      sync.Mutex
	reports []mailsync.Orphan
}

var _ mailsync.OrphanReporter = (*Orphans)(nil)

func (o *Orphans) Report(orphan mailsync.Orphan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, orphan)
}

func (o *Orphans) Reports() []mailsync.Orphan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]mailsync.Orphan(nil), o.reports...)
}
