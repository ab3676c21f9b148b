package pull

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/matta/mailwatch/internal/notify"
	mailsync "github.com/matta/mailwatch/internal/sync"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/api/pubsub/v1"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func data(account string, cursor uint64) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf(`{"emailAddress":%q,"historyId":%d}`, account, cursor)))
}

type fakeQueue struct {
	mu     sync.Mutex
	msgs   []Received
	acked  []string
	ackErr error
}

func (q *fakeQueue) Pull(ctx context.Context, max int) ([]Received, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := max
	if n > len(q.msgs) {
		n = len(q.msgs)
	}
	out := q.msgs[:n]
	q.msgs = q.msgs[n:]
	return out, nil
}

func (q *fakeQueue) Ack(ctx context.Context, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ackErr != nil {
		return q.ackErr
	}
	q.acked = append(q.acked, ids...)
	return nil
}

// fakeReconciler returns a fixed outcome per account.
type fakeReconciler struct {
	outcomes map[string]mailsync.Outcome
	errs     map[string]error
	seen     []uint64
}

func (r *fakeReconciler) Reconcile(ctx context.Context, n *notify.Notification) (mailsync.Result, error) {
	r.seen = append(r.seen, n.Cursor)
	return mailsync.Result{Outcome: r.outcomes[n.Account]}, r.errs[n.Account]
}

func TestCycle(t *testing.T) {
	q := &fakeQueue{msgs: []Received{
		{AckID: "a1", Message: notify.Message{MessageID: "1", Data: data("ok@example.com", 10)}},
		{AckID: "a2", Message: notify.Message{MessageID: "2", Data: data("flaky@example.com", 11)}},
		{AckID: "a3", Message: notify.Message{MessageID: "3", Data: "not base64!"}},
		{AckID: "a4", Message: notify.Message{MessageID: "4", Data: data("orphan@example.com", 12)}},
		{AckID: "a5", Message: notify.Message{MessageID: "5", Data: data("broken@example.com", 13)}},
		{AckID: "a6", Message: notify.Message{MessageID: "6", Data: data("ok@example.com", 14)}},
	}}
	r := &fakeReconciler{
		outcomes: map[string]mailsync.Outcome{
			"ok@example.com":     mailsync.OutcomeProcessed,
			"flaky@example.com":  mailsync.OutcomeTransient,
			"orphan@example.com": mailsync.OutcomeOrphaned,
		},
		errs: map[string]error{"broken@example.com": fmt.Errorf("store down")},
	}
	d, err := notify.NewDecoder()
	if err != nil {
		t.Fatal(err)
	}
	p := NewPoller(q, d, r, 5, quietLog())

	res, err := p.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := &CycleResult{Pulled: 5, Acked: 3, Redeliver: 2, Undecodable: 1}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Cycle() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a1", "a3", "a4"}, q.acked); diff != "" {
		t.Errorf("acked mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{10, 11, 12, 13}, r.seen); diff != "" {
		t.Errorf("reconciled cursors mismatch (-want +got):\n%s", diff)
	}

	res, err = p.Cycle(context.Background())
	if err != nil || res.Pulled != 1 || res.Acked != 1 {
		t.Errorf("second Cycle() = %+v, %v, want the last message acked", res, err)
	}
}

func TestCycleAckFailure(t *testing.T) {
	q := &fakeQueue{
		msgs:   []Received{{AckID: "a1", Message: notify.Message{MessageID: "1", Data: data("ok@example.com", 10)}}},
		ackErr: fmt.Errorf("unavailable"),
	}
	d, _ := notify.NewDecoder()
	p := NewPoller(q, d, &fakeReconciler{}, 10, quietLog())
	res, err := p.Cycle(context.Background())
	if err == nil {
		t.Fatal("Cycle() succeeded, want the ack error")
	}
	if res.Acked != 0 {
		t.Errorf("Acked = %d after failed ack, want 0", res.Acked)
	}
}

func TestPubSub(t *testing.T) {
	const sub = "projects/p/subscriptions/s"
	var acked []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/v1/"+sub+":pull"):
			var req pubsub.PullRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MaxMessages != 7 {
				t.Errorf("pull request = %+v, %v, want MaxMessages 7", req, err)
			}
			json.NewEncoder(w).Encode(&pubsub.PullResponse{ReceivedMessages: []*pubsub.ReceivedMessage{{
				AckId: "ack-1",
				Message: &pubsub.PubsubMessage{
					Data:        data("a@example.com", 42),
					MessageId:   "m-1",
					PublishTime: "2026-03-02T09:00:00Z",
				},
			}}})
		case strings.HasSuffix(r.URL.Path, "/v1/"+sub+":acknowledge"):
			var req pubsub.AcknowledgeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Error(err)
			}
			acked = append(acked, req.AckIds...)
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	svc, err := pubsub.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	q := NewPubSub(svc, sub)
	ctx := context.Background()
	got, err := q.Pull(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	want := []Received{{
		AckID: "ack-1",
		Message: notify.Message{
			Data:        data("a@example.com", 42),
			MessageID:   "m-1",
			PublishTime: "2026-03-02T09:00:00Z",
		},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Pull() mismatch (-want +got):\n%s", diff)
	}
	if err := q.Ack(ctx, []string{"ack-1"}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ack-1"}, acked); diff != "" {
		t.Errorf("acked mismatch (-want +got):\n%s", diff)
	}
}
