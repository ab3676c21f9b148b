package server_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matta/mailwatch/internal/fanout"
	"github.com/matta/mailwatch/internal/mailtest"
	"github.com/matta/mailwatch/internal/notify"
	"github.com/matta/mailwatch/internal/orphan"
	"github.com/matta/mailwatch/internal/persist"
	"github.com/matta/mailwatch/internal/schedule"
	"github.com/matta/mailwatch/internal/server"
	"github.com/matta/mailwatch/internal/session"
	"github.com/matta/mailwatch/internal/subscription"
	mailsync "github.com/matta/mailwatch/internal/sync"
	"github.com/matta/mailwatch/internal/watch"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

const (
	principal  = "p1"
	account    = "p1@example.com"
	pushToken  = "push-secret"
	adminToken = "admin-secret"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fixture struct {
	store     *persist.Memory
	registry  *session.Memory
	mb        *mailtest.Mailbox
	submitter *mailtest.Submitter
	handler   http.Handler
}

func newFixture(t *testing.T, opts server.Options) *fixture {
	t.Helper()
	log := quietLog()
	f := &fixture{
		store:     persist.NewMemory(),
		registry:  session.NewMemory(),
		mb:        mailtest.NewMailbox(account, 100),
		submitter: &mailtest.Submitter{},
	}
	opener := mailtest.NewOpener()
	opener.Set(principal, f.mb)
	locker := watch.NewKeyedMutex()
	hub := fanout.New(f.registry, []byte("secret"), nil, log)
	mgr := subscription.NewManager(f.store, locker, opener, hub, subscription.Options{
		Topic:    "projects/test/topics/mail",
		Validity: 48 * time.Hour,
	}, log)
	sup := orphan.New(f.store, mgr, f.registry, orphan.Options{}, log)
	rec := mailsync.NewReconciler(mailsync.Deps{
		Store:     f.store,
		Locker:    locker,
		Opener:    opener,
		Submitter: f.submitter,
		Publisher: hub,
		Listeners: f.registry,
		Orphans:   sup,
	}, mailsync.Options{RequireListener: true}, log)
	dec, err := notify.NewDecoder()
	if err != nil {
		t.Fatal(err)
	}
	srv := server.New(server.Deps{
		Decoder:    dec,
		Reconciler: rec,
		Manager:    mgr,
		Scheduler:  schedule.New(mgr, opener, schedule.Options{}, log),
		Orphans:    sup,
		Hub:        hub,
	}, opts, log)
	f.handler = srv.Handler()
	return f
}

func defaultOptions() server.Options {
	return server.Options{
		PushToken:     pushToken,
		AdminToken:    adminToken,
		DefaultFilter: watch.LabelFilter{Include: []string{"INBOX"}},
	}
}

func (f *fixture) do(method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) admin(method, target string, body io.Reader) *httptest.ResponseRecorder {
	return f.do(method, target, adminToken, body)
}

func push(account string, cursor uint64) io.Reader {
	data := base64.StdEncoding.EncodeToString([]byte(
		fmt.Sprintf(`{"emailAddress":%q,"historyId":"%d"}`, account, cursor)))
	return strings.NewReader(fmt.Sprintf(`{
		"message": {"data": %q, "messageId": "m-%d", "publishTime": "2026-05-01T09:59:58Z"},
		"subscription": "projects/test/subscriptions/mail-push"
	}`, data, cursor))
}

func TestLiveness(t *testing.T) {
	f := newFixture(t, defaultOptions())
	if rr := f.do(http.MethodGet, "/health", "", nil); rr.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rr.Code)
	}
}

func TestPushRejectsBadToken(t *testing.T) {
	f := newFixture(t, defaultOptions())
	rr := f.do(http.MethodPost, "/push?token=wrong", "", push(account, 104))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("POST /push with a bad token = %d, want 401", rr.Code)
	}
}

func TestPushRejectsMalformed(t *testing.T) {
	f := newFixture(t, defaultOptions())
	for _, body := range []string{`{}`, `not json`, `{"message":{"data":"!!!","messageId":"x"},"subscription":"s"}`} {
		rr := f.do(http.MethodPost, "/push?token="+pushToken, "", strings.NewReader(body))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("POST /push %s = %d, want 400", body, rr.Code)
		}
	}
}

func TestPushReconciles(t *testing.T) {
	f := newFixture(t, defaultOptions())
	if rr := f.admin(http.MethodPost, "/admin/watches/"+principal, nil); rr.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rr.Code, rr.Body)
	}
	if err := f.registry.Attach(context.Background(), principal); err != nil {
		t.Fatal(err)
	}
	f.mb.Add("m1", 104, []string{"INBOX"},
		mailtest.Raw("Alice <alice@example.org>", account, "Dinner?", "Seven?\r\n"))

	rr := f.do(http.MethodPost, "/push?token="+pushToken, "", push(account, 104))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("POST /push = %d, want 204", rr.Code)
	}
	r, err := f.store.Get(context.Background(), principal)
	if err != nil {
		t.Fatal(err)
	}
	if r.Cursor != 104 || r.Stats.MessagesProcessed != 1 {
		t.Errorf("record after push = %+v, want cursor 104 with one message", r)
	}
	if n := len(f.submitter.Submissions()); n != 1 {
		t.Errorf("submissions = %d, want 1", n)
	}
}

// Notifications that cannot be processed are still acknowledged.
func TestPushAcknowledgesUnprocessable(t *testing.T) {
	f := newFixture(t, defaultOptions())
	rr := f.do(http.MethodPost, "/push?token="+pushToken, "", push("stranger@example.com", 7))
	if rr.Code != http.StatusNoContent {
		t.Errorf("POST /push for an unknown account = %d, want 204", rr.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	f := newFixture(t, defaultOptions())
	for _, token := range []string{"", "wrong"} {
		if rr := f.do(http.MethodGet, "/admin/watches", token, nil); rr.Code != http.StatusUnauthorized {
			t.Errorf("GET /admin/watches with token %q = %d, want 401", token, rr.Code)
		}
	}

	opts := defaultOptions()
	opts.AdminToken = ""
	f = newFixture(t, opts)
	if rr := f.do(http.MethodGet, "/admin/watches", "anything", nil); rr.Code != http.StatusForbidden {
		t.Errorf("GET /admin/watches with the API disabled = %d, want 403", rr.Code)
	}
}

func TestAdminLifecycle(t *testing.T) {
	f := newFixture(t, defaultOptions())
	base := "/admin/watches/" + principal

	rr := f.admin(http.MethodPost, base, strings.NewReader(`{"labelIds":["INBOX","IMPORTANT"]}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rr.Code, rr.Body)
	}
	var created watch.Record
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"INBOX", "IMPORTANT"}, created.LabelFilter.Include); diff != "" {
		t.Errorf("label filter mismatch (-want +got):\n%s", diff)
	}
	if created.Cursor != 100 || created.State != watch.StateActive {
		t.Errorf("created = %+v, want active at 100", created)
	}

	if rr := f.admin(http.MethodPost, base, nil); rr.Code != http.StatusConflict {
		t.Errorf("second create = %d, want 409", rr.Code)
	}

	rr = f.admin(http.MethodGet, base, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rr.Code, rr.Body)
	}
	var st map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st["accountMatches"] != true || st["principalId"] != principal {
		t.Errorf("status = %v, want a matching account for %s", st, principal)
	}

	rr = f.admin(http.MethodPost, base+"/renew", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("renew = %d %s", rr.Code, rr.Body)
	}
	var renewed watch.Record
	if err := json.NewDecoder(rr.Body).Decode(&renewed); err != nil {
		t.Fatal(err)
	}
	if renewed.SubscriptionID == created.SubscriptionID {
		t.Errorf("renew kept subscription %s, want a new one", renewed.SubscriptionID)
	}

	rr = f.admin(http.MethodGet, "/admin/watches", nil)
	var list []watch.Record
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].PrincipalID != principal {
		t.Errorf("list = %+v, want the one watch", list)
	}

	if rr := f.admin(http.MethodDelete, base, nil); rr.Code != http.StatusOK {
		t.Errorf("stop = %d, want 200", rr.Code)
	}
	rr = f.admin(http.MethodGet, "/admin/watches", nil)
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("active list after stop = %s, want []", got)
	}
}

func TestAdminNotFound(t *testing.T) {
	f := newFixture(t, defaultOptions())
	for _, tc := range []struct{ method, target string }{
		{http.MethodGet, "/admin/watches/nobody"},
		{http.MethodDelete, "/admin/watches/nobody"},
		{http.MethodPost, "/admin/watches/nobody/renew"},
	} {
		if rr := f.admin(tc.method, tc.target, nil); rr.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tc.method, tc.target, rr.Code)
		}
	}
}

func TestAdminOperations(t *testing.T) {
	f := newFixture(t, defaultOptions())
	if rr := f.admin(http.MethodPost, "/admin/watches/"+principal, nil); rr.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rr.Code, rr.Body)
	}

	rr := f.admin(http.MethodPost, "/admin/sweep", nil)
	var sweep schedule.SweepResult
	if err := json.NewDecoder(rr.Body).Decode(&sweep); err != nil || rr.Code != http.StatusOK {
		t.Fatalf("sweep = %d, %v", rr.Code, err)
	}
	if len(sweep.Renewed) != 0 {
		t.Errorf("sweep renewed %v, want nothing inside a 48h validity", sweep.Renewed)
	}

	rr = f.admin(http.MethodGet, "/admin/health", nil)
	var h schedule.Health
	if err := json.NewDecoder(rr.Body).Decode(&h); err != nil || rr.Code != http.StatusOK {
		t.Fatalf("health = %d, %v", rr.Code, err)
	}
	if h.Active != 1 || len(h.Checks) == 0 {
		t.Errorf("health = %+v, want one active watch", h)
	}

	// No listener is attached, so the scan reports the watch.
	rr = f.admin(http.MethodPost, "/admin/orphans/scan", nil)
	if got := strings.TrimSpace(rr.Body.String()); got != `{"reported":1}` {
		t.Errorf("orphan scan = %s", got)
	}
	if rr := f.admin(http.MethodGet, "/admin/orphans", nil); rr.Code != http.StatusOK {
		t.Errorf("orphan counters = %d", rr.Code)
	}

	if rr := f.admin(http.MethodPost, "/admin/pull", nil); rr.Code != http.StatusNotImplemented {
		t.Errorf("pull without a subscription = %d, want 501", rr.Code)
	}

	rr = f.admin(http.MethodPost, "/admin/stop-all", nil)
	if got := strings.TrimSpace(rr.Body.String()); got != `{"stopped":1}` {
		t.Errorf("stop-all = %s", got)
	}
}
