package schedule_test

import (
	"context"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/matta/mailwatch/internal/mailtest"
	"github.com/matta/mailwatch/internal/persist"
	"github.com/matta/mailwatch/internal/schedule"
	"github.com/matta/mailwatch/internal/subscription"
	"github.com/matta/mailwatch/internal/watch"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fixture struct {
	store  *persist.Memory
	opener *mailtest.Opener
	boxes  map[string]*mailtest.Mailbox
	mgr    *subscription.Manager
}

func newFixture() *fixture {
	f := &fixture{
		store:  persist.NewMemory(),
		opener: mailtest.NewOpener(),
		boxes:  map[string]*mailtest.Mailbox{},
	}
	f.mgr = subscription.NewManager(f.store, watch.NewKeyedMutex(), f.opener, &mailtest.Publisher{},
		subscription.Options{Topic: "projects/test/topics/mail", Validity: 7 * 24 * time.Hour}, quietLog())
	return f
}

// add stores an active record for id expiring after expires, created
// age ago.
func (f *fixture) add(t *testing.T, id string, expires, age time.Duration, errorCount int) {
	t.Helper()
	mb := mailtest.NewMailbox(id+"@example.com", 50)
	f.boxes[id] = mb
	f.opener.Set(id, mb)
	now := time.Now().UTC()
	err := f.store.Save(context.Background(), &watch.Record{
		PrincipalID:    id,
		Account:        id + "@example.com",
		SubscriptionID: "sub-" + id,
		Cursor:         50,
		State:          watch.StateActive,
		ExpiresAt:      now.Add(expires),
		CreatedAt:      now.Add(-age),
		LastRenewedAt:  now.Add(-age),
		Stats:          watch.Stats{ErrorCount: errorCount},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) get(t *testing.T, id string) *watch.Record {
	t.Helper()
	r, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSweepRenewsWithinWindow(t *testing.T) {
	f := newFixture()
	f.add(t, "soon", 23*time.Hour, time.Hour, 0)
	f.add(t, "later", 25*time.Hour, time.Hour, 0)
	s := schedule.New(f.mgr, f.opener, schedule.Options{RenewWindow: 24 * time.Hour}, quietLog())

	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"soon"}, res.Renewed); diff != "" {
		t.Errorf("Renewed mismatch (-want +got):\n%s", diff)
	}
	if r := f.get(t, "soon"); r.SubscriptionID == "sub-soon" || !r.ExpiresAt.After(time.Now().Add(6*24*time.Hour)) {
		t.Errorf("soon after sweep: %+v, want a new subscription expiring in a week", r)
	}
	if r := f.get(t, "later"); r.SubscriptionID != "sub-later" {
		t.Errorf("later was renewed: %+v", r)
	}
}

func TestSweepRetires(t *testing.T) {
	f := newFixture()
	f.add(t, "old", time.Hour, 31*24*time.Hour, 0)
	f.add(t, "failing", 2*time.Hour, time.Hour, 10)
	f.add(t, "fine", 2*time.Hour, time.Hour, 9)
	s := schedule.New(f.mgr, f.opener, schedule.Options{MaxAge: 30 * 24 * time.Hour, MaxErrors: 10}, quietLog())

	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var retired []string
	for id := range res.Retired {
		retired = append(retired, id)
	}
	sort.Strings(retired)
	if diff := cmp.Diff([]string{"failing", "old"}, retired); diff != "" {
		t.Errorf("Retired mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"fine"}, res.Renewed); diff != "" {
		t.Errorf("Renewed mismatch (-want +got):\n%s", diff)
	}
	for _, id := range []string{"old", "failing"} {
		if st := f.get(t, id).State; st != watch.StateStopped {
			t.Errorf("%s state = %s, want stopped", id, st)
		}
	}
}

func TestSweepFailureIsolated(t *testing.T) {
	f := newFixture()
	f.add(t, "a", time.Hour, time.Hour, 0)
	f.add(t, "b", time.Hour, time.Hour, 0)
	f.boxes["a"].WatchErr = watch.NewProviderError("users.watch", watch.KindTransient, fmt.Errorf("unavailable"))

	l, hook := logtest.NewNullLogger()
	s := schedule.New(f.mgr, f.opener, schedule.Options{}, logrus.NewEntry(l))
	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Failures["a"]; !ok || len(res.Failures) != 1 {
		t.Errorf("Failures = %v, want only a", res.Failures)
	}
	if diff := cmp.Diff([]string{"b"}, res.Renewed); diff != "" {
		t.Errorf("Renewed mismatch (-want +got):\n%s", diff)
	}
	found := false
	for _, e := range hook.AllEntries() {
		if e.Data["event"] == "renewal.failed" && e.Data["principal"] == "a" {
			found = true
		}
	}
	if !found {
		t.Error("no renewal.failed event logged for a")
	}
}

func TestClassify(t *testing.T) {
	pass := schedule.Check{Passed: true}
	fail := schedule.Check{}
	cases := []struct {
		checks []schedule.Check
		want   string
	}{
		{nil, schedule.Healthy},
		{[]schedule.Check{pass, pass, pass}, schedule.Healthy},
		{[]schedule.Check{pass, pass, fail}, schedule.Degraded},
		{[]schedule.Check{pass, fail}, schedule.Degraded},
		{[]schedule.Check{pass, fail, fail}, schedule.Unhealthy},
		{[]schedule.Check{fail, fail, fail}, schedule.Unhealthy},
	}
	for _, tc := range cases {
		if got := schedule.Classify(tc.checks); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.checks, got, tc.want)
		}
	}
}

func TestHealth(t *testing.T) {
	f := newFixture()
	f.add(t, "a", 3*24*time.Hour, time.Hour, 0)
	s := schedule.New(f.mgr, f.opener, schedule.Options{}, quietLog())
	ctx := context.Background()

	h, err := s.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != schedule.Healthy || len(h.Recommendations) != 0 {
		t.Errorf("Health() = %+v, want healthy with no recommendations", h)
	}

	f.add(t, "b", 2*time.Hour, time.Hour, 0)
	if err := f.store.RecordError(ctx, "b", "token revoked", time.Now()); err != nil {
		t.Fatal(err)
	}
	h, err = s.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != schedule.Unhealthy || h.Expiring != 1 || h.Erroring != 1 {
		t.Errorf("Health() = %+v, want unhealthy with one expiring and one erroring", h)
	}
	if len(h.Recommendations) != 2 {
		t.Errorf("Recommendations = %q, want two", h.Recommendations)
	}

	f.boxes["a"].ProfileErr = watch.NewProviderError("users.getProfile", watch.KindTransient, fmt.Errorf("down"))
	h, err = s.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Checks[0].Passed {
		t.Errorf("connectivity check = %+v, want failed", h.Checks[0])
	}
	if s.LastHealth() != h {
		t.Error("LastHealth() is not the latest sample")
	}
}

type stuckManager struct {
	*subscription.Manager
	release chan struct{}
}

// StopAll ignores ctx, like a provider call that hangs.
func (m *stuckManager) StopAll(ctx context.Context, concurrency int) (int, error) {
	<-m.release
	return 0, nil
}

func TestShutdownTimeout(t *testing.T) {
	f := newFixture()
	m := &stuckManager{Manager: f.mgr, release: make(chan struct{})}
	defer close(m.release)

	l, hook := logtest.NewNullLogger()
	s := schedule.New(m, f.opener, schedule.Options{
		StopOnShutdown:  true,
		ShutdownTimeout: 50 * time.Millisecond,
	}, logrus.NewEntry(l))

	start := time.Now()
	s.Shutdown(context.Background())
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Shutdown took %v, want about the shutdown timeout", d)
	}
	e := hook.LastEntry()
	if e == nil || e.Data["event"] != "shutdown.timeout" {
		t.Errorf("last log entry = %v, want shutdown.timeout", e)
	}
}

func TestShutdownStopsAll(t *testing.T) {
	f := newFixture()
	f.add(t, "a", 3*24*time.Hour, time.Hour, 0)
	f.add(t, "b", 3*24*time.Hour, time.Hour, 0)

	s := schedule.New(f.mgr, f.opener, schedule.Options{}, quietLog())
	if n := s.Shutdown(context.Background()); n != 0 {
		t.Errorf("Shutdown() without StopOnShutdown = %d, want 0", n)
	}

	s = schedule.New(f.mgr, f.opener, schedule.Options{StopOnShutdown: true}, quietLog())
	if n := s.Shutdown(context.Background()); n != 2 {
		t.Errorf("Shutdown() = %d, want 2", n)
	}
	for _, id := range []string{"a", "b"} {
		if st := f.get(t, id).State; st != watch.StateStopped {
			t.Errorf("%s state = %s, want stopped", id, st)
		}
	}
}
