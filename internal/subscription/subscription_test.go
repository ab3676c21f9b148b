package subscription_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/matta/mailwatch/internal/mailtest"
	"github.com/matta/mailwatch/internal/notify"
	"github.com/matta/mailwatch/internal/persist"
	"github.com/matta/mailwatch/internal/subscription"
	mailsync "github.com/matta/mailwatch/internal/sync"
	"github.com/matta/mailwatch/internal/watch"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	principal = "p1"
	account   = "p1@example.com"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fixture struct {
	store     *persist.Memory
	locker    *watch.KeyedMutex
	opener    *mailtest.Opener
	mb        *mailtest.Mailbox
	publisher *mailtest.Publisher
	mgr       *subscription.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     persist.NewMemory(),
		locker:    watch.NewKeyedMutex(),
		opener:    mailtest.NewOpener(),
		mb:        mailtest.NewMailbox(account, 100),
		publisher: &mailtest.Publisher{},
	}
	f.opener.Set(principal, f.mb)
	f.mgr = subscription.NewManager(f.store, f.locker, f.opener, f.publisher, subscription.Options{
		Topic:    "projects/test/topics/mail",
		Validity: 48 * time.Hour,
	}, quietLog())
	return f
}

func (f *fixture) create(t *testing.T) *watch.Record {
	t.Helper()
	rec, err := f.mgr.Create(context.Background(), principal, watch.LabelFilter{Include: []string{"INBOX"}})
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	return rec
}

func (f *fixture) record(t *testing.T) *watch.Record {
	t.Helper()
	r, err := f.store.Get(context.Background(), principal)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	start := time.Now()
	rec := f.create(t)

	if rec.State != watch.StateActive || rec.Cursor != 100 || rec.Account != account {
		t.Errorf("Create() = %+v, want active at cursor 100 for %s", rec, account)
	}
	if rec.ExpiresAt.Before(start.Add(48*time.Hour)) || rec.ExpiresAt.After(time.Now().Add(48*time.Hour)) {
		t.Errorf("ExpiresAt = %v, want the validity window from now", rec.ExpiresAt)
	}
	if diff := cmp.Diff(rec, f.record(t)); diff != "" {
		t.Errorf("stored record mismatch (-returned +stored):\n%s", diff)
	}

	_, err := f.mgr.Create(context.Background(), principal, watch.LabelFilter{})
	if !errors.Is(err, watch.ErrAlreadyActive) {
		t.Errorf("second Create() = %v, want ErrAlreadyActive", err)
	}
	if n := f.mb.Calls("watch"); n != 1 {
		t.Errorf("provider watch calls = %d, want 1", n)
	}
}

func TestCreateAccountOwnedByOtherPrincipal(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.opener.Set("p2", f.mb)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "p2", watch.LabelFilter{Include: []string{"INBOX"}})
	if !errors.Is(err, watch.ErrAlreadyActive) {
		t.Errorf("Create(p2) = %v, want ErrAlreadyActive", err)
	}
	if n := f.mb.Calls("watch"); n != 1 {
		t.Errorf("provider watch calls = %d, want 1", n)
	}
	if _, err := f.store.Get(ctx, "p2"); !errors.Is(err, watch.ErrNotFound) {
		t.Errorf("Get(p2) = %v, want ErrNotFound", err)
	}

	if _, err := f.mgr.Stop(ctx, principal); err != nil {
		t.Fatal(err)
	}
	rec, err := f.mgr.Create(ctx, "p2", watch.LabelFilter{Include: []string{"INBOX"}})
	if err != nil || rec.Account != account {
		t.Errorf("Create(p2) after stopping p1 = %+v, %v, want a watch of %s", rec, err, account)
	}
}

func TestCreateUsesProviderExpiration(t *testing.T) {
	f := newFixture(t)
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	f.mb.Expiration = exp
	if rec := f.create(t); !rec.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, exp)
	}
}

func TestCreateProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.mb.WatchErr = watch.NewProviderError("users.watch", watch.KindTransient, fmt.Errorf("boom"))
	if _, err := f.mgr.Create(context.Background(), principal, watch.LabelFilter{}); err == nil {
		t.Fatal("Create() succeeded, want an error")
	}
	if _, err := f.store.Get(context.Background(), principal); !errors.Is(err, watch.ErrNotFound) {
		t.Errorf("Get() after failed create = %v, want ErrNotFound", err)
	}
}

// A freshly created watch feeds the reconciler: the first notification
// at the creation cursor is a duplicate and a later one is processed.
func TestCreateThenReconcile(t *testing.T) {
	f := newFixture(t)
	f.create(t)

	listeners := mailtest.NewListeners()
	listeners.Set(principal, 1)
	submitter := &mailtest.Submitter{}
	r := mailsync.NewReconciler(mailsync.Deps{
		Store:     f.store,
		Locker:    f.locker,
		Opener:    f.opener,
		Submitter: submitter,
		Publisher: f.publisher,
		Listeners: listeners,
		Orphans:   &mailtest.Orphans{},
	}, mailsync.Options{RequireListener: true}, quietLog())

	ctx := context.Background()
	res, err := r.Reconcile(ctx, &notify.Notification{Account: account, Cursor: 100, DeliveryID: "d1"})
	if err != nil || res.Outcome != mailsync.OutcomeDuplicate {
		t.Fatalf("Reconcile(100) = %+v, %v, want duplicate", res, err)
	}

	f.mb.Add("m1", 104, []string{"INBOX"},
		mailtest.Raw("Alice <alice@example.org>", account, "Dinner?", "Seven?\r\n"))
	res, err = r.Reconcile(ctx, &notify.Notification{Account: account, Cursor: 104, DeliveryID: "d2"})
	if err != nil || res.Outcome != mailsync.OutcomeProcessed || res.Processed != 1 {
		t.Fatalf("Reconcile(104) = %+v, %v, want one processed", res, err)
	}
	if got := f.record(t).Cursor; got != 104 {
		t.Errorf("cursor = %d, want 104", got)
	}
	if n := len(submitter.Submissions()); n != 1 {
		t.Errorf("submissions = %d, want 1", n)
	}
}

func TestRenew(t *testing.T) {
	f := newFixture(t)
	old := f.create(t)
	ctx := context.Background()
	if err := f.store.RecordError(ctx, principal, "flaky", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.CompleteCycle(ctx, principal, watch.Cycle{Cursor: 150, Notifications: 1}); err != nil {
		t.Fatal(err)
	}

	rec, err := f.mgr.Renew(ctx, old.SubscriptionID)
	if err != nil {
		t.Fatalf("Renew() = %v", err)
	}
	if rec.SubscriptionID == old.SubscriptionID {
		t.Error("Renew() kept the old subscription id")
	}
	if rec.State != watch.StateActive || rec.Stats.ErrorCount != 0 {
		t.Errorf("Renew() = state %s errors %d, want active with no errors", rec.State, rec.Stats.ErrorCount)
	}
	if rec.Cursor != 150 {
		t.Errorf("cursor = %d after renew, want 150", rec.Cursor)
	}
	if diff := cmp.Diff(old.LabelFilter, rec.LabelFilter); diff != "" {
		t.Errorf("label filter changed (-old +new):\n%s", diff)
	}
	if n := f.mb.Calls("stop"); n != 1 {
		t.Errorf("provider stop calls = %d, want 1", n)
	}

	if _, err := f.mgr.Renew(ctx, old.SubscriptionID); !errors.Is(err, watch.ErrNotFound) {
		t.Errorf("Renew(superseded) = %v, want ErrNotFound", err)
	}
	if _, err := f.mgr.RenewPrincipal(ctx, principal); err != nil {
		t.Errorf("RenewPrincipal() = %v", err)
	}
}

func TestRenewStopFailureIgnored(t *testing.T) {
	f := newFixture(t)
	old := f.create(t)
	f.mb.StopErr = watch.NewProviderError("users.stop", watch.KindTransient, fmt.Errorf("unavailable"))
	if _, err := f.mgr.Renew(context.Background(), old.SubscriptionID); err != nil {
		t.Errorf("Renew() = %v, want success despite stop failure", err)
	}
}

func TestRenewFailureRecordsError(t *testing.T) {
	f := newFixture(t)
	old := f.create(t)
	f.mb.WatchErr = watch.NewProviderError("users.watch", watch.KindTransient, fmt.Errorf("unavailable"))
	if _, err := f.mgr.Renew(context.Background(), old.SubscriptionID); err == nil {
		t.Fatal("Renew() succeeded, want an error")
	}
	rec := f.record(t)
	if rec.State != watch.StateErroring || rec.Stats.ErrorCount != 1 || rec.SubscriptionID != old.SubscriptionID {
		t.Errorf("after failed renew: %+v, want erroring with one error on the old subscription", rec)
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	ctx := context.Background()

	// The provider no longer knows the watch; that is success.
	f.mb.StopErr = watch.NewProviderError("users.stop", watch.KindNotFound, fmt.Errorf("gone"))
	ok, err := f.mgr.Stop(ctx, principal)
	if err != nil || !ok {
		t.Fatalf("Stop() = %v, %v, want true", ok, err)
	}
	if s := f.record(t).State; s != watch.StateStopped {
		t.Errorf("state = %s, want stopped", s)
	}
	if n := len(f.publisher.Events(mailsync.EventWatchStopped)); n != 1 {
		t.Errorf("%s events = %d, want 1", mailsync.EventWatchStopped, n)
	}

	ok, err = f.mgr.Stop(ctx, "nobody")
	if err != nil || ok {
		t.Errorf("Stop(nobody) = %v, %v, want false", ok, err)
	}

	// A stopped watch can be created again.
	f.mb.StopErr = nil
	if rec := f.create(t); rec.State != watch.StateActive {
		t.Errorf("recreated state = %s, want active", rec.State)
	}
}

func TestStopProviderFailureStillDeactivates(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.mb.StopErr = watch.NewProviderError("users.stop", watch.KindTransient, fmt.Errorf("unavailable"))
	ok, err := f.mgr.Stop(context.Background(), principal)
	if err != nil || !ok {
		t.Fatalf("Stop() = %v, %v, want true", ok, err)
	}
	if s := f.record(t).State; s != watch.StateStopped {
		t.Errorf("state = %s, want stopped", s)
	}
}

func TestFindNeedingRenewal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	save := func(id string, expires time.Duration, state watch.State) {
		t.Helper()
		err := f.store.Save(ctx, &watch.Record{
			PrincipalID:    id,
			Account:        id + "@example.com",
			SubscriptionID: "sub-" + id,
			Cursor:         1,
			State:          state,
			ExpiresAt:      now.Add(expires),
			CreatedAt:      now,
			LastRenewedAt:  now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	save("soon", 23*time.Hour, watch.StateActive)
	save("later", 25*time.Hour, watch.StateActive)
	save("stopped", time.Hour, watch.StateStopped)
	save("erroring", 2*time.Hour, watch.StateErroring)

	recs, err := f.mgr.FindNeedingRenewal(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range recs {
		got = append(got, r.PrincipalID)
	}
	if diff := cmp.Diff([]string{"erroring", "soon"}, got); diff != "" {
		t.Errorf("FindNeedingRenewal() mismatch (-want +got):\n%s", diff)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	ctx := context.Background()

	st, err := f.mgr.Status(ctx, principal)
	if err != nil {
		t.Fatal(err)
	}
	if st.AccountMatches == nil || !*st.AccountMatches {
		t.Errorf("AccountMatches = %v, want true", st.AccountMatches)
	}

	f.mb.Email = "someone-else@example.com"
	st, err = f.mgr.Status(ctx, principal)
	if err != nil {
		t.Fatal(err)
	}
	if st.AccountMatches == nil || *st.AccountMatches {
		t.Errorf("AccountMatches = %v, want false after the credential changed mailbox", st.AccountMatches)
	}

	f.mb.ProfileErr = watch.NewProviderError("users.getProfile", watch.KindAuth, fmt.Errorf("revoked"))
	st, err = f.mgr.Status(ctx, principal)
	if err != nil {
		t.Fatal(err)
	}
	if st.AccountMatches != nil || st.ProfileError == "" {
		t.Errorf("Status() = %+v, want a profile error and unknown match", st)
	}

	if _, err := f.mgr.Status(ctx, "nobody"); !errors.Is(err, watch.ErrNotFound) {
		t.Errorf("Status(nobody) = %v, want ErrNotFound", err)
	}
}

func TestStopAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("p%d", i+10)
		f.opener.Set(id, mailtest.NewMailbox(id+"@example.com", 10))
		if _, err := f.mgr.Create(ctx, id, watch.LabelFilter{}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := f.mgr.StopAll(ctx, 2)
	if err != nil || n != 5 {
		t.Errorf("StopAll() = %d, %v, want 5", n, err)
	}
	live, err := f.mgr.List(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 0 {
		t.Errorf("%d live records after StopAll, want 0", len(live))
	}
}
