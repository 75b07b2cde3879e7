package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"cachewarmer/internal/storage"
	logx "cachewarmer/pkg/logx"
)

func newStarted(t *testing.T, store storage.JobStore) *Service {
	t.Helper()
	s := New(Config{Timezone: "UTC"}, store, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func counter() (Action, *atomic.Int32, chan struct{}) {
	var n atomic.Int32
	fired := make(chan struct{}, 16)
	return func(ctx context.Context) error {
		n.Add(1)
		fired <- struct{}{}
		return nil
	}, &n, fired
}

func waitFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not fire")
	}
}

func TestOneShotFiresOnceAndDropsRecord(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryJobs()
	s := newStarted(t, store)
	fn, n, fired := counter()
	s.Handle("warm", fn)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.CreateOneShot("warm", "cacheWarmer", "cache", time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("CreateOneShot: %v", err)
	}
	waitFired(t, fired)
	time.Sleep(50 * time.Millisecond)

	if got := n.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
	if jobs, _ := store.LoadJobs(context.Background()); len(jobs) != 0 {
		t.Fatalf("fired one-shot still persisted: %+v", jobs)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatalf("fired one-shot still registered: %+v", s.Snapshot())
	}
}

func TestOneShotReplacesPreviousRegistration(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryJobs()
	s := newStarted(t, store)
	fn, n, fired := counter()
	s.Handle("warm", fn)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	now := time.Now()
	if err := s.CreateOneShot("warm", "cacheWarmer", "cache", now.Add(time.Hour)); err != nil {
		t.Fatalf("CreateOneShot: %v", err)
	}
	if err := s.CreateOneShot("warm", "cacheWarmer", "cache", now.Add(30*time.Millisecond)); err != nil {
		t.Fatalf("CreateOneShot: %v", err)
	}
	jobs, _ := store.LoadJobs(context.Background())
	if len(jobs) != 1 {
		t.Fatalf("persisted %d registrations, want 1", len(jobs))
	}

	waitFired(t, fired)
	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
}

func TestDeleteJobCancelsRegistration(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryJobs()
	s := newStarted(t, store)
	fn, n, _ := counter()
	s.Handle("warm", fn)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.CreateOneShot("warm", "cacheWarmer", "cache", time.Now().Add(40*time.Millisecond)); err != nil {
		t.Fatalf("CreateOneShot: %v", err)
	}
	removed, err := s.DeleteJob("cacheWarmer", "cache")
	if err != nil || !removed {
		t.Fatalf("DeleteJob = %v, %v", removed, err)
	}
	time.Sleep(120 * time.Millisecond)
	if n.Load() != 0 {
		t.Fatal("deleted registration fired")
	}
	if removed, _ := s.DeleteJob("cacheWarmer", "cache"); removed {
		t.Fatal("second DeleteJob reported removal")
	}
}

func TestStartRestoresPersistedJobs(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryJobs()
	ctx := context.Background()
	_ = store.SaveJob(ctx, storage.JobRecord{
		Name: "cacheWarmer", Group: "cache", Action: "warm",
		Kind: storage.JobOnce, FireAt: time.Now().Add(-time.Minute),
	})
	_ = store.SaveJob(ctx, storage.JobRecord{
		Name: "backupCacheWarmer", Group: "cache", Action: "backup",
		Kind: storage.JobCron, Cron: "0 0/30 * * * ?",
	})

	s := newStarted(t, store)
	fn, _, fired := counter()
	s.Handle("warm", fn)
	s.Handle("backup", func(context.Context) error { return nil })
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Past-due one-shot fires right away.
	waitFired(t, fired)

	next, ok := s.Next("backupCacheWarmer", "cache")
	if !ok || next.IsZero() {
		t.Fatalf("cron registration not restored: %v %v", next, ok)
	}
	if next.Minute()%30 != 0 || next.Second() != 0 {
		t.Fatalf("backup next = %v, want a half-hour boundary", next)
	}
}

func TestRegistrationBeforeStartIsArmedOnStart(t *testing.T) {
	t.Parallel()
	s := newStarted(t, nil)
	fn, _, fired := counter()
	s.Handle("warm", fn)
	if err := s.CreateOneShot("warm", "cacheWarmer", "cache", time.Now()); err != nil {
		t.Fatalf("CreateOneShot: %v", err)
	}
	select {
	case <-fired:
		t.Fatal("fired before Start")
	case <-time.After(30 * time.Millisecond):
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFired(t, fired)
}

func TestCreateValidatesInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	if err := s.CreateCron("backup", "b", "cache", "not a cron"); err == nil {
		t.Fatal("expected error for invalid cron rule")
	}
	if err := s.CreateOneShot("warm", "", "cache", time.Now()); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.CreateOneShot("warm", "w", "cache", time.Time{}); err == nil {
		t.Fatal("expected error for zero fire time")
	}
}
