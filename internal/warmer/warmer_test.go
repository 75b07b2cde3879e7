package warmer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cachewarmer/internal/eventbus"
	"cachewarmer/internal/refresh"
	"cachewarmer/internal/storage"
	logx "cachewarmer/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type registration struct {
	action string
	fireAt time.Time
	rule   string
}

type fakeTriggers struct {
	mu      sync.Mutex
	jobs    map[string]registration
	log     []string
	failOn  string
	failAt  int // fail only the Nth CreateOneShot call
	creates int
	deleted int
}

func newFakeTriggers() *fakeTriggers { return &fakeTriggers{jobs: map[string]registration{}} }

func (f *fakeTriggers) DeleteJob(name, group string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "delete:"+name)
	_, ok := f.jobs[group+"/"+name]
	delete(f.jobs, group+"/"+name)
	f.deleted++
	return ok, nil
}

func (f *fakeTriggers) CreateOneShot(action, name, group string, fireAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.failOn == "create" || f.creates == f.failAt {
		return errors.New("scheduler down")
	}
	key := group + "/" + name
	if _, dup := f.jobs[key]; dup {
		return fmt.Errorf("duplicate registration %s", key)
	}
	f.log = append(f.log, "once:"+name)
	f.jobs[key] = registration{action: action, fireAt: fireAt}
	return nil
}

func (f *fakeTriggers) CreateCron(action, name, group, rule string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := group + "/" + name
	if _, dup := f.jobs[key]; dup {
		return fmt.Errorf("duplicate registration %s", key)
	}
	f.log = append(f.log, "cron:"+name)
	f.jobs[key] = registration{action: action, rule: rule}
	return nil
}

func (f *fakeTriggers) primary() (registration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.jobs[Group+"/"+PrimaryTrigger]
	return r, ok
}

func (f *fakeTriggers) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

type ownerKey struct{}

type fakeSessions struct{}

func (fakeSessions) Impersonate(ctx context.Context, owner string) (context.Context, error) {
	if owner == "ghost" {
		return nil, errors.New("unknown user")
	}
	return context.WithValue(ctx, ownerKey{}, owner), nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	runs  []string
	as    []string
	hook  func(e refresh.Entry) error
	clock *clock
	spend time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, e refresh.Entry) error {
	f.mu.Lock()
	f.runs = append(f.runs, e.QueryID)
	owner, _ := ctx.Value(ownerKey{}).(string)
	f.as = append(f.as, owner)
	hook := f.hook
	f.mu.Unlock()
	if f.clock != nil && f.spend > 0 {
		f.clock.Advance(f.spend)
	}
	if hook != nil {
		return hook(e)
	}
	return nil
}

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

type fixture struct {
	w     *Warmer
	store storage.Store
	trig  *fakeTriggers
	exec  *fakeExecutor
	clock *clock
	bus   eventbus.Bus
}

func newFixture(t *testing.T, store storage.Store, entries ...refresh.Entry) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	for _, e := range entries {
		if err := store.Put(context.Background(), e); err != nil {
			t.Fatalf("Put %s: %v", e.QueryID, err)
		}
	}
	c := &clock{now: t0}
	f := &fixture{
		store: store,
		trig:  newFakeTriggers(),
		exec:  &fakeExecutor{clock: c},
		clock: c,
		bus:   eventbus.New(),
	}
	w, err := New(Config{}, Deps{
		Store:    store,
		Triggers: f.trig,
		Sessions: fakeSessions{},
		Executor: f.exec,
		Manager:  refresh.NewManager(),
		Bus:      f.bus,
		Now:      c.Now,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.w = w
	return f
}

func entry(id string, offset time.Duration, interval string) refresh.Entry {
	return refresh.Entry{
		QueryID:       id,
		Owner:         "owner-" + id,
		NextExecution: t0.Add(offset),
		Interval:      refresh.MustParseInterval(interval),
	}
}

func persisted(t *testing.T, st storage.Store) map[string]refresh.Entry {
	t.Helper()
	list, err := st.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	out := make(map[string]refresh.Entry, len(list))
	for _, e := range list {
		out[e.QueryID] = e
	}
	return out
}

func TestCycleExecutesDueEntryAndRearms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil,
		entry("A", -5*time.Minute, "30m"),
		entry("B", 2*time.Hour, "1h"),
	)

	var safety registration
	f.exec.hook = func(e refresh.Entry) error {
		safety, _ = f.trig.primary()
		return nil
	}

	rep, err := f.w.Cycle(context.Background(), KindPrimary)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.State != StateCompleted || rep.Executed != 1 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}

	// The safety trigger was already registered while A executed.
	if !safety.fireAt.Equal(t0.Add(time.Hour)) || safety.action != PrimaryAction {
		t.Fatalf("safety registration during execution = %+v", safety)
	}
	if got := f.exec.executed(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("executed = %v, want [A]", got)
	}
	if f.exec.as[0] != "owner-A" {
		t.Fatalf("executed as %q, want owner-A", f.exec.as[0])
	}

	saved := persisted(t, f.store)
	if want := t0.Add(30 * time.Minute); !saved["A"].NextExecution.Equal(want) {
		t.Fatalf("A.next = %v, want %v", saved["A"].NextExecution, want)
	}
	final, ok := f.trig.primary()
	if !ok || !final.fireAt.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("final primary = %+v, %v", final, ok)
	}

	want := []string{"delete:" + PrimaryTrigger, "once:" + PrimaryTrigger, "delete:" + PrimaryTrigger, "once:" + PrimaryTrigger}
	if got := f.trig.calls(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("trigger calls = %v, want %v", got, want)
	}
}

func TestCycleWithNothingDueChangesNothing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		entries []refresh.Entry
	}{
		{name: "empty queue"},
		{name: "not yet due", entries: []refresh.Entry{entry("A", time.Minute, "10m")}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil, tt.entries...)
			before := persisted(t, f.store)

			if err := f.w.RunPrimaryCycle(context.Background()); err != nil {
				t.Fatalf("cycle: %v", err)
			}
			if calls := f.trig.calls(); len(calls) != 0 {
				t.Fatalf("trigger calls = %v, want none", calls)
			}
			if len(f.exec.executed()) != 0 {
				t.Fatal("executed entries with nothing due")
			}
			after := persisted(t, f.store)
			for id, e := range before {
				if !after[id].NextExecution.Equal(e.NextExecution) {
					t.Fatalf("%s changed: %v -> %v", id, e.NextExecution, after[id].NextExecution)
				}
			}
		})
	}
}

func TestCycleFailingEntryIsRequeued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil,
		entry("bad", -time.Minute, "10m"),
		entry("panics", -time.Minute, "10m"),
		entry("ghost", -time.Minute, "10m"),
		entry("good", -time.Minute, "10m"),
	)
	// Owner "ghost" cannot be impersonated.
	ghost := entry("ghost", -time.Minute, "10m")
	ghost.Owner = "ghost"
	_ = f.store.Put(context.Background(), ghost)

	failures, unsub := f.bus.Subscribe(8, eventbus.EntryFailed)
	defer unsub()

	f.exec.hook = func(e refresh.Entry) error {
		switch e.QueryID {
		case "bad":
			return errors.New("query failed")
		case "panics":
			panic("boom")
		}
		return nil
	}

	rep, err := f.w.Cycle(context.Background(), KindPrimary)
	if err != nil {
		t.Fatalf("entry failures must not fail the cycle: %v", err)
	}
	if rep.Executed != 4 || rep.Failed != 3 {
		t.Fatalf("report = %+v", rep)
	}

	saved := persisted(t, f.store)
	for _, id := range []string{"bad", "panics", "ghost"} {
		e := saved[id]
		if !e.NextExecution.After(t0.Add(-time.Minute)) || e.Failures != 1 || e.LastError == "" {
			t.Fatalf("%s not requeued with failure recorded: %+v", id, e)
		}
	}
	if saved["good"].Failures != 0 || saved["good"].Executions != 1 {
		t.Fatalf("good = %+v", saved["good"])
	}
	if len(failures) != 3 {
		t.Fatalf("entry.failed events = %d, want 3", len(failures))
	}
}

func TestCycleCommitFailureRollsBack(t *testing.T) {
	t.Parallel()
	inner := storage.NewMemory()
	st := &faultyStore{Store: inner, failCommit: true}
	f := newFixture(t, st,
		entry("A", -5*time.Minute, "30m"),
		entry("B", -time.Minute, "30m"),
	)
	failed, unsub := f.bus.Subscribe(2, eventbus.CycleFailed)
	defer unsub()

	rep, err := f.w.Cycle(context.Background(), KindPrimary)
	if err == nil {
		t.Fatal("expected cycle failure")
	}
	if rep.State != StateFailedRolledBack || rep.Executed != 2 {
		t.Fatalf("report = %+v", rep)
	}

	saved := persisted(t, inner)
	if !saved["A"].NextExecution.Equal(t0.Add(-5*time.Minute)) || saved["A"].Executions != 0 {
		t.Fatalf("A leaked past rollback: %+v", saved["A"])
	}
	if !saved["B"].NextExecution.Equal(t0.Add(-time.Minute)) {
		t.Fatalf("B leaked past rollback: %+v", saved["B"])
	}
	if len(failed) != 1 {
		t.Fatal("cycle.failed not published")
	}
	if reg, ok := f.trig.primary(); !ok || !reg.fireAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("primary after failed commit = %+v, %v; want safety at +1h", reg, ok)
	}

	// The store is usable again after the rollback.
	st.failCommit = false
	if err := f.w.RunBackupCycle(context.Background()); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
}

func TestCycleSafetyTriggerSurvivesDrainFailure(t *testing.T) {
	t.Parallel()
	st := &faultyStore{Store: storage.NewMemory(), failUpdate: true}
	f := newFixture(t, st, entry("A", -time.Minute, "10m"))

	if err := f.w.RunPrimaryCycle(context.Background()); err == nil {
		t.Fatal("expected cycle failure")
	}
	reg, ok := f.trig.primary()
	if !ok || !reg.fireAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("primary after failed drain = %+v, %v; want safety at +1h", reg, ok)
	}
	if h := f.w.History(); len(h) != 1 || h[0].State != StateFailedRolledBack || h[0].SafetyAt.IsZero() {
		t.Fatalf("history = %+v", h)
	}
}

func TestCycleFinalRearmFailureRestoresSafetyTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil,
		entry("A", -5*time.Minute, "24h"),
		entry("B", 2*time.Hour, "24h"),
	)
	// The safety create succeeds; the final one fails after its delete.
	f.trig.failAt = 2

	rep, err := f.w.Cycle(context.Background(), KindPrimary)
	if err == nil {
		t.Fatal("expected cycle failure")
	}
	if rep.State != StateFailedRolledBack || rep.Executed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	reg, ok := f.trig.primary()
	if !ok || !reg.fireAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("primary after failed final rearm = %+v, %v; want safety at +1h", reg, ok)
	}
}

func TestCycleSafetyRearmFailureAbortsBeforeExecution(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, entry("A", -time.Minute, "10m"))
	f.trig.failOn = "create"

	if err := f.w.RunPrimaryCycle(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if len(f.exec.executed()) != 0 {
		t.Fatal("entry executed without a safety trigger")
	}
}

func TestCycleResamplesNowWhileDraining(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil,
		entry("A", -time.Minute, "1h"),
		entry("B", 30*time.Second, "1h"),
		entry("C", 10*time.Minute, "1h"),
	)
	// Each execution takes a minute: B becomes due while A runs, C does not.
	f.exec.spend = time.Minute

	rep, err := f.w.Cycle(context.Background(), KindPrimary)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := f.exec.executed(); fmt.Sprint(got) != "[A B]" {
		t.Fatalf("executed = %v, want [A B]", got)
	}
	if !rep.NextAt.Equal(t0.Add(10 * time.Minute)) {
		t.Fatalf("NextAt = %v, want C's time", rep.NextAt)
	}
}

func TestCycleNeverExecutesEntryTwice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil,
		entry("fast", -time.Minute, "1s"),
		entry("other", -30*time.Second, "1h"),
	)
	// Every execution outlasts fast's interval, so fast is due again at once.
	f.exec.spend = 5 * time.Second

	rep, err := f.w.Cycle(context.Background(), KindPrimary)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got := f.exec.executed()
	if fmt.Sprint(got) != "[fast other]" {
		t.Fatalf("executed = %v, want each entry once", got)
	}
	// fast is overdue, so the primary trigger points into the past.
	if !rep.NextAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("NextAt = %v, want %v", rep.NextAt, t0.Add(time.Second))
	}
	if q := f.w.deps.Manager.Queue(); q.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", q.Len())
	}
}

func TestCycleDropsEntryDeletedWhileQueued(t *testing.T) {
	t.Parallel()
	st := &faultyStore{Store: storage.NewMemory(), vanish: "gone"}
	f := newFixture(t, st,
		entry("gone", -time.Minute, "10m"),
		entry("kept", -time.Minute, "10m"),
	)
	rep, err := f.w.Cycle(context.Background(), KindBackup)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.Dropped != 1 || rep.Executed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := f.exec.executed(); fmt.Sprint(got) != "[kept]" {
		t.Fatalf("executed = %v", got)
	}
}

func TestCycleEmptiedQueueDisarmsPrimary(t *testing.T) {
	t.Parallel()
	st := &faultyStore{Store: storage.NewMemory(), vanish: "only"}
	f := newFixture(t, st, entry("only", -time.Minute, "10m"))

	rep, err := f.w.Cycle(context.Background(), KindPrimary)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if _, ok := f.trig.primary(); ok {
		t.Fatal("primary still armed with an empty queue")
	}
	if !rep.NextAt.IsZero() {
		t.Fatalf("NextAt = %v, want zero", rep.NextAt)
	}
}

func TestEntryTimeoutBoundsExecution(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, entry("slow", -time.Minute, "10m"))
	f.w.cfg.EntryTimeout = 20 * time.Millisecond
	f.exec.hook = nil

	blocking := &blockingExecutor{}
	f.w.deps.Executor = blocking

	rep, err := f.w.Cycle(context.Background(), KindPrimary)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if e := persisted(t, f.store)["slow"]; e.LastError != context.DeadlineExceeded.Error() {
		t.Fatalf("LastError = %q", e.LastError)
	}
}

type blockingExecutor struct{}

func (blockingExecutor) Execute(ctx context.Context, _ refresh.Entry) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestArmBackupReplacesRegistration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	if err := f.w.ArmBackup(""); err != nil {
		t.Fatalf("ArmBackup: %v", err)
	}
	if err := f.w.ArmBackup("0 0/30 * * * ?"); err != nil {
		t.Fatalf("ArmBackup again: %v", err)
	}
	f.trig.mu.Lock()
	reg := f.trig.jobs[Group+"/"+BackupTrigger]
	f.trig.mu.Unlock()
	if reg.rule != "0 0/30 * * * ?" || reg.action != BackupAction {
		t.Fatalf("backup registration = %+v", reg)
	}
	if f.w.cfg.BackupCron != DefaultBackupCron {
		t.Fatalf("default rule = %q", f.w.cfg.BackupCron)
	}
}

func TestApplyKeepsDefaultsAndFeedsArmBackup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.w.Apply(Config{BackupCron: " @hourly ", SafetyDelay: -time.Minute, EntryTimeout: -time.Second})
	cfg := f.w.config()
	if cfg.BackupCron != "@hourly" || cfg.SafetyDelay != DefaultSafetyDelay || cfg.EntryTimeout != 0 || cfg.HistorySize != defaultHistorySize {
		t.Fatalf("config after Apply = %+v", cfg)
	}
	if err := f.w.ArmBackup(""); err != nil {
		t.Fatalf("ArmBackup: %v", err)
	}
	f.trig.mu.Lock()
	reg := f.trig.jobs[Group+"/"+BackupTrigger]
	f.trig.mu.Unlock()
	if reg.rule != "@hourly" {
		t.Fatalf("backup rule = %q", reg.rule)
	}
}

func TestArmPrimaryPointsAtEarliestEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil,
		entry("later", time.Hour, "1h"),
		entry("sooner", 10*time.Minute, "1h"),
	)
	if err := f.w.ArmPrimary(context.Background()); err != nil {
		t.Fatalf("ArmPrimary: %v", err)
	}
	reg, ok := f.trig.primary()
	if !ok || !reg.fireAt.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("primary = %+v, %v", reg, ok)
	}

	empty := newFixture(t, nil)
	if err := empty.w.ArmPrimary(context.Background()); err != nil {
		t.Fatalf("ArmPrimary empty: %v", err)
	}
	if _, ok := empty.trig.primary(); ok {
		t.Fatal("primary armed with an empty store")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.w.cfg.HistorySize = 3
	for i := 0; i < 5; i++ {
		if err := f.w.RunBackupCycle(context.Background()); err != nil {
			t.Fatalf("cycle: %v", err)
		}
	}
	h := f.w.History()
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 3", len(h))
	}
	seen := map[string]bool{}
	for _, r := range h {
		if r.Kind != KindBackup || r.ID == "" || seen[r.ID] {
			t.Fatalf("history entry = %+v", r)
		}
		seen[r.ID] = true
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	if StateSafetyRescheduled.String() != "safety_rescheduled" || State(99).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}

// faultyStore injects infrastructure failures into an otherwise working store.
type faultyStore struct {
	storage.Store
	failCommit bool
	failUpdate bool
	vanish     string
}

func (s *faultyStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, s: s}, nil
}

type faultyTx struct {
	storage.Tx
	s *faultyStore
}

func (t *faultyTx) Refresh(ctx context.Context, id string) (refresh.Entry, error) {
	if id == t.s.vanish {
		return refresh.Entry{}, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	return t.Tx.Refresh(ctx, id)
}

func (t *faultyTx) Update(ctx context.Context, e refresh.Entry) error {
	if t.s.failUpdate {
		return errors.New("disk I/O error")
	}
	return t.Tx.Update(ctx, e)
}

func (t *faultyTx) Commit() error {
	if t.s.failCommit {
		return errors.New("database is locked")
	}
	return t.Tx.Commit()
}
