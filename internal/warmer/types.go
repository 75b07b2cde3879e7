package warmer

import (
	"context"
	"time"

	"cachewarmer/internal/eventbus"
	"cachewarmer/internal/refresh"
	"cachewarmer/internal/storage"
)

// Trigger registrations owned by the warmer.
const (
	Group = "cache"

	PrimaryTrigger = "cacheWarmer"
	BackupTrigger  = "backupCacheWarmer"

	PrimaryAction = "warmer.primary"
	BackupAction  = "warmer.backup"
)

const (
	DefaultSafetyDelay = time.Hour
	// DefaultBackupCron is the stock backup rule. With seconds first, 0/30
	// sits in the hour field and only matches 00:00:00; use "0 0/30 * * * ?"
	// for a half-hourly backup.
	DefaultBackupCron = "0 0 0/30 * * ?"

	defaultHistorySize = 50
)

// Executor runs the cached query behind an entry. ctx carries the owner's
// identity.
type Executor interface {
	Execute(ctx context.Context, e refresh.Entry) error
}

// Sessions derives an execution context acting as owner.
type Sessions interface {
	Impersonate(ctx context.Context, owner string) (context.Context, error)
}

// Triggers is the scheduler the warmer re-arms.
type Triggers interface {
	DeleteJob(name, group string) (bool, error)
	CreateOneShot(action, name, group string, fireAt time.Time) error
	CreateCron(action, name, group, rule string) error
}

type Config struct {
	BackupCron   string
	SafetyDelay  time.Duration // 0 means DefaultSafetyDelay
	EntryTimeout time.Duration // per-entry execution bound; 0 means none
	HistorySize  int
}

// Deps are the collaborators of a Warmer. Manager defaults to
// refresh.DefaultManager(), Now to time.Now.
type Deps struct {
	Store    storage.Store
	Triggers Triggers
	Sessions Sessions
	Executor Executor
	Manager  *refresh.Manager
	Bus      eventbus.Bus
	Now      func() time.Time
}

// Kind tells which trigger started a cycle.
type Kind string

const (
	KindPrimary Kind = "primary"
	KindBackup  Kind = "backup"
)

// State is the progress of a cycle.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateSafetyRescheduled
	StateDraining
	StateCompleted
	StateFailedRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateSafetyRescheduled:
		return "safety_rescheduled"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateFailedRolledBack:
		return "failed_rolled_back"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID       string
	Kind     Kind
	State    State
	Started  time.Time
	Finished time.Time

	SafetyAt time.Time // zero when nothing was due
	NextAt   time.Time // final primary arm; zero when the queue is empty

	Executed int // entries executed and requeued
	Failed   int // of Executed, entries whose execution failed
	Dropped  int // entries deleted from the store while queued
	Error    string
}

// EntryFailure is the payload of eventbus.EntryFailed.
type EntryFailure struct {
	QueryID  string
	Owner    string
	Failures int
	Error    string
}
