package storage

import (
	"context"
	"errors"
	"time"

	"cachewarmer/internal/refresh"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("entry not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process maps, lost on restart (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store persists refresh entries.
type Store interface {
	// Begin opens the transactional scope of one cycle.
	Begin(ctx context.Context) (Tx, error)

	// Put registers or replaces an entry.
	Put(ctx context.Context, e refresh.Entry) error
	// Delete removes an entry. It reports whether something was removed.
	Delete(ctx context.Context, queryID string) (bool, error)
	// List returns all entries ordered by next execution.
	List(ctx context.Context) ([]refresh.Entry, error)

	Close() error
}

// Tx is a transactional scope. Nothing written through it is visible to
// other scopes until Commit; Rollback discards it. Rollback after Commit is
// a no-op.
type Tx interface {
	// LoadQueue returns every persisted entry.
	LoadQueue(ctx context.Context) ([]refresh.Entry, error)
	// Refresh re-reads the authoritative state of one entry.
	Refresh(ctx context.Context, queryID string) (refresh.Entry, error)
	// Update rewrites an existing entry.
	Update(ctx context.Context, e refresh.Entry) error

	Commit() error
	Rollback() error
}

// JobKind is the kind of a persisted trigger registration.
type JobKind string

const (
	JobOnce JobKind = "once"
	JobCron JobKind = "cron"
)

// JobRecord is one persisted trigger registration.
type JobRecord struct {
	Name    string
	Group   string
	Action  string
	Kind    JobKind
	FireAt  time.Time // JobOnce
	Cron    string    // JobCron
	Created time.Time
}

// JobStore persists trigger registrations.
type JobStore interface {
	SaveJob(ctx context.Context, j JobRecord) error
	DeleteJob(ctx context.Context, group, name string) error
	LoadJobs(ctx context.Context) ([]JobRecord, error)
	Close() error
}
