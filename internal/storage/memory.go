package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cachewarmer/internal/refresh"
)

// memoryStore is a dependency-free backend that keeps entries in a map.
//
// Transactions are serialized through a one-slot semaphore and work on a
// private copy that replaces the committed map on Commit.
type memoryStore struct {
	sem chan struct{}

	mu      sync.Mutex
	entries map[string]refresh.Entry
}

// NewMemory returns an empty in-process entry store.
func NewMemory() Store {
	return &memoryStore{
		sem:     make(chan struct{}, 1),
		entries: map[string]refresh.Entry{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	work := make(map[string]refresh.Entry, len(s.entries))
	for k, v := range s.entries {
		work[k] = v
	}
	s.mu.Unlock()
	return &memoryTx{store: s, work: work}, nil
}

// acquire waits for the transaction slot. Writes outside a transaction take
// it too so a commit never overwrites them.
func (s *memoryStore) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memoryStore) Put(ctx context.Context, e refresh.Entry) error {
	if strings.TrimSpace(e.QueryID) == "" {
		return errors.New("query id required")
	}
	if e.Interval.IsZero() {
		return errors.New("interval required")
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { <-s.sem }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[e.QueryID]; ok {
		e.LastExecution = prev.LastExecution
		e.LastError = prev.LastError
		e.Failures = prev.Failures
		e.Executions = prev.Executions
	}
	s.entries[e.QueryID] = e
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, queryID string) (bool, error) {
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer func() { <-s.sem }()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[queryID]
	delete(s.entries, queryID)
	return ok, nil
}

func (s *memoryStore) List(ctx context.Context) ([]refresh.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedEntries(s.entries), nil
}

type memoryTx struct {
	store *memoryStore
	work  map[string]refresh.Entry
	done  bool
}

func (t *memoryTx) LoadQueue(ctx context.Context) ([]refresh.Entry, error) {
	if t.done {
		return nil, errTxDone
	}
	return sortedEntries(t.work), nil
}

func (t *memoryTx) Refresh(ctx context.Context, queryID string) (refresh.Entry, error) {
	if t.done {
		return refresh.Entry{}, errTxDone
	}
	e, ok := t.work[queryID]
	if !ok {
		return refresh.Entry{}, fmt.Errorf("%s: %w", queryID, ErrNotFound)
	}
	return e, nil
}

func (t *memoryTx) Update(ctx context.Context, e refresh.Entry) error {
	if t.done {
		return errTxDone
	}
	if _, ok := t.work[e.QueryID]; !ok {
		return fmt.Errorf("%s: %w", e.QueryID, ErrNotFound)
	}
	t.work[e.QueryID] = e
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.store.mu.Lock()
	t.store.entries = t.work
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *memoryTx) Rollback() error {
	if !t.done {
		t.finish()
	}
	return nil
}

func (t *memoryTx) finish() {
	t.done = true
	t.work = nil
	<-t.store.sem
}

var errTxDone = errors.New("transaction already finished")

func sortedEntries(m map[string]refresh.Entry) []refresh.Entry {
	out := make([]refresh.Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextExecution.Equal(out[j].NextExecution) {
			return out[i].NextExecution.Before(out[j].NextExecution)
		}
		return out[i].QueryID < out[j].QueryID
	})
	return out
}

// memoryJobStore keeps trigger registrations in a map.
type memoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]JobRecord
}

// NewMemoryJobs returns an empty in-process job store.
func NewMemoryJobs() JobStore {
	return &memoryJobStore{jobs: map[string]JobRecord{}}
}

func (s *memoryJobStore) SaveJob(ctx context.Context, j JobRecord) error {
	_ = ctx
	if j.Created.IsZero() {
		j.Created = time.Now()
	}
	s.mu.Lock()
	s.jobs[j.Group+"/"+j.Name] = j
	s.mu.Unlock()
	return nil
}

func (s *memoryJobStore) DeleteJob(ctx context.Context, group, name string) error {
	_ = ctx
	s.mu.Lock()
	delete(s.jobs, group+"/"+name)
	s.mu.Unlock()
	return nil
}

func (s *memoryJobStore) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *memoryJobStore) Close() error { return nil }
