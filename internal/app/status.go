package app

import (
	"context"
	"time"

	"cachewarmer/internal/refresh"
	"cachewarmer/internal/runtime/supervisor"
	"cachewarmer/internal/trigger"
	"cachewarmer/internal/warmer"
)

// StatusDoc is the operational view served at /status.
type StatusDoc struct {
	Time          time.Time            `json:"time"`
	Queue         []QueuedEntry        `json:"queue"`
	Triggers      []trigger.JobInfo    `json:"triggers"`
	History       []warmer.CycleReport `json:"history"`
	Goroutines    []supervisor.Stat    `json:"goroutines"`
	EventsDropped uint64               `json:"events_dropped"`
}

type QueuedEntry struct {
	QueryID       string    `json:"query_id"`
	Owner         string    `json:"owner"`
	NextExecution time.Time `json:"next_execution"`
	Interval      string    `json:"interval"`
	LastExecution time.Time `json:"last_execution,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Failures      int       `json:"failures"`
	Executions    int64     `json:"executions"`
}

// Status implements the status server source.
func (a *App) Status(ctx context.Context) (any, error) {
	entries, err := a.store.List(ctx)
	if err != nil {
		return nil, err
	}
	q := refresh.NewQueue(entries...)
	queued := make([]QueuedEntry, 0, q.Len())
	for _, e := range q.Snapshot() {
		queued = append(queued, QueuedEntry{
			QueryID:       e.QueryID,
			Owner:         e.Owner,
			NextExecution: e.NextExecution,
			Interval:      e.Interval.String(),
			LastExecution: e.LastExecution,
			LastError:     e.LastError,
			Failures:      e.Failures,
			Executions:    e.Executions,
		})
	}
	return StatusDoc{
		Time:          time.Now(),
		Queue:         queued,
		Triggers:      a.trig.Snapshot(),
		History:       a.warm.History(),
		Goroutines:    a.Supervised(),
		EventsDropped: a.bus.Dropped(),
	}, nil
}
