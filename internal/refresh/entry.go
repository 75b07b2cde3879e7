package refresh

import "time"

// Entry is one refresh obligation: a cached query, the identity it runs as
// and when it is next due.
type Entry struct {
	QueryID       string
	Owner         string
	NextExecution time.Time
	Interval      Interval

	// Bookkeeping updated by every cycle that processes the entry.
	LastExecution time.Time
	LastError     string
	Failures      int // consecutive failed executions
	Executions    int64
}

// Due reports whether the entry should run at now.
func (e Entry) Due(now time.Time) bool {
	return !e.NextExecution.After(now)
}

// Advance records the outcome of an execution at ranAt and moves
// NextExecution forward according to the entry's interval.
func (e *Entry) Advance(ranAt time.Time, execErr error) {
	e.LastExecution = ranAt
	e.Executions++
	if execErr != nil {
		e.LastError = execErr.Error()
		e.Failures++
	} else {
		e.LastError = ""
		e.Failures = 0
	}
	e.NextExecution = e.Interval.Next(ranAt)
}
