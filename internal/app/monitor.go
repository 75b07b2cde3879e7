package app

import (
	"context"

	"cachewarmer/internal/eventbus"
	"cachewarmer/internal/warmer"
	logx "cachewarmer/pkg/logx"
)

// Failure counts at which the monitor escalates to error level.
const (
	cycleStreakAlert = 3
	entryStreakAlert = 5
)

// failureMonitor follows cycle events and reports failure streaks. Single
// goroutine; not safe for concurrent use.
type failureMonitor struct {
	log    logx.Logger
	streak int // consecutive rolled-back cycles
}

func newFailureMonitor(log logx.Logger) *failureMonitor {
	return &failureMonitor{log: log}
}

func (m *failureMonitor) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.observe(e)
		}
	}
}

func (m *failureMonitor) observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.CycleFailed:
		m.streak++
		rep, _ := e.Data.(warmer.CycleReport)
		fields := []logx.Field{
			logx.String("cycle", e.Cycle),
			logx.String("kind", string(rep.Kind)),
			logx.Int("streak", m.streak),
		}
		if m.streak >= cycleStreakAlert {
			m.log.Error("cycles keep rolling back; entries are not being refreshed", fields...)
			return
		}
		m.log.Warn("cycle rolled back", fields...)

	case eventbus.CycleCompleted:
		if m.streak > 0 {
			m.log.Info("cycles recovered", logx.String("cycle", e.Cycle), logx.Int("failed_before", m.streak))
		}
		m.streak = 0

	case eventbus.EntryFailed:
		f, ok := e.Data.(warmer.EntryFailure)
		if !ok || f.Failures < entryStreakAlert {
			return
		}
		m.log.Error("entry keeps failing",
			logx.String("query", f.QueryID),
			logx.String("owner", f.Owner),
			logx.Int("failures", f.Failures),
			logx.String("last_error", f.Error),
		)
	}
}
