package warmer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"cachewarmer/internal/eventbus"
	"cachewarmer/internal/refresh"
	"cachewarmer/internal/storage"
	logx "cachewarmer/pkg/logx"
)

func (w *Warmer) runCycle(ctx context.Context, kind Kind) (rep CycleReport, err error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	cfg := w.config()
	rep = CycleReport{ID: uuid.NewString(), Kind: kind, State: StateStarted, Started: w.deps.Now()}
	log := w.log.With(logx.String("cycle", rep.ID), logx.String("kind", string(kind)))
	defer func() {
		rep.Finished = w.deps.Now()
		if err != nil {
			rep.State = StateFailedRolledBack
			rep.Error = err.Error()
			log.Error("cycle failed; rolled back", logx.Err(err), logx.Int("executed", rep.Executed))
			// Rolled-back entries are still due; only the safety time may stay armed.
			if !rep.SafetyAt.IsZero() {
				if rerr := w.armPrimary(rep.SafetyAt); rerr != nil {
					log.Error("restore safety trigger failed", logx.Err(rerr), logx.Time("fire_at", rep.SafetyAt))
				}
			}
		}
		w.record(rep)
		w.publish(rep)
	}()

	tx, err := w.deps.Store.Begin(ctx)
	if err != nil {
		return rep, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn("rollback failed", logx.Err(rbErr))
		}
	}()

	entries, err := tx.LoadQueue(ctx)
	if err != nil {
		return rep, fmt.Errorf("load queue: %w", err)
	}
	q := w.deps.Manager.Queue()
	q.Reset(entries)

	top, ok := q.Peek()
	if !ok || !top.Due(w.deps.Now()) {
		if err := tx.Commit(); err != nil {
			return rep, fmt.Errorf("commit: %w", err)
		}
		committed = true
		rep.State = StateCompleted
		log.Debug("nothing due", logx.Int("queued", len(entries)))
		return rep, nil
	}

	// Durable before any entry runs; bounds the outage if the rest fails.
	rep.SafetyAt = w.deps.Now().Add(cfg.SafetyDelay)
	if err := w.armPrimary(rep.SafetyAt); err != nil {
		return rep, fmt.Errorf("safety rearm: %w", err)
	}
	rep.State = StateSafetyRescheduled
	log.Debug("safety trigger armed", logx.Time("fire_at", rep.SafetyAt))

	rep.State = StateDraining
	if err := w.drain(ctx, tx, q, cfg.EntryTimeout, &rep, log); err != nil {
		return rep, err
	}

	if next, ok := q.Peek(); ok {
		rep.NextAt = next.NextExecution
		err = w.armPrimary(rep.NextAt)
	} else {
		err = w.disarmPrimary()
	}
	if err != nil {
		return rep, fmt.Errorf("final rearm: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return rep, fmt.Errorf("commit: %w", err)
	}
	committed = true
	rep.State = StateCompleted

	fields := []logx.Field{
		logx.Int("executed", rep.Executed),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", w.deps.Now().Sub(rep.Started)),
	}
	if !rep.NextAt.IsZero() {
		fields = append(fields, logx.Time("next", rep.NextAt))
	}
	log.Info("cycle completed", fields...)
	return rep, nil
}

// drain executes every due entry at most once. Now is re-sampled for each
// entry so entries that become due while draining are picked up in the same
// cycle. An entry already due again is held back until the drain ends; the
// final rearm then points at its past due time and fires at once.
func (w *Warmer) drain(ctx context.Context, tx storage.Tx, q *refresh.Queue, timeout time.Duration, rep *CycleReport, log logx.Logger) error {
	processed := make(map[string]struct{})
	var heldBack []refresh.Entry
	defer func() {
		for _, e := range heldBack {
			q.Insert(e)
		}
	}()

	for {
		now := w.deps.Now()
		top, ok := q.Peek()
		if !ok || !top.Due(now) {
			return nil
		}

		queued, err := q.Pop()
		if err != nil {
			return fmt.Errorf("pop: %w", err)
		}
		if _, seen := processed[queued.QueryID]; seen {
			heldBack = append(heldBack, queued)
			continue
		}
		processed[queued.QueryID] = struct{}{}

		e, err := tx.Refresh(ctx, queued.QueryID)
		if errors.Is(err, storage.ErrNotFound) {
			rep.Dropped++
			log.Warn("entry removed while queued; dropped", logx.String("query", queued.QueryID))
			continue
		}
		if err != nil {
			return fmt.Errorf("refresh %s: %w", queued.QueryID, err)
		}

		execErr := w.execute(ctx, e, timeout)
		e.Advance(now, execErr)
		q.Insert(e)
		if err := tx.Update(ctx, e); err != nil {
			return fmt.Errorf("update %s: %w", e.QueryID, err)
		}

		rep.Executed++
		if execErr != nil {
			rep.Failed++
			log.Warn("entry execution failed; requeued",
				logx.String("query", e.QueryID), logx.String("owner", e.Owner),
				logx.Int("failures", e.Failures), logx.Time("next", e.NextExecution), logx.Err(execErr))
			w.publishEntryFailure(rep.ID, e)
			continue
		}
		log.Debug("entry refreshed", logx.String("query", e.QueryID), logx.Time("next", e.NextExecution))
	}
}

// execute runs one entry as its owner. Panics become errors.
func (w *Warmer) execute(ctx context.Context, e refresh.Entry, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			w.log.Error("entry panicked", logx.String("query", e.QueryID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	runCtx, err := w.deps.Sessions.Impersonate(ctx, e.Owner)
	if err != nil {
		return fmt.Errorf("impersonate %s: %w", e.Owner, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}
	return w.deps.Executor.Execute(runCtx, e)
}

func (w *Warmer) publish(rep CycleReport) {
	if w.deps.Bus == nil {
		return
	}
	typ := eventbus.CycleCompleted
	if rep.State == StateFailedRolledBack {
		typ = eventbus.CycleFailed
	}
	w.deps.Bus.Publish(eventbus.Event{Type: typ, Time: rep.Finished, Cycle: rep.ID, Data: rep})
}

func (w *Warmer) publishEntryFailure(cycle string, e refresh.Entry) {
	if w.deps.Bus == nil {
		return
	}
	w.deps.Bus.Publish(eventbus.Event{
		Type:  eventbus.EntryFailed,
		Time:  w.deps.Now(),
		Cycle: cycle,
		Data:  EntryFailure{QueryID: e.QueryID, Owner: e.Owner, Failures: e.Failures, Error: e.LastError},
	})
}
