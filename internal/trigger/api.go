package trigger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"cachewarmer/internal/storage"
	logx "cachewarmer/pkg/logx"
)

// CreateOneShot registers action to fire once at fireAt under (group, name),
// replacing any previous registration under that key. A fireAt in the past
// fires immediately.
func (s *Service) CreateOneShot(action, name, group string, fireAt time.Time) error {
	if err := validateKey(action, name, group); err != nil {
		return err
	}
	if fireAt.IsZero() {
		return errors.New("fire time required")
	}
	rec := storage.JobRecord{
		Name:    name,
		Group:   group,
		Action:  action,
		Kind:    storage.JobOnce,
		FireAt:  fireAt,
		Created: time.Now(),
	}
	return s.register(rec)
}

// CreateCron registers action to fire on a recurring cron rule under
// (group, name), replacing any previous registration under that key.
func (s *Service) CreateCron(action, name, group, rule string) error {
	if err := validateKey(action, name, group); err != nil {
		return err
	}
	rule = strings.TrimSpace(rule)
	if _, err := s.parser.Parse(rule); err != nil {
		return fmt.Errorf("invalid cron rule %q: %w", rule, err)
	}
	rec := storage.JobRecord{
		Name:    name,
		Group:   group,
		Action:  action,
		Kind:    storage.JobCron,
		Cron:    rule,
		Created: time.Now(),
	}
	return s.register(rec)
}

// DeleteJob removes the registration under (group, name). It reports whether
// a registration existed.
func (s *Service) DeleteJob(name, group string) (bool, error) {
	key := jobKey(group, name)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.disarmLocked(key)
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.store.DeleteJob(ctx, group, name); err != nil {
			return removed, fmt.Errorf("delete job %s: %w", key, err)
		}
	}
	if removed {
		s.log.Debug("job deleted", logx.String("job", key))
	}
	return removed, nil
}

// register persists rec and arms it. The previous registration under the same
// key is removed first.
func (s *Service) register(rec storage.JobRecord) error {
	key := jobKey(rec.Group, rec.Name)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked(key)
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.store.SaveJob(ctx, rec); err != nil {
			return fmt.Errorf("save job %s: %w", key, err)
		}
	}

	s.ver++
	j := &job{rec: rec, ver: s.ver}
	s.jobs[key] = j
	if s.c == nil {
		// Not started: the registration is armed by Start.
		return nil
	}
	if err := s.armLocked(key, j); err != nil {
		return err
	}

	args := []logx.Field{logx.String("job", key), logx.String("action", rec.Action), logx.String("kind", string(rec.Kind))}
	if rec.Kind == storage.JobOnce {
		args = append(args, logx.Time("fire_at", rec.FireAt))
	} else {
		args = append(args, logx.String("spec", rec.Cron))
	}
	s.log.Debug("job registered", args...)
	return nil
}

// disarmLocked stops and forgets the runtime registration under key.
// Call with s.mu held.
func (s *Service) disarmLocked(key string) bool {
	j, ok := s.jobs[key]
	if !ok {
		return false
	}
	if j.timer != nil {
		_ = j.timer.Stop()
	}
	if j.entryID != 0 && s.c != nil {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, key)
	return true
}

// armLocked schedules j on the running cron/timers. Call with s.mu held.
func (s *Service) armLocked(key string, j *job) error {
	switch j.rec.Kind {
	case storage.JobCron:
		action := j.rec.Action
		eid, err := s.c.AddFunc(j.rec.Cron, func() { s.run(key, action, true) })
		if err != nil {
			return err
		}
		j.entryID = eid
	case storage.JobOnce:
		delay := time.Until(j.rec.FireAt)
		if delay < 0 {
			delay = 0
		}
		ver := j.ver
		j.timer = time.AfterFunc(delay, func() { s.fireOnce(key, ver) })
	default:
		return fmt.Errorf("unknown job kind %q", j.rec.Kind)
	}
	return nil
}

// fireOnce runs a one-shot registration if it is still the current one.
func (s *Service) fireOnce(key string, ver uint64) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok || j.ver != ver {
		// Removed or replaced since the timer was set.
		s.mu.Unlock()
		return
	}
	delete(s.jobs, key)
	rec := j.rec
	if s.store != nil {
		// Drop the persisted record before running so a restart never
		// replays a fire that already happened.
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.store.DeleteJob(ctx, rec.Group, rec.Name); err != nil {
			s.log.Warn("failed to drop fired job", logx.String("job", key), logx.Err(err))
		}
		cancel()
	}
	s.mu.Unlock()

	s.run(key, rec.Action, false)
}

// run invokes the action registered under name. Runs of one action never
// overlap: a cron fire is skipped while the action is still running, a
// one-shot fire waits for it since nothing would fire it again.
func (s *Service) run(key, action string, skipIfRunning bool) {
	s.mu.Lock()
	fn := s.actions[action]
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if fn == nil {
		s.log.Error("no handler for action", logx.String("job", key), logx.String("action", action))
		return
	}

	lock := s.actionLock(action)
	if skipIfRunning {
		if !lock.TryLock() {
			s.reportSkip(key, action)
			return
		}
	} else {
		lock.Lock()
	}
	s.wg.Add(1)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("action panicked", logx.String("job", key), logx.String("action", action),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		lock.Unlock()
		s.wg.Done()
	}()

	s.log.Debug("job fired", logx.String("job", key), logx.String("action", action))
	if err := fn(ctx); err != nil {
		s.log.Warn("action failed", logx.String("job", key), logx.String("action", action),
			logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("action done", logx.String("job", key), logx.String("action", action), logx.Duration("took", time.Since(start)))
}

func (s *Service) actionLock(action string) *sync.Mutex {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	l, ok := s.running[action]
	if !ok {
		l = &sync.Mutex{}
		s.running[action] = l
	}
	return l
}

// Snapshot lists registrations ordered by group and name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		it := JobInfo{
			Name:   j.rec.Name,
			Group:  j.rec.Group,
			Action: j.rec.Action,
			Kind:   j.rec.Kind,
			Spec:   j.rec.Cron,
		}
		switch j.rec.Kind {
		case storage.JobOnce:
			it.Next = j.rec.FireAt
		case storage.JobCron:
			if s.c != nil && j.entryID != 0 {
				e := s.c.Entry(j.entryID)
				it.Next = e.Next
				it.Prev = e.Prev
			}
			// The cron loop fills Next asynchronously after Start.
			if it.Next.IsZero() {
				if sched, err := s.parser.Parse(j.rec.Cron); err == nil {
					it.Next = sched.Next(time.Now().In(s.locationLocked()))
				}
			}
		}
		out = append(out, it)
	}
	sortJobs(out)
	return out
}

// Next returns the next fire time of the registration under (group, name).
func (s *Service) Next(name, group string) (time.Time, bool) {
	for _, it := range s.Snapshot() {
		if it.Name == name && it.Group == group {
			return it.Next, true
		}
	}
	return time.Time{}, false
}

func validateKey(action, name, group string) error {
	if strings.TrimSpace(action) == "" {
		return errors.New("action required")
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if strings.TrimSpace(group) == "" {
		return errors.New("group required")
	}
	return nil
}
