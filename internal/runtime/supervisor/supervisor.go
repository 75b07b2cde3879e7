package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	logx "cachewarmer/pkg/logx"
)

// Supervisor runs named goroutines tied to one context, recovers their
// panics and waits for them on Stop.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	wg       sync.WaitGroup
	errOnce  sync.Once
	firstErr atomic.Value // error
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	stats map[string]*Stat
}

// Stat is a best-effort view of the goroutines started under one name.
type Stat struct {
	Name     string
	Active   int
	Started  int
	Restarts int
	Panics   int
	LastErr  string
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    log.With(logx.String("comp", "supervisor")),
		doneCh: make(chan struct{}),
		stats:  map[string]*Stat{},
	}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first error a supervised goroutine returned.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Go runs fn once. A returned error (other than cancellation) or a panic is
// recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.note(name, func(st *Stat) { st.Active++; st.Started++ })
		defer s.note(name, func(st *Stat) { st.Active-- })

		err := s.runSafe(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.setErr(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// GoRestart runs fn and restarts it with exponential backoff whenever it
// fails or panics, until the supervisor stops. A nil return ends it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, minWait, maxWait time.Duration) {
	bo := backoff.NewExponentialBackOff()
	if minWait > 0 {
		bo.InitialInterval = minWait
	}
	if maxWait > 0 {
		bo.MaxInterval = maxWait
	}
	bo.MaxElapsedTime = 0

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for restarts := 0; ; restarts++ {
			if s.ctx.Err() != nil {
				return
			}
			s.note(name, func(st *Stat) {
				st.Active++
				st.Started++
				if restarts > 0 {
					st.Restarts++
				}
			})
			start := time.Now()
			err := s.runSafe(name, fn)
			s.note(name, func(st *Stat) { st.Active-- })

			if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			// A long healthy run earns a fresh backoff window.
			if time.Since(start) >= 30*time.Second {
				bo.Reset()
			}
			wait := bo.NextBackOff()
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

func (s *Supervisor) runSafe(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.note(name, func(st *Stat) { st.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		if err != nil {
			msg := err.Error()
			s.note(name, func(st *Stat) { st.LastErr = msg })
		}
	}()
	s.log.Debug("goroutine started", logx.String("name", name))
	return fn(s.ctx)
}

func (s *Supervisor) note(name string, fn func(st *Stat)) {
	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &Stat{Name: name}
		s.stats[name] = st
	}
	fn(st)
	s.mu.Unlock()
}

// Snapshot lists per-name stats ordered by name.
func (s *Supervisor) Snapshot() []Stat {
	s.mu.Lock()
	out := make([]Stat, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels the context and waits for every goroutine until ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
