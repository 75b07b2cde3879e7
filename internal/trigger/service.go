package trigger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cachewarmer/internal/storage"
	logx "cachewarmer/pkg/logx"
)

// storeTimeout bounds a single job store call.
const storeTimeout = 5 * time.Second

// New returns a stopped service. store may be nil, in which case
// registrations only live in memory.
func New(cfg Config, store storage.JobStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		store: store,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:       cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		actions:      map[string]Action{},
		jobs:         map[string]*job{},
		running:      map[string]*sync.Mutex{},
		lastSkipWarn: map[string]time.Time{},
	}
}

// Handle registers the callback for an action name. Registrations naming an
// unknown action are kept but log an error when they fire.
func (s *Service) Handle(action string, fn Action) {
	s.mu.Lock()
	s.actions[action] = fn
	s.mu.Unlock()
}

// Location returns the timezone cron rules are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locationLocked()
}

// Start restores persisted registrations and starts firing.
//
// Actions run with a context detached from ctx's cancellation: an in-flight
// action is never interrupted by Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.ctx = context.WithoutCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	if s.store != nil {
		lctx, cancel := context.WithTimeout(ctx, storeTimeout)
		recs, err := s.store.LoadJobs(lctx)
		cancel()
		if err != nil {
			s.c = nil
			return err
		}
		for _, rec := range recs {
			s.ver++
			s.jobs[jobKey(rec.Group, rec.Name)] = &job{rec: rec, ver: s.ver}
		}
	}
	for key, j := range s.jobs {
		if err := s.armLocked(key, j); err != nil {
			s.log.Error("restore registration failed", logx.String("job", key), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop stops firing and waits for running actions until ctx is done.
// Registrations stay persisted and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, j := range s.jobs {
		if j.timer != nil {
			_ = j.timer.Stop()
			j.timer = nil
		}
		j.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running actions")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) locationLocked() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
