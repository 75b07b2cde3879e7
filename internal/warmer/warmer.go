package warmer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cachewarmer/internal/refresh"
	logx "cachewarmer/pkg/logx"
)

type Warmer struct {
	cfgMu sync.RWMutex
	cfg   Config

	deps Deps
	log  logx.Logger

	// cycleMu serializes primary and backup cycles.
	cycleMu sync.Mutex

	hmu     sync.Mutex
	history []CycleReport
}

func New(cfg Config, deps Deps, log logx.Logger) (*Warmer, error) {
	if deps.Store == nil {
		return nil, errors.New("warmer: store required")
	}
	if deps.Triggers == nil {
		return nil, errors.New("warmer: triggers required")
	}
	if deps.Sessions == nil || deps.Executor == nil {
		return nil, errors.New("warmer: sessions and executor required")
	}
	if deps.Manager == nil {
		deps.Manager = refresh.DefaultManager()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Warmer{cfg: withDefaults(cfg), deps: deps, log: log.With(logx.String("comp", "warmer"))}, nil
}

func withDefaults(cfg Config) Config {
	cfg.BackupCron = strings.TrimSpace(cfg.BackupCron)
	if cfg.BackupCron == "" {
		cfg.BackupCron = DefaultBackupCron
	}
	if cfg.SafetyDelay <= 0 {
		cfg.SafetyDelay = DefaultSafetyDelay
	}
	if cfg.EntryTimeout < 0 {
		cfg.EntryTimeout = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return cfg
}

// Apply replaces the configuration. Cycles pick it up when they start; the
// backup trigger keeps its rule until ArmBackup runs again.
func (w *Warmer) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	w.cfgMu.Lock()
	w.cfg = cfg
	w.cfgMu.Unlock()
}

func (w *Warmer) config() Config {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg
}

// RunPrimaryCycle is the callback of the primary trigger.
func (w *Warmer) RunPrimaryCycle(ctx context.Context) error {
	_, err := w.runCycle(ctx, KindPrimary)
	return err
}

// RunBackupCycle is the callback of the backup trigger.
func (w *Warmer) RunBackupCycle(ctx context.Context) error {
	_, err := w.runCycle(ctx, KindBackup)
	return err
}

// Cycle runs one cycle and returns its report.
func (w *Warmer) Cycle(ctx context.Context, kind Kind) (CycleReport, error) {
	return w.runCycle(ctx, kind)
}

// ArmBackup registers the backup cron trigger, replacing any previous one.
// An empty rule uses the configured one.
func (w *Warmer) ArmBackup(rule string) error {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		rule = w.config().BackupCron
	}
	if _, err := w.deps.Triggers.DeleteJob(BackupTrigger, Group); err != nil {
		return fmt.Errorf("delete backup trigger: %w", err)
	}
	if err := w.deps.Triggers.CreateCron(BackupAction, BackupTrigger, Group, rule); err != nil {
		return fmt.Errorf("create backup trigger: %w", err)
	}
	w.log.Info("backup trigger armed", logx.String("rule", rule))
	return nil
}

// ArmPrimary points the primary trigger at the earliest persisted entry,
// or removes it when there is none. Used at boot.
func (w *Warmer) ArmPrimary(ctx context.Context) error {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	tx, err := w.deps.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entries, err := tx.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	q := w.deps.Manager.Queue()
	q.Reset(entries)

	top, ok := q.Peek()
	if !ok {
		return w.disarmPrimary()
	}
	return w.armPrimary(top.NextExecution)
}

// History returns the most recent cycle reports, oldest first.
func (w *Warmer) History() []CycleReport {
	w.hmu.Lock()
	defer w.hmu.Unlock()
	return append([]CycleReport(nil), w.history...)
}

func (w *Warmer) record(rep CycleReport) {
	limit := w.config().HistorySize
	w.hmu.Lock()
	w.history = append(w.history, rep)
	if len(w.history) > limit {
		w.history = w.history[len(w.history)-limit:]
	}
	w.hmu.Unlock()
}

// armPrimary replaces the primary registration with a one-shot at fireAt.
func (w *Warmer) armPrimary(fireAt time.Time) error {
	if _, err := w.deps.Triggers.DeleteJob(PrimaryTrigger, Group); err != nil {
		return fmt.Errorf("delete primary trigger: %w", err)
	}
	if err := w.deps.Triggers.CreateOneShot(PrimaryAction, PrimaryTrigger, Group, fireAt); err != nil {
		return fmt.Errorf("create primary trigger: %w", err)
	}
	return nil
}

func (w *Warmer) disarmPrimary() error {
	if _, err := w.deps.Triggers.DeleteJob(PrimaryTrigger, Group); err != nil {
		return fmt.Errorf("delete primary trigger: %w", err)
	}
	return nil
}
