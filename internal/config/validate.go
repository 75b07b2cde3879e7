package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
)

var cronRules = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks cfg without touching the filesystem. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
		if strings.TrimSpace(cfg.Trigger.StorePath) == "" {
			errs = append(errs, errors.New("trigger.store_path is required for sqlite"))
		} else if samePath(cfg.Trigger.StorePath, cfg.Storage.Path) {
			errs = append(errs, errors.New("trigger.store_path must differ from storage.path"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if ds := strings.TrimSpace(cfg.Datasource.Path); ds != "" {
		if strings.TrimSpace(cfg.Storage.Path) != "" && samePath(ds, cfg.Storage.Path) {
			errs = append(errs, errors.New("datasource.path must differ from storage.path"))
		}
		if strings.TrimSpace(cfg.Trigger.StorePath) != "" && samePath(ds, cfg.Trigger.StorePath) {
			errs = append(errs, errors.New("datasource.path must differ from trigger.store_path"))
		}
	}

	for _, d := range []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"warmer.safety_delay", cfg.Warmer.SafetyDelay},
		{"executor.timeout", cfg.Executor.Timeout},
		{"datasource.busy_timeout", cfg.Datasource.BusyTimeout},
		{"status.read_timeout", cfg.Status.ReadTimeout},
		{"status.write_timeout", cfg.Status.WriteTimeout},
		{"status.idle_timeout", cfg.Status.IdleTimeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if rule := strings.TrimSpace(cfg.Warmer.BackupCron); rule != "" {
		if _, err := cronRules.Parse(rule); err != nil {
			errs = append(errs, fmt.Errorf("warmer.backup_cron: %w", err))
		}
	}
	if cfg.Warmer.HistorySize < 0 {
		errs = append(errs, errors.New("warmer.history_size must be >= 0"))
	}
	if cfg.Executor.RatePerSec < 0 || cfg.Executor.Burst < 0 {
		errs = append(errs, errors.New("executor.rate_per_sec and executor.burst must be >= 0"))
	}

	if len(cfg.Queries) > 0 && strings.TrimSpace(cfg.Datasource.Path) == "" {
		errs = append(errs, errors.New("datasource.path is required when queries are defined"))
	}
	for _, id := range sortedKeys(cfg.Queries) {
		if strings.TrimSpace(cfg.Queries[id].SQL) == "" {
			errs = append(errs, fmt.Errorf("queries.%s.sql is required", id))
		}
	}
	for _, name := range sortedKeys(cfg.Users) {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("users: empty user name"))
		}
	}

	return errors.Join(errs...)
}

func samePath(a, b string) bool {
	return filepath.Clean(strings.TrimSpace(a)) == filepath.Clean(strings.TrimSpace(b))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
