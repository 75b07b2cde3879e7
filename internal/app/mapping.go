package app

import (
	"sort"
	"strings"

	"cachewarmer/internal/config"
	"cachewarmer/internal/observability/status"
	"cachewarmer/internal/query"
	"cachewarmer/internal/storage"
	"cachewarmer/internal/trigger"
	"cachewarmer/internal/warmer"
	logx "cachewarmer/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: cfg.Storage.BusyTimeoutDuration(),
	}
}

// mapJobStore keeps trigger registrations on the entry driver but in their
// own file, so a cycle holding the entry transaction can still re-arm.
func mapJobStore(cfg *config.Config) storage.Config {
	sc := mapStorage(cfg)
	sc.Path = strings.TrimSpace(cfg.Trigger.StorePath)
	return sc
}

// mapDatasource reports false when no datasource is configured.
func mapDatasource(cfg *config.Config) (storage.Config, bool) {
	path := strings.TrimSpace(cfg.Datasource.Path)
	if path == "" {
		return storage.Config{}, false
	}
	return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: cfg.Datasource.BusyTimeoutDuration()}, true
}

func mapTrigger(cfg *config.Config) trigger.Config {
	return trigger.Config{Timezone: strings.TrimSpace(cfg.Trigger.Timezone)}
}

func mapWarmer(cfg *config.Config) warmer.Config {
	return warmer.Config{
		BackupCron:   cfg.Warmer.BackupCron,
		SafetyDelay:  cfg.Warmer.SafetyDelayDuration(),
		EntryTimeout: cfg.Executor.TimeoutDuration(),
		HistorySize:  cfg.Warmer.HistorySize,
	}
}

func mapExecutor(cfg *config.Config) query.ExecutorConfig {
	return query.ExecutorConfig{RatePerSec: cfg.Executor.RatePerSec, Burst: cfg.Executor.Burst}
}

func mapUsers(cfg *config.Config) map[string][]string {
	out := make(map[string][]string, len(cfg.Users))
	for name, u := range cfg.Users {
		out[name] = u.Roles
	}
	return out
}

// mapDefinitions lists query definitions ordered by ID.
func mapDefinitions(cfg *config.Config) []query.Definition {
	defs := make([]query.Definition, 0, len(cfg.Queries))
	for id, q := range cfg.Queries {
		defs = append(defs, query.Definition{ID: id, SQL: q.SQL, Params: q.Params, Roles: q.Roles})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

func mapStatus(cfg *config.Config) status.Config {
	read, write, idle := cfg.Status.Timeouts()
	return status.Config{
		Enabled:       cfg.Status.Enabled,
		Addr:          strings.TrimSpace(cfg.Status.Addr),
		Token:         strings.TrimSpace(cfg.Status.Token),
		AllowInsecure: cfg.Status.AllowInsecure,
		Pprof:         cfg.Status.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
}
