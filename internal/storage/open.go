package storage

import (
	"errors"
	"strings"

	logx "cachewarmer/pkg/logx"
)

// Open initializes the configured entry store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver(cfg) {
	case "none":
		return nil, ErrDisabled
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

// OpenJobStore initializes the configured trigger job store.
func OpenJobStore(cfg Config, log logx.Logger) (JobStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver(cfg) {
	case "none":
		return nil, ErrDisabled
	case "memory":
		return NewMemoryJobs(), nil
	case "sqlite", "sqlite3":
		return openSQLiteJobs(cfg, log)
	default:
		return nil, errors.New("unknown job store driver: " + cfg.Driver)
	}
}

func driver(cfg Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if d == "" {
		return "none"
	}
	return d
}
