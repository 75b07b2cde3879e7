package config

// Config is the warmerd configuration file (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1h").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Trigger    TriggerConfig    `json:"trigger"`
	Warmer     WarmerConfig     `json:"warmer"`
	Executor   ExecutorConfig   `json:"executor"`
	Datasource DatasourceConfig `json:"datasource"`
	Status     StatusConfig     `json:"status"`

	// Users maps a user name to its roles.
	Users   map[string]UserConfig  `json:"users,omitempty"`
	Queries map[string]QueryConfig `json:"queries,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects where refresh entries live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/entries.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TriggerConfig controls the trigger service. Registrations are kept in
// their own database at StorePath, using the storage driver.
type TriggerConfig struct {
	StorePath string `json:"store_path"`
	Timezone  string `json:"timezone,omitempty"`
}

// WarmerConfig controls the warm-up cycle.
//
// Defaults:
//   - backup_cron: "0 0 0/30 * * ?"
//   - safety_delay: "1h"
//   - history_size: 50
type WarmerConfig struct {
	BackupCron  string `json:"backup_cron,omitempty"`
	SafetyDelay string `json:"safety_delay,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// ExecutorConfig bounds query execution. Timeout "0s" or empty disables the
// per-entry timeout; rate_per_sec 0 disables rate limiting.
type ExecutorConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
}

type DatasourceConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type UserConfig struct {
	Roles []string `json:"roles"`
}

// QueryConfig defines a cacheable query. SQL may reference params by name
// and the executing user as :owner.
type QueryConfig struct {
	SQL    string         `json:"sql"`
	Params map[string]any `json:"params,omitempty"`
	Roles  []string       `json:"roles,omitempty"`
}

// StatusConfig controls the optional HTTP status endpoint.
//
// Security:
//   - Prefer binding to localhost (default 127.0.0.1:6060).
//   - A non-loopback addr needs a token or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
