package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// The accessors below assume a validated config and read invalid values as 0.

func (c StorageConfig) BusyTimeoutDuration() time.Duration {
	d, _ := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	return d
}

func (c DatasourceConfig) BusyTimeoutDuration() time.Duration {
	d, _ := ParseDurationField("datasource.busy_timeout", c.BusyTimeout)
	return d
}

func (c WarmerConfig) SafetyDelayDuration() time.Duration {
	d, _ := ParseDurationField("warmer.safety_delay", c.SafetyDelay)
	return d
}

func (c ExecutorConfig) TimeoutDuration() time.Duration {
	d, _ := ParseDurationField("executor.timeout", c.Timeout)
	return d
}

// Timeouts returns the read, write and idle timeouts of the status server.
func (c StatusConfig) Timeouts() (read, write, idle time.Duration) {
	read, _ = ParseDurationField("status.read_timeout", c.ReadTimeout)
	write, _ = ParseDurationField("status.write_timeout", c.WriteTimeout)
	idle, _ = ParseDurationField("status.idle_timeout", c.IdleTimeout)
	return read, write, idle
}
