package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "cachewarmer/pkg/logx"
)

const sampleYAML = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/entries.db
  busy_timeout: 5s
trigger:
  store_path: ./data/jobs.db
  timezone: UTC
warmer:
  backup_cron: "0 0/30 * * * ?"
executor:
  rate_per_sec: 5
  timeout: 30s
datasource:
  path: ./data/app.db
users:
  alice:
    roles: [sales]
  1001:
    roles: [admin]
queries:
  top-orders:
    sql: SELECT * FROM orders WHERE owner = :owner LIMIT :n
    params: {n: 10}
    roles: [sales]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "warmerd.yaml", sampleYAML), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
	if cfg.Storage.BusyTimeoutDuration() != 5*time.Second || cfg.Executor.TimeoutDuration() != 30*time.Second {
		t.Fatalf("durations: %+v %+v", cfg.Storage, cfg.Executor)
	}
	if got := cfg.Users["1001"].Roles; len(got) != 1 || got[0] != "admin" {
		t.Fatalf("numeric user key not kept: %+v", cfg.Users)
	}
	q := cfg.Queries["top-orders"]
	if q.Params["n"] != float64(10) || q.Roles[0] != "sales" {
		t.Fatalf("query = %+v", q)
	}
}

func TestParseRejectsUnknownKeysAndTrailingData(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body string
	}{
		{name: "unknown yaml key", file: "c.yaml", body: "storage: {driver: memory}\nschedular: {}\n"},
		{name: "unknown json key", file: "c.json", body: `{"storage":{"driver":"memory","pth":"x"}}`},
		{name: "trailing json", file: "c.json", body: `{"storage":{"driver":"memory"}} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewManager(writeFile(t, tt.file, tt.body), logx.Nop()).Parse(); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{
			Storage: StorageConfig{Driver: "sqlite", Path: "a.db"},
			Trigger: TriggerConfig{StorePath: "jobs.db"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "memory needs no paths", mutate: func(c *Config) { *c = Config{Storage: StorageConfig{Driver: "memory"}} }},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, want: "storage.driver"},
		{name: "shared db file", mutate: func(c *Config) { c.Trigger.StorePath = "a.db" }, want: "must differ"},
		{name: "datasource shares entry db", mutate: func(c *Config) { c.Datasource.Path = "./a.db" }, want: "datasource.path must differ from storage.path"},
		{name: "datasource shares job db", mutate: func(c *Config) { c.Datasource.Path = "jobs.db" }, want: "datasource.path must differ from trigger.store_path"},
		{name: "separate datasource", mutate: func(c *Config) { c.Datasource.Path = "app.db" }},
		{name: "bad duration", mutate: func(c *Config) { c.Executor.Timeout = "soon" }, want: "executor.timeout"},
		{name: "negative duration", mutate: func(c *Config) { c.Warmer.SafetyDelay = "-1m" }, want: "warmer.safety_delay"},
		{name: "bad cron", mutate: func(c *Config) { c.Warmer.BackupCron = "every half hour" }, want: "warmer.backup_cron"},
		{name: "query without sql", mutate: func(c *Config) {
			c.Datasource.Path = "d.db"
			c.Queries = map[string]QueryConfig{"q": {}}
		}, want: "queries.q.sql"},
		{name: "queries without datasource", mutate: func(c *Config) {
			c.Queries = map[string]QueryConfig{"q": {SQL: "SELECT 1"}}
		}, want: "datasource.path"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	old := &Config{Warmer: WarmerConfig{BackupCron: "0 0 0/30 * * ?"}, Storage: StorageConfig{Driver: "memory"}}
	next := *old
	next.Warmer.BackupCron = "0 0/30 * * * ?"
	next.Logging.Level = "debug"
	next.Queries = map[string]QueryConfig{"q": {SQL: "SELECT 1"}}

	changed, fields := SummarizeChange(old, &next)
	if strings.Join(changed, ",") != "logging,queries,warmer" {
		t.Fatalf("changed = %v", changed)
	}
	if len(fields) == 0 {
		t.Fatal("no log fields")
	}
	if got := RestartRequired(changed); len(got) != 0 {
		t.Fatalf("RestartRequired = %v", got)
	}
	if got := RestartRequired([]string{SectionStorage, SectionWarmer}); len(got) != 1 || got[0] != SectionStorage {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "warmerd.json", `{"storage":{"driver":"memory"}}`)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	updates := m.Subscribe(4)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Give the watcher time to register.
	time.Sleep(200 * time.Millisecond)

	// Invalid content is rejected and not published.
	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"mongo"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-updates:
		t.Fatalf("published invalid config %+v", cfg)
	default:
	}

	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"memory"},"warmer":{"backup_cron":"@hourly"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-updates:
		if cfg.Warmer.BackupCron != "@hourly" {
			t.Fatalf("published %+v", cfg.Warmer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Warmer.BackupCron != "@hourly" {
		t.Fatal("reload not committed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
