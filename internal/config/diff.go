package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cachewarmer/pkg/logx"
)

// Config sections reported by SummarizeChange.
const (
	SectionLogging    = "logging"
	SectionStorage    = "storage"
	SectionTrigger    = "trigger"
	SectionWarmer     = "warmer"
	SectionExecutor   = "executor"
	SectionDatasource = "datasource"
	SectionUsers      = "users"
	SectionQueries    = "queries"
	SectionStatus     = "status"
)

// SummarizeChange returns the sorted list of changed sections and log fields
// describing the new values. Query SQL and params are never logged.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, SectionLogging)
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, SectionStorage)
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Trigger != newCfg.Trigger {
		changed = append(changed, SectionTrigger)
		fields = append(fields, logx.String("trigger.timezone", newCfg.Trigger.Timezone))
	}
	if oldCfg.Warmer != newCfg.Warmer {
		changed = append(changed, SectionWarmer)
		fields = append(fields, logx.String("warmer.backup_cron", strings.TrimSpace(newCfg.Warmer.BackupCron)))
	}
	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, SectionExecutor)
		fields = append(fields,
			logx.Any("executor.rate_per_sec", newCfg.Executor.RatePerSec),
			logx.String("executor.timeout", newCfg.Executor.Timeout),
		)
	}
	if oldCfg.Datasource != newCfg.Datasource {
		changed = append(changed, SectionDatasource)
	}
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, SectionStatus)
		fields = append(fields,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.token_set", newCfg.Status.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Users, newCfg.Users) {
		changed = append(changed, SectionUsers)
		fields = append(fields, logx.Int("users.count", len(newCfg.Users)))
	}
	if !reflect.DeepEqual(oldCfg.Queries, newCfg.Queries) {
		changed = append(changed, SectionQueries)
		fields = append(fields, logx.Int("queries.count", len(newCfg.Queries)))
	}

	sort.Strings(changed)
	return changed, fields
}

// RestartRequired reports which of the changed sections only take effect
// after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case SectionStorage, SectionTrigger, SectionDatasource, SectionStatus:
			out = append(out, s)
		}
	}
	return out
}
