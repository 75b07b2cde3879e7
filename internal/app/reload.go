package app

import (
	"context"
	"strings"

	"cachewarmer/internal/config"
	logx "cachewarmer/pkg/logx"
)

// reloadLoop applies configs published by the config watcher.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for more := true; more; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						next = newer
					}
				default:
					more = false
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(lastApplied, next)
			lastApplied = next
		}
	}
}

// applyConfig pushes the live-reloadable sections of next into the running
// services. Storage, trigger and datasource changes need a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	changed, attrs := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)

	rearmBackup := false
	for _, s := range changed {
		switch s {
		case config.SectionLogging:
			a.logs.Apply(mapLogging(next))
		case config.SectionUsers:
			a.dir.Replace(mapUsers(next))
		case config.SectionQueries:
			a.exec.SetDefinitions(mapDefinitions(next))
		case config.SectionExecutor:
			a.exec.SetRate(mapExecutor(next))
			a.warm.Apply(mapWarmer(next))
		case config.SectionWarmer:
			a.warm.Apply(mapWarmer(next))
			rearmBackup = strings.TrimSpace(prev.Warmer.BackupCron) != strings.TrimSpace(next.Warmer.BackupCron)
		}
	}
	if rearmBackup {
		if err := a.warm.ArmBackup(""); err != nil {
			a.log.Error("backup trigger re-arm failed; previous rule may be gone", logx.Err(err))
		}
	}
	if rr := config.RestartRequired(changed); len(rr) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
}
