package trigger

import (
	"sort"
	"time"

	logx "cachewarmer/pkg/logx"
)

const skipWarnThrottle = 5 * time.Second

func (s *Service) reportSkip(key, action string) {
	now := time.Now()
	s.skipMu.Lock()
	last := s.lastSkipWarn[action]
	if !last.IsZero() && now.Sub(last) < skipWarnThrottle {
		s.skipMu.Unlock()
		return
	}
	s.lastSkipWarn[action] = now
	s.skipMu.Unlock()

	s.log.Warn("action still running; fire skipped", logx.String("job", key), logx.String("action", action))
}

func sortJobs(jobs []JobInfo) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Group != jobs[j].Group {
			return jobs[i].Group < jobs[j].Group
		}
		return jobs[i].Name < jobs[j].Name
	})
}
