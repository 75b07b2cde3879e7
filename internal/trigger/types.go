package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cachewarmer/internal/storage"
	logx "cachewarmer/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Lisbon"; empty means Local
}

// Action is the callback a trigger invokes.
type Action func(ctx context.Context) error

type job struct {
	rec storage.JobRecord
	ver uint64

	entryID cron.EntryID // JobCron, while started
	timer   *time.Timer  // JobOnce, while started
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	store storage.JobStore

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	ver    uint64

	actions map[string]Action
	jobs    map[string]*job

	// running holds one lock per action so runs of an action never overlap.
	runMu   sync.Mutex
	running map[string]*sync.Mutex
	wg      sync.WaitGroup

	// Skip warning throttling: key is action name.
	skipMu       sync.Mutex
	lastSkipWarn map[string]time.Time
}

// JobInfo describes one registration.
type JobInfo struct {
	Name   string
	Group  string
	Action string
	Kind   storage.JobKind
	Spec   string // cron rule for cron jobs
	Next   time.Time
	Prev   time.Time
}

func jobKey(group, name string) string { return group + "/" + name }
