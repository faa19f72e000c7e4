package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"sitechecker/internal/task/engine"
	logx "sitechecker/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Europe/Berlin". Empty means local time.
}

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(j engine.Job) error
	Snapshot() engine.Snapshot
}

type scheduleDef struct {
	name          string
	spec          string // cron expression or "@every <d>"
	timeout       time.Duration
	run           func(ctx context.Context) error
	opt           engine.Options
	state         *engine.RunState
	entryID       cron.EntryID
	startupSpread time.Duration
}

type Scheduler struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	eng Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread"`
	Next          time.Time     `json:"next"`
	Prev          time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Running   bool            `json:"running"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
