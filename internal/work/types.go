package work

import (
	"context"
	"errors"
	"time"

	"sitechecker/internal/boot"
	"sitechecker/internal/task/engine"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrStopped         = errors.New("work manager stopped")
)

// Worker performs one request.
type Worker interface {
	DoWork(ctx context.Context) error
}

type WorkerFunc func(ctx context.Context) error

func (f WorkerFunc) DoWork(ctx context.Context) error { return f(ctx) }

// Factory builds the Worker for req.
type Factory func(req boot.WorkRequest) Worker

// Options carry the execution policy of a task type into the engine.
type Options struct {
	Timeout   time.Duration
	RetryMax  int // < 0 disables retries, 0 uses the engine default
	RetryBase time.Duration
	// Exclusive skips a request while another of the same type is queued or running.
	Exclusive bool
}

func (o Options) engineOptions() engine.Options {
	opt := engine.Options{RetryMax: o.RetryMax, RetryBase: o.RetryBase, Overlap: engine.OverlapAllow}
	if o.Exclusive {
		opt.Overlap = engine.OverlapSkipIfRunning
	}
	return opt
}

// Engine is the part of the task engine the manager submits to.
type Engine interface {
	Enqueue(j engine.Job) error
}

// Item is a request the manager accepted and has not finished.
type Item struct {
	boot.WorkRequest
	Replayed    bool `json:"replayed,omitempty"`
	Interrupted bool `json:"interrupted,omitempty"`
}
