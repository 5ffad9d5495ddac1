// Package preload drives the ordered startup loading of map dataset
// categories. Categories run strictly one after another; a failing category
// is logged and skipped, never retried, and never stops the ones after it.
package preload

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Task is one named unit of startup loading. Load must report async failure
// through its error; panics are contained by the runner.
type Task struct {
	Name string
	Load func(ctx context.Context) error
}

// Result records how one task settled.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Progress receives coarse loading feedback: created before the first task,
// updated with each task's display name, removed after the last one.
type Progress interface {
	Begin(total int)
	Update(name string)
	End()
}

// NopProgress discards all progress feedback.
type NopProgress struct{}

func (NopProgress) Begin(int)     {}
func (NopProgress) Update(string) {}
func (NopProgress) End()          {}

// Runner executes tasks in list order with a fixed delay after each one.
type Runner struct {
	delay    time.Duration
	progress Progress
	logger   zerolog.Logger
	clk      clock.Clock
	active   atomic.Bool
}

func NewRunner(logger zerolog.Logger, progress Progress, delay time.Duration) *Runner {
	if progress == nil {
		progress = NopProgress{}
	}
	return &Runner{
		delay:    delay,
		progress: progress,
		logger:   logger.With().Str("component", "preload").Logger(),
		clk:      clock.New(),
	}
}

// Active reports whether a run is in flight.
func (r *Runner) Active() bool {
	return r.active.Load()
}

// Run processes every task in order and always completes: a task's error or
// panic is logged with its name and sequencing continues. Run never returns
// an error; the per-task outcomes are in the results. A second Run while one
// is active returns nil immediately instead of interleaving sequences.
func (r *Runner) Run(ctx context.Context, tasks []Task) []Result {
	if !r.active.CompareAndSwap(false, true) {
		r.logger.Warn().Msg("preload already running, ignoring")
		return nil
	}
	defer r.active.Store(false)

	r.progress.Begin(len(tasks))
	defer r.progress.End()

	results := make([]Result, 0, len(tasks))
	for _, task := range tasks {
		r.progress.Update(task.Name)

		start := r.clk.Now()
		err := runTask(ctx, task)
		elapsed := r.clk.Since(start)

		if err != nil {
			r.logger.Error().Err(err).Str("category", task.Name).Msg("category load failed")
		} else {
			r.logger.Debug().Str("category", task.Name).Dur("took", elapsed).Msg("category loaded")
		}
		results = append(results, Result{Name: task.Name, Err: err, Duration: elapsed})

		// Fixed pause after every task, success or not, before advancing.
		r.clk.Sleep(r.delay)
	}
	return results
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("category %s panicked: %v", task.Name, rec)
		}
	}()
	if task.Load == nil {
		return fmt.Errorf("category %s has no loader", task.Name)
	}
	return task.Load(ctx)
}
