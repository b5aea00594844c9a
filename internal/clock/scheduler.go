package clock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/sim-engine/internal/metrics"
)

// Task is a unit of periodic work. An error from Fn is logged and the task
// runs again on its next tick.
type Task struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
}

// Scheduler runs independent periodic tasks, one goroutine per task, so a
// slow task never delays another. Tasks are not cancelled mid-run; they stop
// after the context is cancelled and the current run returns.
type Scheduler struct {
	clk   Clock
	tasks []Task
	ready chan struct{}
}

// NewScheduler creates a scheduler driven by clk.
func NewScheduler(clk Clock) *Scheduler {
	return &Scheduler{
		clk:   clk,
		ready: make(chan struct{}),
	}
}

// Every registers fn to run every interval. Must be called before Run.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.tasks = append(s.tasks, Task{Name: name, Interval: interval, Fn: fn})
}

// Ready is closed once every task's ticker exists, i.e. once advancing a
// fake clock is guaranteed to reach the tasks.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

// Run blocks until ctx is cancelled and all in-flight runs have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, t := range s.tasks {
		if t.Interval <= 0 {
			return fmt.Errorf("clock: task %s has non-positive interval %s", t.Name, t.Interval)
		}
	}

	tickers := make([]Ticker, len(s.tasks))
	for i, t := range s.tasks {
		tickers[i] = s.clk.NewTicker(t.Interval)
	}
	close(s.ready)

	g, ctx := errgroup.WithContext(ctx)
	for i, t := range s.tasks {
		t, ticker := t, tickers[i]
		g.Go(func() error {
			defer ticker.Stop()
			slog.Info("loop started", "task", t.Name, "interval", t.Interval.String())
			for {
				select {
				case <-ctx.Done():
					slog.Info("loop stopped", "task", t.Name)
					return nil
				case <-ticker.C():
					s.runOnce(ctx, t)
				}
			}
		})
	}
	return g.Wait()
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	start := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			slog.Error("loop task panicked", "task", t.Name, "panic", r)
		}
		metrics.LoopRuns.WithLabelValues(t.Name, result).Inc()
		metrics.LoopDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	}()

	if err := t.Fn(ctx); err != nil {
		result = "error"
		slog.Warn("loop task failed", "task", t.Name, "err", err)
	}
}
