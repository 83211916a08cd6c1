package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"shuttlematch/internal/logging"
	"shuttlematch/internal/model"
)

// RunFunc is what the trigger fires; *Runner.RunOnce satisfies it.
type RunFunc func(ctx context.Context) (model.Run, error)

// Trigger fires runs on a schedule: every Interval in test mode, once a
// day at At in prod mode. Mode "off" never fires.
type Trigger struct {
	Run      RunFunc
	Mode     string
	Interval time.Duration
	At       model.Clock
	Logger   *slog.Logger
	Stop     chan struct{}

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewTrigger(run RunFunc, mode string, interval time.Duration, at model.Clock, logger *slog.Logger) *Trigger {
	return &Trigger{Run: run, Mode: mode, Interval: interval, At: at, Logger: logger, Stop: make(chan struct{}),
		now: time.Now, after: time.After}
}

// Start runs the schedule loop until Stop is closed or ctx ends.
func (t *Trigger) Start(ctx context.Context) {
	if t.Mode == "off" {
		return
	}
	go func() {
		for {
			wait := t.next()
			t.logger().Debug("next scheduled run", "mode", t.Mode, "in", wait)
			select {
			case <-t.Stop:
				return
			case <-ctx.Done():
				return
			case <-t.after(wait):
				t.fireOnce(ctx)
			}
		}
	}()
}

func (t *Trigger) next() time.Duration {
	if t.Mode == "prod" {
		now := t.now()
		return nextDaily(now, t.At).Sub(now)
	}
	return t.Interval
}

func (t *Trigger) fireOnce(ctx context.Context) {
	run, err := t.Run(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		t.logger().Info("scheduled run skipped", "reason", "run in progress")
	case err != nil:
		logging.LogError(t.logger(), "scheduled run", err)
	default:
		t.logger().Debug("scheduled run done", "run_id", run.ID)
	}
}

func (t *Trigger) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// nextDaily is the first instant strictly after now whose local wall clock
// reads at.
func nextDaily(now time.Time, at model.Clock) time.Time {
	at = at.Wrapped()
	y, m, d := now.Date()
	next := time.Date(y, m, d, int(at)/60, int(at)%60, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(y, m, d+1, int(at)/60, int(at)%60, 0, 0, now.Location())
	}
	return next
}
