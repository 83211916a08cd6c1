// Package scheduler runs the optimizer over the booked requests, either on
// demand or on a timer, one run at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"shuttlematch/internal/logging"
	"shuttlematch/internal/metrics"
	"shuttlematch/internal/model"
	"shuttlematch/internal/opt"
	"shuttlematch/internal/store"
)

const lockKey = "optimizer-run"

// Run lifecycle event types.
const (
	EventRunStarted   = "run.started"
	EventRunProgress  = "run.progress"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

// Runner snapshots the store, runs the optimizer and persists the plan.
type Runner struct {
	Store                store.Store
	Params               opt.Params
	Seed                 int64
	Workers              int
	DefaultTravelMinutes int
	// Timeout bounds one optimization; zero means no bound.
	Timeout time.Duration
	LockTTL time.Duration
	Locker  Locker
	Logger  *slog.Logger
	// Notify receives run lifecycle events. It is called from the run
	// goroutine and must not block.
	Notify func(eventType string, data map[string]any)

	now     func() time.Time
	running atomic.Bool
}

func (r *Runner) Running() bool { return r.running.Load() }

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Runner) notify(eventType string, data map[string]any) {
	if r.Notify != nil {
		r.Notify(eventType, data)
	}
}

// RunOnce performs one optimization run over every booked request. It
// returns ErrRunInProgress without side effects when another run holds the
// lock. A run that fails after it was recorded is persisted as failed and
// its error returned.
func (r *Runner) RunOnce(ctx context.Context) (model.Run, error) {
	locker := r.Locker
	if locker == nil {
		return model.Run{}, errors.New("scheduler: no locker configured")
	}
	ttl := r.LockTTL
	if ttl <= 0 {
		ttl = r.Timeout + time.Minute
	}
	release, err := locker.Acquire(ctx, lockKey, ttl)
	if err != nil {
		return model.Run{}, err
	}
	r.running.Store(true)
	defer r.running.Store(false)
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logging.LogError(r.logger(), "release run lock", err)
		}
	}()

	started := r.clock()
	serviceDate := store.ServiceDate(started)
	prob, err := r.snapshot(ctx)
	if err != nil {
		return model.Run{}, fmt.Errorf("snapshot: %w", err)
	}
	run, err := r.Store.CreateRun(ctx, serviceDate, r.Seed)
	if err != nil {
		return model.Run{}, fmt.Errorf("create run: %w", err)
	}
	run.Requests = len(prob.Requests)
	log := r.logger().With("run_id", run.ID, "service_date", serviceDate)
	log.Info("run started", "requests", run.Requests, "stops", len(prob.Matrix.Stops()))
	r.notify(EventRunStarted, map[string]any{"runId": run.ID, "serviceDate": serviceDate, "requests": run.Requests})

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	res, runErr := opt.Run(runCtx, prob, opt.Options{
		Seed:    r.Seed,
		Workers: r.Workers,
		Logger:  log,
		OnSnapshot: func(s opt.GenerationSnapshot) {
			r.notify(EventRunProgress, map[string]any{
				"runId": run.ID, "generation": s.Generation, "of": prob.Params.Generations,
				"best": s.Best, "mean": s.Mean, "worst": s.Worst,
			})
		},
	})

	finished := r.clock().UTC()
	run.FinishedAt = &finished
	run.Seed = res.Seed
	run.Fitness = res.Fitness
	run.Trips = res.Solution.Trips
	run.Assignments = res.Solution.Assignments
	run.Status = model.RunCompleted
	if runErr != nil {
		run.Status = model.RunFailed
		run.Error = runErr.Error()
	}

	// Persist even when the caller's context is gone.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.Store.FinishRun(saveCtx, run); err != nil {
		logging.LogError(log, "save run", err)
		if runErr == nil {
			runErr = fmt.Errorf("save run: %w", err)
		}
	}
	if res.Metrics.Generations > 0 || runErr == nil {
		if err := r.Store.SaveRunMetrics(saveCtx, serviceDate, run.ID, res.Metrics); err != nil {
			logging.LogError(log, "save run metrics", err)
		}
	}

	status := run.Status
	if errors.Is(runErr, opt.ErrCanceled) {
		status = "canceled"
	}
	metrics.ObserveRun(metrics.RunOutcome{
		Status:       status,
		Duration:     finished.Sub(started),
		Generations:  res.Metrics.Generations,
		EvalFailures: res.Metrics.EvalFailures,
		BestFitness:  res.Fitness,
		Trips:        len(run.Trips),
		Assigned:     len(run.Assignments),
		Requests:     run.Requests,
	})

	if runErr != nil {
		logging.LogError(log, "run failed", runErr, slog.Int("generations", res.Metrics.Generations))
		r.notify(EventRunFailed, map[string]any{"runId": run.ID, "error": runErr.Error()})
		return run, runErr
	}
	logging.LogOperation(log, "run completed",
		slog.Duration("duration", finished.Sub(started)), slog.Float64("fitness", run.Fitness),
		slog.Int("trips", len(run.Trips)), slog.Int("assigned", len(run.Assignments)), slog.Int("requests", run.Requests))
	r.notify(EventRunCompleted, map[string]any{
		"runId": run.ID, "fitness": run.Fitness, "trips": len(run.Trips),
		"assigned": len(run.Assignments), "requests": run.Requests,
	})
	return run, nil
}

// snapshot freezes the network and the booked requests into an optimizer
// problem. Later bookings wait for the next run.
func (r *Runner) snapshot(ctx context.Context) (opt.Problem, error) {
	stops, err := r.Store.ListStops(ctx)
	if err != nil {
		return opt.Problem{}, err
	}
	times, err := r.Store.ListTravelTimes(ctx)
	if err != nil {
		return opt.Problem{}, err
	}
	def := r.DefaultTravelMinutes
	if def <= 0 {
		def = 25
	}
	tt, err := opt.NewMatrixFromPairs(stops, times, def)
	if err != nil {
		return opt.Problem{}, err
	}
	bookings, err := r.Store.ListBookings(ctx)
	if err != nil {
		return opt.Problem{}, err
	}
	reqs := make([]model.Request, len(bookings))
	for i, b := range bookings {
		reqs[i] = b.Request
	}
	return opt.Problem{Requests: reqs, Matrix: tt, Params: r.Params}, nil
}
