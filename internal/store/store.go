package store

import (
	"context"
	"errors"
	"time"

	"shuttlematch/internal/model"
	"shuttlematch/internal/opt"
)

// Store is the persistence interface used by the API server and the run
// scheduler.
type Store interface {
	Ping(ctx context.Context) error

	// Network
	ReplaceNetwork(ctx context.Context, stops []model.Stop, times []model.TravelTime) error
	ListStops(ctx context.Context) ([]model.Stop, error)
	ListTravelTimes(ctx context.Context) ([]model.TravelTime, error)

	// Bookings. ListBookings returns them in creation order, which is the
	// order a run hands them to the optimizer.
	CreateBooking(ctx context.Context, r model.Request) (model.Booking, error)
	ListBookings(ctx context.Context) ([]model.Booking, error)
	ListBookingsByRider(ctx context.Context, riderID string) ([]model.Booking, error)
	DeleteBookingsByRider(ctx context.Context, riderID string) (int, error)

	// Runs
	CreateRun(ctx context.Context, serviceDate string, seed int64) (model.Run, error)
	FinishRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id string) (model.Run, error)
	// LatestRun is the most recently started completed run.
	LatestRun(ctx context.Context) (model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error)

	// Metrics
	SaveRunMetrics(ctx context.Context, serviceDate, runID string, m opt.Metrics) error
	ListRunMetrics(ctx context.Context, serviceDate string) ([]RunMetrics, error)
}

// RunMetrics is a persisted optimizer metrics record.
type RunMetrics struct {
	RunID       string      `json:"runId"`
	ServiceDate string      `json:"serviceDate"`
	CreatedAt   time.Time   `json:"createdAt"`
	Metrics     opt.Metrics `json:"metrics"`
}

var ErrNotFound = errors.New("not found")

// ServiceDate formats t as the date key runs and metrics are filed under.
func ServiceDate(t time.Time) string { return t.Format(time.DateOnly) }
