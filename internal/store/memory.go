package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"shuttlematch/internal/model"
	"shuttlematch/internal/opt"
)

// DefaultRunLimit is how many runs Memory retains; older runs and their
// plans are forgotten. Run metrics are kept regardless.
const DefaultRunLimit = 100

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	// RunLimit caps retained runs; zero or less keeps every run.
	RunLimit int


	mu       sync.Mutex
	stops    []model.Stop
	times    []model.TravelTime
	bookings []model.Booking         // creation order
	runs     map[string]model.Run    // id -> run
	runOrder []string                // run ids in start order
	metrics  map[string][]RunMetrics // serviceDate -> records
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		RunLimit: DefaultRunLimit,
		runs:     map[string]model.Run{},
		metrics:  map[string][]RunMetrics{},
		now:      time.Now,
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) ReplaceNetwork(ctx context.Context, stops []model.Stop, times []model.TravelTime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append([]model.Stop(nil), stops...)
	m.times = append([]model.TravelTime(nil), times...)
	return nil
}

func (m *Memory) ListStops(ctx context.Context) ([]model.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Stop{}, m.stops...), nil
}

func (m *Memory) ListTravelTimes(ctx context.Context) ([]model.TravelTime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TravelTime{}, m.times...), nil
}

func (m *Memory) CreateBooking(ctx context.Context, r model.Request) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	b := model.Booking{Request: r, CreatedAt: m.now().UTC()}
	m.bookings = append(m.bookings, b)
	return b, nil
}

func (m *Memory) ListBookings(ctx context.Context) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Booking{}, m.bookings...), nil
}

func (m *Memory) ListBookingsByRider(ctx context.Context, riderID string) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Booking{}
	for _, b := range m.bookings {
		if b.RiderID == riderID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Memory) DeleteBookingsByRider(ctx context.Context, riderID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.bookings[:0]
	removed := 0
	for _, b := range m.bookings {
		if b.RiderID == riderID {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	m.bookings = kept
	if removed == 0 {
		return 0, ErrNotFound
	}
	return removed, nil
}

func (m *Memory) CreateRun(ctx context.Context, serviceDate string, seed int64) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := model.Run{
		ID:          uuid.New().String(),
		ServiceDate: serviceDate,
		Status:      model.RunRunning,
		StartedAt:   m.now().UTC(),
		Seed:        seed,
	}
	m.runs[run.ID] = run
	m.runOrder = append(m.runOrder, run.ID)
	m.evictRuns()
	return run, nil
}

// evictRuns drops the oldest runs beyond RunLimit. The newest run is never
// dropped, so a run in progress can always be finished.
func (m *Memory) evictRuns() {
	if m.RunLimit <= 0 || len(m.runOrder) <= m.RunLimit {
		return
	}
	drop := len(m.runOrder) - m.RunLimit
	for _, id := range m.runOrder[:drop] {
		delete(m.runs, id)
	}
	m.runOrder = append([]string(nil), m.runOrder[drop:]...)
}

func (m *Memory) FinishRun(ctx context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	run.StartedAt = prev.StartedAt
	if run.FinishedAt == nil {
		now := m.now().UTC()
		run.FinishedAt = &now
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return model.Run{}, ErrNotFound
	}
	return run, nil
}

func (m *Memory) LatestRun(ctx context.Context) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		if run := m.runs[m.runOrder[i]]; run.Status == model.RunCompleted {
			return run, nil
		}
	}
	return model.Run{}, ErrNotFound
}

func (m *Memory) ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out := []model.RunSummary{}
	for i := len(m.runOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.runs[m.runOrder[i]].Summary())
	}
	return out, nil
}

func (m *Memory) SaveRunMetrics(ctx context.Context, serviceDate, runID string, mx opt.Metrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.metrics[serviceDate]
	for i := range recs {
		if recs[i].RunID == runID {
			recs[i].Metrics = mx
			return nil
		}
	}
	m.metrics[serviceDate] = append(recs, RunMetrics{RunID: runID, ServiceDate: serviceDate, CreatedAt: m.now().UTC(), Metrics: mx})
	return nil
}

func (m *Memory) ListRunMetrics(ctx context.Context, serviceDate string) ([]RunMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]RunMetrics{}, m.metrics[serviceDate]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
