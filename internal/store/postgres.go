package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"shuttlematch/internal/model"
	"shuttlematch/internal/opt"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every *.sql file in dir, in name order, that is not yet
// recorded in schema_migrations. Each file runs in its own transaction.
func (p *Postgres) MigrateDir(dir string) error {
	ctx := context.Background()
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrations table: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		name := filepath.Base(f)
		var applied bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		body, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceNetwork swaps the stop table and travel times in one transaction.
func (p *Postgres) ReplaceNetwork(ctx context.Context, stops []model.Stop, times []model.TravelTime) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM travel_times`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stops`); err != nil {
		return err
	}
	for i, s := range stops {
		_, err := tx.ExecContext(ctx, `INSERT INTO stops (id, name, lat, lng, category, seq) VALUES ($1,$2,$3,$4,$5,$6)`,
			s.ID, s.Name, s.Lat, s.Lng, s.Category, i)
		if err != nil {
			return fmt.Errorf("insert stop %s: %w", s.ID, err)
		}
	}
	for _, t := range times {
		_, err := tx.ExecContext(ctx, `INSERT INTO travel_times (from_stop, to_stop, minutes) VALUES ($1,$2,$3)
            ON CONFLICT (from_stop, to_stop) DO UPDATE SET minutes=EXCLUDED.minutes`, t.From, t.To, t.Minutes)
		if err != nil {
			return fmt.Errorf("insert travel time %s->%s: %w", t.From, t.To, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) ListStops(ctx context.Context) ([]model.Stop, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, lat, lng, category FROM stops ORDER BY seq, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Stop{}
	for rows.Next() {
		var s model.Stop
		if err := rows.Scan(&s.ID, &s.Name, &s.Lat, &s.Lng, &s.Category); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListTravelTimes(ctx context.Context) ([]model.TravelTime, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT from_stop, to_stop, minutes FROM travel_times ORDER BY from_stop, to_stop`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.TravelTime{}
	for rows.Next() {
		var t model.TravelTime
		if err := rows.Scan(&t.From, &t.To, &t.Minutes); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const bookingColumns = `id::text, rider_id, origin_stop, dest_stop, eta_min, boarding_min, early_tol, late_tol, created_at`

func (p *Postgres) CreateBooking(ctx context.Context, r model.Request) (model.Booking, error) {
	id := uuid.New()
	if r.ID != "" {
		parsed, err := uuid.Parse(r.ID)
		if err != nil {
			return model.Booking{}, fmt.Errorf("booking id %q: %w", r.ID, err)
		}
		id = parsed
	}
	r.ID = id.String()
	b := model.Booking{Request: r}
	err := p.db.QueryRowContext(ctx, `INSERT INTO booking_requests (id, rider_id, origin_stop, dest_stop, eta_min, boarding_min, early_tol, late_tol)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING created_at`,
		id, r.RiderID, r.OriginStopID, r.DestStopID, int(r.ETA), int(r.BoardingTime), r.EarlyTol, r.LateTol).Scan(&b.CreatedAt)
	if err != nil {
		return model.Booking{}, err
	}
	return b, nil
}

func (p *Postgres) ListBookings(ctx context.Context) ([]model.Booking, error) {
	return p.queryBookings(ctx, `SELECT `+bookingColumns+` FROM booking_requests ORDER BY created_at, id`)
}

func (p *Postgres) ListBookingsByRider(ctx context.Context, riderID string) ([]model.Booking, error) {
	return p.queryBookings(ctx, `SELECT `+bookingColumns+` FROM booking_requests WHERE rider_id=$1 ORDER BY created_at, id`, riderID)
}

func (p *Postgres) queryBookings(ctx context.Context, q string, args ...any) ([]model.Booking, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Booking{}
	for rows.Next() {
		var b model.Booking
		var eta, boarding int
		if err := rows.Scan(&b.ID, &b.RiderID, &b.OriginStopID, &b.DestStopID, &eta, &boarding, &b.EarlyTol, &b.LateTol, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.ETA, b.BoardingTime = model.Clock(eta), model.Clock(boarding)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteBookingsByRider(ctx context.Context, riderID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM booking_requests WHERE rider_id=$1`, riderID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return int(n), nil
}

func (p *Postgres) CreateRun(ctx context.Context, serviceDate string, seed int64) (model.Run, error) {
	run := model.Run{ID: uuid.New().String(), ServiceDate: serviceDate, Status: model.RunRunning, Seed: seed}
	err := p.db.QueryRowContext(ctx, `INSERT INTO runs (id, service_date, status, seed) VALUES ($1,$2,$3,$4) RETURNING started_at`,
		run.ID, serviceDate, run.Status, seed).Scan(&run.StartedAt)
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// FinishRun records the outcome of a run together with its plan.
func (p *Postgres) FinishRun(ctx context.Context, run model.Run) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=$2, finished_at=$3, seed=$4, fitness=$5, requests=$6, error=$7 WHERE id=$1`,
		run.ID, run.Status, finished, run.Seed, run.Fitness, run.Requests, nullIfEmpty(run.Error))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, t := range run.Trips {
		route, err := json.Marshal(t.Route)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO trips (run_id, id, vehicle_id, start_min, end_min, start_stop, end_stop, duration_min, passenger_count, route)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			run.ID, t.ID, t.VehicleID, int(t.StartTime), int(t.EndTime), t.StartStopID, t.EndStopID, t.DurationMinutes, t.PassengerCount, route)
		if err != nil {
			return fmt.Errorf("insert trip %s: %w", t.ID, err)
		}
	}
	for _, a := range run.Assignments {
		_, err := tx.ExecContext(ctx, `INSERT INTO assignments (run_id, request_id, trip_id, boarding_stop, alighting_stop, promised_eta, actual_arrival, boarding_min, alighting_min)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			run.ID, a.RequestID, a.TripID, a.BoardingStopID, a.AlightingStopID, int(a.PromisedETA), int(a.ActualArrival), int(a.BoardingTime), int(a.AlightingTime))
		if err != nil {
			return fmt.Errorf("insert assignment %s: %w", a.RequestID, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id::text, service_date::text, status, started_at, finished_at, seed, COALESCE(fitness,0), COALESCE(requests,0), COALESCE(error,'')`

func scanRun(row interface{ Scan(...any) error }) (model.Run, error) {
	var r model.Run
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.ServiceDate, &r.Status, &r.StartedAt, &finished, &r.Seed, &r.Fitness, &r.Requests, &r.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (model.Run, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Run{}, ErrNotFound
	}
	run, err := scanRun(p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, id))
	if err != nil {
		return model.Run{}, err
	}
	return p.loadPlan(ctx, run)
}

func (p *Postgres) LatestRun(ctx context.Context) (model.Run, error) {
	run, err := scanRun(p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status=$1 ORDER BY started_at DESC LIMIT 1`, model.RunCompleted))
	if err != nil {
		return model.Run{}, err
	}
	return p.loadPlan(ctx, run)
}

func (p *Postgres) loadPlan(ctx context.Context, run model.Run) (model.Run, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, vehicle_id, start_min, end_min, start_stop, end_stop, duration_min, passenger_count, route
        FROM trips WHERE run_id=$1 ORDER BY id`, run.ID)
	if err != nil {
		return model.Run{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var t model.Trip
		var start, end int
		var route []byte
		if err := rows.Scan(&t.ID, &t.VehicleID, &start, &end, &t.StartStopID, &t.EndStopID, &t.DurationMinutes, &t.PassengerCount, &route); err != nil {
			return model.Run{}, err
		}
		t.StartTime, t.EndTime = model.Clock(start), model.Clock(end)
		if err := json.Unmarshal(route, &t.Route); err != nil {
			return model.Run{}, fmt.Errorf("trip %s route: %w", t.ID, err)
		}
		run.Trips = append(run.Trips, t)
	}
	if err := rows.Err(); err != nil {
		return model.Run{}, err
	}

	arows, err := p.db.QueryContext(ctx, `SELECT request_id, trip_id, boarding_stop, alighting_stop, promised_eta, actual_arrival, boarding_min, alighting_min
        FROM assignments WHERE run_id=$1 ORDER BY trip_id, request_id`, run.ID)
	if err != nil {
		return model.Run{}, err
	}
	defer arows.Close()
	for arows.Next() {
		var a model.Assignment
		var eta, actual, board, alight int
		if err := arows.Scan(&a.RequestID, &a.TripID, &a.BoardingStopID, &a.AlightingStopID, &eta, &actual, &board, &alight); err != nil {
			return model.Run{}, err
		}
		a.PromisedETA, a.ActualArrival = model.Clock(eta), model.Clock(actual)
		a.BoardingTime, a.AlightingTime = model.Clock(board), model.Clock(alight)
		run.Assignments = append(run.Assignments, a)
	}
	return run, arows.Err()
}

func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+runColumns+`,
        (SELECT count(*) FROM trips t WHERE t.run_id=runs.id),
        (SELECT count(*) FROM assignments a WHERE a.run_id=runs.id)
        FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RunSummary{}
	for rows.Next() {
		var r model.Run
		var finished sql.NullTime
		var trips, assigned int
		if err := rows.Scan(&r.ID, &r.ServiceDate, &r.Status, &r.StartedAt, &finished, &r.Seed, &r.Fitness, &r.Requests, &r.Error, &trips, &assigned); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		s := r.Summary()
		s.Trips, s.Assigned = trips, assigned
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveRunMetrics(ctx context.Context, serviceDate, runID string, m opt.Metrics) error {
	history, err := json.Marshal(m.BestHistory)
	if err != nil {
		return err
	}
	snaps, err := json.Marshal(m.Snapshots)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO run_metrics (run_id, service_date, generations, evaluations, eval_failures, improvements, best_fitness, trips, assigned, requests, elapsed_ms, best_history, snapshots)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
        ON CONFLICT (run_id) DO UPDATE SET
          generations=$3, evaluations=$4, eval_failures=$5, improvements=$6, best_fitness=$7, trips=$8, assigned=$9, requests=$10, elapsed_ms=$11, best_history=$12, snapshots=$13, created_at=now()`,
		runID, serviceDate, m.Generations, m.Evaluations, m.EvalFailures, m.Improvements, m.BestFitness, m.Trips, m.Assigned, m.Requests, m.Elapsed.Milliseconds(), history, snaps,
	)
	return err
}

func (p *Postgres) ListRunMetrics(ctx context.Context, serviceDate string) ([]RunMetrics, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT run_id::text, service_date::text, created_at, generations, evaluations, eval_failures, improvements, best_fitness, trips, assigned, requests, elapsed_ms, best_history, snapshots
        FROM run_metrics WHERE service_date=$1 ORDER BY created_at`, serviceDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []RunMetrics{}
	for rows.Next() {
		var r RunMetrics
		var elapsed int64
		var history, snaps []byte
		m := &r.Metrics
		if err := rows.Scan(&r.RunID, &r.ServiceDate, &r.CreatedAt, &m.Generations, &m.Evaluations, &m.EvalFailures, &m.Improvements,
			&m.BestFitness, &m.Trips, &m.Assigned, &m.Requests, &elapsed, &history, &snaps); err != nil {
			return nil, err
		}
		m.Elapsed = time.Duration(elapsed) * time.Millisecond
		if err := unmarshalOptional(history, &m.BestHistory); err != nil {
			return nil, err
		}
		if err := unmarshalOptional(snaps, &m.Snapshots); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func unmarshalOptional(b []byte, v any) error {
	if len(b) == 0 || strings.TrimSpace(string(b)) == "null" {
		return nil
	}
	return json.Unmarshal(b, v)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
