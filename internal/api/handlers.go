package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shuttlematch/internal/logging"
	"shuttlematch/internal/model"
	"shuttlematch/internal/opt"
	"shuttlematch/internal/scheduler"
	"shuttlematch/internal/store"
)

const maxBodyBytes = 1 << 20

type bookingResponse struct {
	RequestID    string      `json:"requestId"`
	RiderID      string      `json:"uid"`
	Origin       string      `json:"origin"`
	Destination  string      `json:"destination"`
	ETA          model.Clock `json:"eta"`
	BoardingTime model.Clock `json:"boarding_time"`
	TravelTime   int         `json:"travel_time"`
	EarlyTol     int         `json:"early_tol"`
	LateTol      int         `json:"late_tol"`
	CreatedAt    time.Time   `json:"created_at"`
}

// RequestsHandler takes a booking: POST /v1/requests.
func (s *Server) RequestsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/requests" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var in model.BookingIn
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeProblemCode(w, http.StatusBadRequest, "Invalid JSON", "invalid_json", err.Error(), r.URL.Path)
		return
	}
	eta, _, err := parseBooking(in)
	if err != nil {
		var be *bookingError
		if errors.As(err, &be) {
			writeProblemCode(w, http.StatusBadRequest, be.Title, be.Code, be.Detail, r.URL.Path)
			return
		}
		writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path)
		return
	}
	tt, err := s.matrix(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load network failed", err.Error(), r.URL.Path)
		return
	}
	// An empty network accepts any stop id at the default travel time.
	if len(tt.Stops()) > 0 {
		for _, id := range []string{in.Origin, in.Destination} {
			if !tt.HasStop(id) {
				writeProblemCode(w, http.StatusBadRequest, "Unknown stop", "unknown_stop", id, r.URL.Path)
				return
			}
		}
	}
	travel := tt.Minutes(in.Origin, in.Destination)
	reduction := s.draw(s.Intake.ReductionMin, s.Intake.ReductionMax)
	req := model.Request{
		RiderID:      in.RiderID,
		OriginStopID: in.Origin,
		DestStopID:   in.Destination,
		ETA:          eta,
		BoardingTime: eta.Add(-travel - reduction),
		EarlyTol:     s.draw(s.Intake.ToleranceMin, s.Intake.ToleranceMax),
		LateTol:      s.draw(s.Intake.ToleranceMin, s.Intake.ToleranceMax),
	}
	b, err := s.Store.CreateBooking(r.Context(), req)
	if err != nil {
		logging.LogError(s.Logger, "create booking", err, slog.String("uid", in.RiderID))
		writeProblem(w, http.StatusInternalServerError, "Create booking failed", err.Error(), r.URL.Path)
		return
	}
	s.Logger.Debug("booking accepted", "request_id", b.ID, "uid", b.RiderID, "eta", b.ETA.String())
	writeJSON(w, http.StatusCreated, bookingResponse{
		RequestID:    b.ID,
		RiderID:      b.RiderID,
		Origin:       b.OriginStopID,
		Destination:  b.DestStopID,
		ETA:          b.ETA,
		BoardingTime: b.BoardingTime,
		TravelTime:   travel,
		EarlyTol:     b.EarlyTol,
		LateTol:      b.LateTol,
		CreatedAt:    b.CreatedAt,
	})
}

// RequestByRiderHandler lists (GET) or cancels (DELETE) a rider's bookings:
// /v1/requests/{riderId}.
func (s *Server) RequestByRiderHandler(w http.ResponseWriter, r *http.Request) {
	rider := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	if rider == "" || strings.Contains(rider, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.Store.ListBookingsByRider(r.Context(), rider)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List bookings failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"uid": rider, "items": items})
	case http.MethodDelete:
		n, err := s.Store.DeleteBookingsByRider(r.Context(), rider)
		if errors.Is(err, store.ErrNotFound) {
			writeProblemCode(w, http.StatusNotFound, "No bookings", "not_found", "no bookings for "+rider, r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Delete bookings failed", err.Error(), r.URL.Path)
			return
		}
		logging.LogOperation(s.Logger, "bookings canceled", slog.String("uid", rider), slog.Int("count", n))
		writeJSON(w, http.StatusOK, map[string]any{"uid": rider, "deleted": n})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ResultsHandler reports how each of a rider's bookings fared in the latest
// completed run: GET /v1/results/{riderId}.
func (s *Server) ResultsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rider := strings.TrimPrefix(r.URL.Path, "/v1/results/")
	if rider == "" || strings.Contains(rider, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	bookings, err := s.Store.ListBookingsByRider(r.Context(), rider)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List bookings failed", err.Error(), r.URL.Path)
		return
	}
	if len(bookings) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"uid": rider, "results": []model.BookingResult{}, "message": "no bookings found"})
		return
	}
	run, err := s.Store.LatestRun(r.Context())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusInternalServerError, "Load run failed", err.Error(), r.URL.Path)
		return
	}
	byRequest := make(map[string]model.Assignment, len(run.Assignments))
	for _, a := range run.Assignments {
		byRequest[a.RequestID] = a
	}
	trips := make(map[string]model.Trip, len(run.Trips))
	for _, t := range run.Trips {
		trips[t.ID] = t
	}
	results := make([]model.BookingResult, 0, len(bookings))
	for _, b := range bookings {
		res := model.BookingResult{RequestID: b.ID, Origin: b.OriginStopID, Destination: b.DestStopID, CreatedAt: b.CreatedAt}
		if a, ok := byRequest[b.ID]; ok {
			pickup, arrive := a.BoardingTime, a.ActualArrival
			res.Matched = true
			res.PickupTime = &pickup
			res.ArriveTime = &arrive
			if t, ok := trips[a.TripID]; ok {
				res.Shuttle = model.ShuttleInfoFor(t)
			}
		}
		results = append(results, res)
	}
	out := map[string]any{"uid": rider, "results": results}
	if run.ID != "" {
		out["runId"] = run.ID
	}
	writeJSON(w, http.StatusOK, out)
}

// RouteTimeHandler looks up the table entry: GET /v1/route-time?from=&to=.
func (s *Server) RouteTimeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeProblemCode(w, http.StatusBadRequest, "Missing parameters", "missing_parameters", "from and to are required", r.URL.Path)
		return
	}
	tt, err := s.matrix(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load network failed", err.Error(), r.URL.Path)
		return
	}
	mins, ok := tt.Lookup(from, to)
	if !ok {
		writeProblemCode(w, http.StatusBadRequest, "Invalid route", "invalid_route", from+" -> "+to, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "time": mins})
}

// StopsHandler returns the stop network: GET /v1/stops.
func (s *Server) StopsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stops, err := s.Store.ListStops(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List stops failed", err.Error(), r.URL.Path)
		return
	}
	times, err := s.Store.ListTravelTimes(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List travel times failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stops": stops, "travelTimes": times})
}

// TripsHandler lists the trips of the latest completed run: GET /v1/trips.
func (s *Server) TripsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	run, err := s.Store.LatestRun(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"trips": []model.Trip{}})
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load run failed", err.Error(), r.URL.Path)
		return
	}
	trips := run.Trips
	if trips == nil {
		trips = []model.Trip{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": run.ID, "serviceDate": run.ServiceDate, "trips": trips})
}

// TripByIDHandler returns one trip of the latest run with its riders:
// GET /v1/trips/{id}.
func (s *Server) TripByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/trips/")
	run, err := s.Store.LatestRun(r.Context())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusInternalServerError, "Load run failed", err.Error(), r.URL.Path)
		return
	}
	for _, t := range run.Trips {
		if t.ID != id {
			continue
		}
		riders := []model.Assignment{}
		for _, a := range run.Assignments {
			if a.TripID == id {
				riders = append(riders, a)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"runId": run.ID, "trip": t, "assignments": riders})
		return
	}
	writeProblem(w, http.StatusNotFound, "Trip not found", id, r.URL.Path)
}

// RunsHandler lists runs (GET) or starts one (POST, admin): /v1/runs.
// POST runs in the background and answers 202 unless ?wait=true.
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/runs" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		items, err := s.Store.ListRuns(r.Context(), limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List runs failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		if !s.requireAdmin(w, r) {
			return
		}
		if s.Runner == nil {
			writeProblem(w, http.StatusServiceUnavailable, "Runner unavailable", "", r.URL.Path)
			return
		}
		if s.Runner.Running() {
			writeProblemCode(w, http.StatusConflict, "Run in progress", "run_in_progress", scheduler.ErrRunInProgress.Error(), r.URL.Path)
			return
		}
		if r.URL.Query().Get("wait") == "true" {
			run, err := s.Runner.RunOnce(r.Context())
			switch {
			case errors.Is(err, scheduler.ErrRunInProgress):
				writeProblemCode(w, http.StatusConflict, "Run in progress", "run_in_progress", err.Error(), r.URL.Path)
			case err != nil:
				writeProblem(w, http.StatusInternalServerError, "Run failed", err.Error(), r.URL.Path)
			default:
				writeJSON(w, http.StatusOK, run.Summary())
			}
			return
		}
		go s.runInBackground()
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) runInBackground() {
	_, err := s.Runner.RunOnce(s.baseCtx)
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		s.Logger.Info("manual run skipped", "reason", "run in progress")
	case err != nil:
		logging.LogError(s.Logger, "manual run", err)
	}
}

// RunByIDHandler serves /v1/runs/latest, /v1/runs/events, /v1/runs/ws and
// /v1/runs/{id}.
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if rest == "" || strings.Contains(rest, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch rest {
	case "events":
		s.RunEventsHandler(w, r)
		return
	case "ws":
		s.RunWSHandler(w, r)
		return
	}
	var (
		run model.Run
		err error
	)
	if rest == "latest" {
		run, err = s.Store.LatestRun(r.Context())
	} else {
		run, err = s.Store.GetRun(r.Context(), rest)
	}
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Run not found", rest, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load run failed", err.Error(), r.URL.Path)
		return
	}
	if rest == "latest" {
		writeJSON(w, http.StatusOK, run.Summary())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// RunMetricsHandler returns persisted optimizer metrics for a service date
// (default today): GET /v1/admin/run-metrics?serviceDate=YYYY-MM-DD.
func (s *Server) RunMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	date := r.URL.Query().Get("serviceDate")
	if date == "" {
		date = store.ServiceDate(time.Now())
	} else if _, err := time.Parse(time.DateOnly, date); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid serviceDate", err.Error(), r.URL.Path)
		return
	}
	items, err := s.Store.ListRunMetrics(r.Context(), date)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List run metrics failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"serviceDate": date, "items": items})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	type pinger interface{ Ping(ctx context.Context) error }
	if p, ok := s.Broker.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// matrix builds the travel-time table from the stored network.
func (s *Server) matrix(ctx context.Context) (*opt.Matrix, error) {
	stops, err := s.Store.ListStops(ctx)
	if err != nil {
		return nil, err
	}
	times, err := s.Store.ListTravelTimes(ctx)
	if err != nil {
		return nil, err
	}
	return opt.NewMatrixFromPairs(stops, times, s.DefaultTravelMinutes)
}
