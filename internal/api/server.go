// Package api implements the HTTP surface of the shuttle matching service.
package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shuttlematch/internal/auth"
	"shuttlematch/internal/config"
	"shuttlematch/internal/logging"
	"shuttlematch/internal/metrics"
	"shuttlematch/internal/model"
	"shuttlematch/internal/store"
)

// Runner starts optimization runs; *scheduler.Runner satisfies it.
type Runner interface {
	RunOnce(ctx context.Context) (model.Run, error)
	Running() bool
}

type Deps struct {
	Store                store.Store
	Broker               EventBroker
	Runner               Runner
	Auth                 *auth.Verifier
	Intake               config.IntakeConfig
	DefaultTravelMinutes int
	Logger               *slog.Logger
	// Settings is the non-secret configuration shown by /debug.
	Settings map[string]any
	// Context bounds runs started in the background by POST /v1/runs.
	Context context.Context
}

type Server struct {
	Store                store.Store
	Broker               EventBroker
	Runner               Runner
	Auth                 *auth.Verifier
	Intake               config.IntakeConfig
	DefaultTravelMinutes int
	Logger               *slog.Logger
	Settings             map[string]any

	baseCtx context.Context
	limiter *clientLimiter
	rngMu   sync.Mutex
	rng     *rand.Rand
}

func NewServer(d Deps) *Server {
	seed := d.Intake.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if d.Broker == nil {
		d.Broker = NewBroker()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Context == nil {
		d.Context = context.Background()
	}
	if d.DefaultTravelMinutes <= 0 {
		d.DefaultTravelMinutes = 25
	}
	return &Server{
		Store:                d.Store,
		Broker:               d.Broker,
		Runner:               d.Runner,
		Auth:                 d.Auth,
		Intake:               d.Intake,
		DefaultTravelMinutes: d.DefaultTravelMinutes,
		Logger:               d.Logger,
		Settings:             d.Settings,
		baseCtx:              d.Context,
		limiter:              newClientLimiter(d.Intake.RateRPS, d.Intake.RateBurst),
		rng:                  rand.New(rand.NewSource(seed)),
	}
}

// PublishRunEvent forwards a run lifecycle event to run subscribers. It has
// the shape of scheduler.Runner.Notify.
func (s *Server) PublishRunEvent(eventType string, data map[string]any) {
	s.Broker.Publish(runsTopic, Event{Type: eventType, Data: data})
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}

	// Intake and rider lookups
	handle("/v1/requests", s.limiter.wrap(s.RequestsHandler))
	handle("/v1/requests/", s.RequestByRiderHandler)
	handle("/v1/results/", s.ResultsHandler)
	handle("/v1/route-time", s.RouteTimeHandler)

	// Network and plan
	handle("/v1/stops", s.StopsHandler)
	handle("/v1/trips", s.TripsHandler)
	handle("/v1/trips/", s.TripByIDHandler)

	// Runs
	handle("/v1/runs", s.RunsHandler)
	handle("/v1/runs/", s.RunByIDHandler) // includes /latest, /events, /ws

	// Admin
	handle("/v1/admin/run-metrics", s.RunMetricsHandler)

	// Health
	handle("/healthz", s.HealthHandler)
	handle("/readyz", s.ReadyHandler)
	handle("/debug", s.DebugJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// instrument writes the access log and the HTTP collectors. route is the
// registered pattern, which keeps the path label bounded.
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(logging.WithLogger(r.Context(), s.Logger)))
		dur := time.Since(start)
		code := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, route, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route, code).Observe(dur.Seconds())
		logging.LogHTTPRequest(s.Logger, r.Method, r.URL.Path, rec.status, float64(dur.Microseconds())/1000,
			slog.String("remote", clientKey(r)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.wrote = true
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// draw returns a uniform integer in [lo, hi].
func (s *Server) draw(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return lo + s.rng.Intn(hi-lo+1)
}
