package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttlematch/internal/auth"
	"shuttlematch/internal/config"
	"shuttlematch/internal/model"
	"shuttlematch/internal/opt"
	"shuttlematch/internal/scheduler"
	"shuttlematch/internal/store"
)

func testIntake() config.IntakeConfig {
	return config.IntakeConfig{ReductionMin: 5, ReductionMax: 5, ToleranceMin: 15, ToleranceMax: 15, Seed: 1}
}

func seededMemory(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	stops := []model.Stop{{ID: "X", Name: "Depot"}, {ID: "Y", Name: "Campus"}, {ID: "Z", Name: "Station"}}
	times := []model.TravelTime{
		{From: "X", To: "Y", Minutes: 15}, {From: "Y", To: "X", Minutes: 15},
		{From: "X", To: "Z", Minutes: 20}, {From: "Z", To: "X", Minutes: 20},
		{From: "Y", To: "Z", Minutes: 10}, {From: "Z", To: "Y", Minutes: 10},
	}
	require.NoError(t, m.ReplaceNetwork(context.Background(), stops, times))
	return m
}

func newTestServer(t *testing.T, s store.Store) (*Server, *scheduler.Runner) {
	t.Helper()
	srv := NewServer(Deps{Store: s, Intake: testIntake(), DefaultTravelMinutes: 25})
	runner := &scheduler.Runner{
		Store: s,
		Params: opt.Params{
			Capacity: 4, MinPassengers: 2, MaxVehicles: 5, PopulationSize: 20,
			Generations: 15, MutationRate: 0.15, MaxDetourFactor: 2, MaxRouteDuration: 120,
		},
		Seed:                 3,
		Workers:              2,
		DefaultTravelMinutes: 25,
		Timeout:              time.Minute,
		Locker:               scheduler.NewLocalLocker(),
		Notify:               srv.PublishRunEvent,
	}
	srv.Runner = runner
	return srv, runner
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func booking(uid, origin, dest, earliest, latest string) string {
	b, _ := json.Marshal(map[string]string{
		"uid": uid, "origin": origin, "destination": dest,
		"earliest_arrival": earliest, "latest_arrival": latest,
	})
	return string(b)
}

func TestHealthReady(t *testing.T) {
	srv, _ := newTestServer(t, store.NewMemory())
	h := srv.Routes()
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	rr := do(t, h, http.MethodGet, "/debug", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, decode(t, rr), "build")
}

func TestReadyFailsWhenBrokerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rb, err := NewRedisBroker("redis://" + mr.Addr())
	require.NoError(t, err)
	defer rb.Close()
	srv := NewServer(Deps{Store: store.NewMemory(), Broker: rb})
	h := srv.Routes()
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)
}

func TestIntakeRejects(t *testing.T) {
	srv, _ := newTestServer(t, seededMemory(t))
	h := srv.Routes()
	cases := []struct {
		name string
		body string
		code string
	}{
		{"bad json", `{"uid":`, "invalid_json"},
		{"missing fields", `{"uid":"u1","origin":"X"}`, "missing_fields"},
		{"same location", booking("u1", "X", "X", "09:00", "09:30"), "same_location"},
		{"bad time", booking("u1", "X", "Y", "9am", "09:30"), "invalid_time_format"},
		{"bad range", booking("u1", "X", "Y", "10:00", "09:30"), "invalid_time_range"},
		{"unknown stop", booking("u1", "X", "Q", "09:00", "09:30"), "unknown_stop"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/v1/requests", tc.body)
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Equal(t, tc.code, decode(t, rr)["code"])
		})
	}
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/v1/requests", "").Code)
}

func TestIntakeComputesBoarding(t *testing.T) {
	srv, _ := newTestServer(t, seededMemory(t))
	h := srv.Routes()

	rr := do(t, h, http.MethodPost, "/v1/requests", booking("u1", "X", "Y", "09:00", "09:30"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	out := decode(t, rr)
	assert.Equal(t, "09:00", out["eta"])
	assert.Equal(t, float64(15), out["travel_time"])
	assert.Equal(t, "08:40", out["boarding_time"], "eta minus travel minus reduction")
	assert.Equal(t, float64(15), out["early_tol"])
	assert.Equal(t, float64(15), out["late_tol"])
	assert.NotEmpty(t, out["requestId"])

	items, err := srv.Store.ListBookingsByRider(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.MustClock("08:40"), items[0].BoardingTime)
}

func TestIntakeToleranceRange(t *testing.T) {
	s := seededMemory(t)
	srv := NewServer(Deps{Store: s, Intake: config.IntakeConfig{ReductionMin: 5, ReductionMax: 15, ToleranceMin: 5, ToleranceMax: 15, Seed: 9}})
	h := srv.Routes()
	for i := 0; i < 20; i++ {
		out := decode(t, do(t, h, http.MethodPost, "/v1/requests", booking("u1", "X", "Z", "10:00", "10:30")))
		for _, k := range []string{"early_tol", "late_tol"} {
			v := out[k].(float64)
			assert.GreaterOrEqual(t, v, float64(5))
			assert.LessOrEqual(t, v, float64(15))
		}
		boarding, err := model.ParseClock(out["boarding_time"].(string))
		require.NoError(t, err)
		reduction := int(model.MustClock("10:00")) - 20 - int(boarding)
		assert.GreaterOrEqual(t, reduction, 5)
		assert.LessOrEqual(t, reduction, 15)
	}
}

func TestIntakeEmptyNetworkUsesDefault(t *testing.T) {
	srv, _ := newTestServer(t, store.NewMemory())
	rr := do(t, srv.Routes(), http.MethodPost, "/v1/requests", booking("u1", "A", "B", "09:00", "09:10"))
	require.Equal(t, http.StatusCreated, rr.Code)
	out := decode(t, rr)
	assert.Equal(t, float64(25), out["travel_time"])
	assert.Equal(t, "08:30", out["boarding_time"])
}

func TestCancelRequests(t *testing.T) {
	srv, _ := newTestServer(t, seededMemory(t))
	h := srv.Routes()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/requests/u1", "").Code)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/requests", booking("u1", "X", "Y", "09:00", "09:30")).Code)
	}
	rr := do(t, h, http.MethodGet, "/v1/requests/u1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["items"], 2)

	rr = do(t, h, http.MethodDelete, "/v1/requests/u1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), decode(t, rr)["deleted"])
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/requests/u1", "").Code)
}

func TestRouteTime(t *testing.T) {
	srv, _ := newTestServer(t, seededMemory(t))
	h := srv.Routes()

	rr := do(t, h, http.MethodGet, "/v1/route-time?from=X", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "missing_parameters", decode(t, rr)["code"])

	rr = do(t, h, http.MethodGet, "/v1/route-time?from=X&to=Q", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_route", decode(t, rr)["code"])

	rr = do(t, h, http.MethodGet, "/v1/route-time?from=Y&to=Z", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(10), decode(t, rr)["time"])
}

func TestStops(t *testing.T) {
	srv, _ := newTestServer(t, seededMemory(t))
	rr := do(t, srv.Routes(), http.MethodGet, "/v1/stops", "")
	require.Equal(t, http.StatusOK, rr.Code)
	out := decode(t, rr)
	assert.Len(t, out["stops"], 3)
	assert.Len(t, out["travelTimes"], 6)
}

func TestRunFlowAndResults(t *testing.T) {
	srv, _ := newTestServer(t, seededMemory(t))
	h := srv.Routes()

	// Before any run: empty plan, unmatched results.
	rr := do(t, h, http.MethodGet, "/v1/trips", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode(t, rr)["trips"])
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/runs/latest", "").Code)

	rr = do(t, h, http.MethodGet, "/v1/results/nobody", "")
	require.Equal(t, http.StatusOK, rr.Code)
	out := decode(t, rr)
	assert.Empty(t, out["results"])
	assert.NotEmpty(t, out["message"])

	riders := []struct{ uid, dest string }{{"u1", "Y"}, {"u2", "Y"}, {"u3", "Z"}, {"u4", "Z"}}
	for _, r := range riders {
		require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/requests", booking(r.uid, "X", r.dest, "09:00", "09:30")).Code)
	}

	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/v1/runs?wait=true", "").Code)
	rr = do(t, h, http.MethodPost, "/v1/runs?wait=true", "", "X-Role", "admin")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	summary := decode(t, rr)
	assert.Equal(t, model.RunCompleted, summary["status"])
	assert.Equal(t, float64(4), summary["requests"])
	assigned := int(summary["assigned"].(float64))

	rr = do(t, h, http.MethodGet, "/v1/runs/latest", "")
	require.Equal(t, http.StatusOK, rr.Code)
	runID := decode(t, rr)["id"].(string)

	rr = do(t, h, http.MethodGet, "/v1/runs/"+runID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var run model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &run))
	assert.Len(t, run.Assignments, assigned)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/runs/missing", "").Code)

	rr = do(t, h, http.MethodGet, "/v1/trips", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["trips"], len(run.Trips))
	for _, trip := range run.Trips {
		rr = do(t, h, http.MethodGet, "/v1/trips/"+trip.ID, "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode(t, rr)["assignments"], trip.PassengerCount)
	}
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/trips/T999999", "").Code)

	matched := 0
	for _, r := range riders {
		rr = do(t, h, http.MethodGet, "/v1/results/"+r.uid, "")
		require.Equal(t, http.StatusOK, rr.Code)
		var body struct {
			RunID   string                `json:"runId"`
			Results []model.BookingResult `json:"results"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		require.Len(t, body.Results, 1)
		assert.Equal(t, runID, body.RunID)
		res := body.Results[0]
		assert.Equal(t, "X", res.Origin)
		assert.Equal(t, r.dest, res.Destination)
		if res.Matched {
			matched++
			require.NotNil(t, res.Shuttle)
			require.NotNil(t, res.PickupTime)
			require.NotNil(t, res.ArriveTime)
			assert.Contains(t, res.Shuttle.RouteSequence, r.dest)
		} else {
			assert.Nil(t, res.Shuttle)
		}
	}
	assert.Equal(t, assigned, matched)

	rr = do(t, h, http.MethodGet, "/v1/runs?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["items"], 1)

	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/v1/admin/run-metrics", "").Code)
	rr = do(t, h, http.MethodGet, "/v1/admin/run-metrics?serviceDate="+run.ServiceDate, "", "X-Role", "admin")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode(t, rr)["items"], 1)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/admin/run-metrics?serviceDate=yesterday", "", "X-Role", "admin").Code)
}

type busyRunner struct{}

func (busyRunner) RunOnce(context.Context) (model.Run, error) {
	return model.Run{}, scheduler.ErrRunInProgress
}
func (busyRunner) Running() bool { return true }

type idleLockedRunner struct{ busyRunner }

func (idleLockedRunner) Running() bool { return false }

func TestRunConflict(t *testing.T) {
	srv := NewServer(Deps{Store: store.NewMemory(), Runner: busyRunner{}})
	rr := do(t, srv.Routes(), http.MethodPost, "/v1/runs", "", "X-Role", "admin")
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "run_in_progress", decode(t, rr)["code"])

	// Another replica holds the lock.
	srv = NewServer(Deps{Store: store.NewMemory(), Runner: idleLockedRunner{}})
	rr = do(t, srv.Routes(), http.MethodPost, "/v1/runs?wait=true", "", "X-Role", "admin")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRunAsync(t *testing.T) {
	s := seededMemory(t)
	srv, runner := newTestServer(t, s)
	h := srv.Routes()
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/requests", booking("u1", "X", "Y", "09:00", "09:30")).Code)

	rr := do(t, h, http.MethodPost, "/v1/runs", "", "X-Role", "admin")
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Eventually(t, func() bool {
		runs, err := s.ListRuns(context.Background(), 10)
		return err == nil && len(runs) == 1 && runs[0].Status != model.RunRunning && !runner.Running()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIntakeRateLimited(t *testing.T) {
	intake := testIntake()
	intake.RateRPS = 1
	intake.RateBurst = 1
	srv := NewServer(Deps{Store: seededMemory(t), Intake: intake})
	h := srv.Routes()

	body := booking("u1", "X", "Y", "09:00", "09:30")
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/requests", body).Code)
	rr := do(t, h, http.MethodPost, "/v1/requests", body)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	// A different client has its own bucket.
	rr = do(t, h, http.MethodPost, "/v1/requests", body, "X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientKey(r))
	r.Header.Set("X-Forwarded-For", " 198.51.100.2 , 10.0.0.1")
	assert.Equal(t, "198.51.100.2", clientKey(r))
}

func TestRunEventsSSE(t *testing.T) {
	srv, _ := newTestServer(t, seededMemory(t))
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/runs/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: heartbeat\n", line)
	_, err = rd.ReadString('\n') // data
	require.NoError(t, err)
	_, err = rd.ReadString('\n') // blank
	require.NoError(t, err)

	srv.PublishRunEvent(scheduler.EventRunCompleted, map[string]any{"runId": "r1"})
	line, err = rd.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: run.completed\n", line)
	line, err = rd.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
	assert.Contains(t, line, `"runId":"r1"`)
}

func TestRunWebSocket(t *testing.T) {
	srv, _ := newTestServer(t, seededMemory(t))
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() wsMessage {
		var m wsMessage
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
	assert.Equal(t, "connection_ack", read().Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"types":["run.completed"]}`)}))
	// The server handles messages in order, so the pong means the
	// subscription is in place.
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	assert.Equal(t, "pong", read().Type)

	srv.PublishRunEvent(scheduler.EventRunProgress, map[string]any{"generation": 1})
	srv.PublishRunEvent(scheduler.EventRunCompleted, map[string]any{"runId": "r1"})

	msg := read()
	require.Equal(t, "next", msg.Type)
	assert.Equal(t, "1", msg.ID)
	var evt Event
	require.NoError(t, json.Unmarshal(msg.Payload, &evt))
	assert.Equal(t, scheduler.EventRunCompleted, evt.Type)
	assert.Equal(t, "r1", evt.Data["runId"])

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "complete", ID: "1"}))
	assert.Equal(t, "complete", read().Type)
}

func TestAdminRequiresTokenInHMACMode(t *testing.T) {
	secret := "s3cret"
	srv, _ := newTestServer(t, seededMemory(t))
	srv.Auth = auth.NewVerifier(auth.ModeHMAC, secret, "role")
	h := srv.Routes()

	// Headers are not trusted once tokens are required.
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/v1/admin/run-metrics", "", "X-Role", "admin").Code)

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin"}).SignedString([]byte("wrong"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/v1/admin/run-metrics", "", "Authorization", "Bearer "+bad).Code)

	good, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": "admin", "sub": "ops", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/admin/run-metrics", "", "Authorization", "Bearer "+good).Code)
}
