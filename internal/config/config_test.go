package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttlematch/internal/model"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, ModeTest, cfg.Schedule.Mode)
	assert.Equal(t, 30*time.Second, cfg.Schedule.Interval)
	assert.Equal(t, 6*time.Minute, cfg.Schedule.LockTTL)
	assert.Equal(t, 12, cfg.Optimizer.Params.Capacity)
	assert.Equal(t, 25, cfg.Optimizer.DefaultTravelMinutes)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeFile(t, "shuttle.yaml", `
port: "9000"
logLevel: debug
schedule:
  mode: prod
  at: "01:30"
  runTimeout: 2m
optimizer:
  capacity: 10
  minPassengers: 4
  generations: 40
  workers: 3
`)
	t.Setenv("OPT_GENERATIONS", "60")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ModeProd, cfg.Schedule.Mode)
	assert.Equal(t, "01:30", cfg.Schedule.At)
	assert.Equal(t, 2*time.Minute, cfg.Schedule.RunTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Schedule.LockTTL)
	assert.Equal(t, 10, cfg.Optimizer.Params.Capacity)
	assert.Equal(t, 4, cfg.Optimizer.Params.MinPassengers)
	assert.Equal(t, 60, cfg.Optimizer.Params.Generations, "environment wins over the file")
	assert.Equal(t, 3, cfg.Optimizer.Workers)
	assert.Equal(t, 50, cfg.Optimizer.Params.PopulationSize, "unset keys keep defaults")
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := writeFile(t, "shuttle.yaml", "port: \"7000\"\n")
	t.Setenv("SHUTTLE_CONFIG", path)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad mode":          {"SHUTTLE_MODE": "weekly"},
		"bad integer":       {"OPT_CAPACITY": "twelve"},
		"bad duration":      {"SCHEDULE_INTERVAL": "soon"},
		"min over capacity": {"OPT_CAPACITY": "4", "OPT_MIN_PASSENGERS": "5"},
		"bad schedule time": {"SCHEDULE_AT": "25:00"},
		"lock shorter":      {"RUN_TIMEOUT": "10m", "RUN_LOCK_TTL": "1m"},
		"mutation rate":     {"OPT_MUTATION_RATE": "1.5"},
		"bad log level":     {"LOG_LEVEL": "loud"},
		"hmac no secret":    {"AUTH_MODE": "hmac"},
		"bad auth mode":     {"AUTH_MODE": "oauth"},
		"bad webhook url":   {"WEBHOOK_URLS": "not a url"},
		"zero attempts":     {"WEBHOOK_MAX_ATTEMPTS": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadAuthAndWebhooks(t *testing.T) {
	t.Setenv("AUTH_MODE", "HMAC")
	t.Setenv("AUTH_HMAC_SECRET", "s3cret")
	t.Setenv("WEBHOOK_URLS", "https://ops.example.com/hook, ,http://localhost:9000/runs")
	t.Setenv("WEBHOOK_EVENTS", "run.completed")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "hmac", cfg.Auth.Mode)
	assert.Equal(t, "s3cret", cfg.Auth.HMACSecret)
	assert.Equal(t, "role", cfg.Auth.RoleClaim)
	assert.Equal(t, []string{"https://ops.example.com/hook", "http://localhost:9000/runs"}, cfg.Webhooks.URLs)
	assert.Equal(t, []string{"run.completed"}, cfg.Webhooks.Events)
	assert.Equal(t, 5, cfg.Webhooks.MaxAttempts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

const networkYAML = `
symmetric: true
stops:
  - {id: X, name: Library, lat: 37.87, lng: -122.26}
  - {id: Y, name: Station, lat: 37.86, lng: -122.25}
  - {id: Z, name: Stadium, lat: 37.87, lng: -122.25}
travelTimes:
  - {from: X, to: Y, minutes: 15}
  - {from: Y, to: Z, minutes: 10}
  - {from: Z, to: Y, minutes: 12}
`

func TestLoadNetworkPairs(t *testing.T) {
	n, err := LoadNetwork(writeFile(t, "network.yaml", networkYAML))
	require.NoError(t, err)
	require.Len(t, n.Stops, 3)
	assert.Equal(t, "Library", n.Stops[0].Name)

	pairs := n.Pairs()
	assert.Len(t, pairs, 4, "X-Y mirrored, Y-Z kept as given both ways")

	tt, err := n.TravelMatrix(25)
	require.NoError(t, err)
	assert.Equal(t, 15, tt.Minutes("Y", "X"))
	assert.Equal(t, 12, tt.Minutes("Z", "Y"))
	assert.Equal(t, 25, tt.Minutes("X", "Z"), "missing pair falls back to the default")
}

func TestLoadNetworkMatrix(t *testing.T) {
	n, err := LoadNetwork(writeFile(t, "network.yaml", `
stops:
  - {id: A}
  - {id: B}
matrix:
  - [0, 7]
  - [9, 0]
`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.TravelTime{{From: "A", To: "B", Minutes: 7}, {From: "B", To: "A", Minutes: 9}}, n.Pairs())
	tt, err := n.TravelMatrix(25)
	require.NoError(t, err)
	assert.Equal(t, 9, tt.Minutes("B", "A"))
}

func TestLoadNetworkRejects(t *testing.T) {
	cases := map[string]string{
		"no stops":      "stops: []\n",
		"duplicate":     "stops:\n  - {id: A}\n  - {id: A}\n",
		"missing id":    "stops:\n  - {name: nameless}\n",
		"both forms":    "stops:\n  - {id: A}\ntravelTimes:\n  - {from: A, to: A, minutes: 1}\nmatrix:\n  - [0]\n",
		"not yaml list": "stops: 12\n",
		"negative time": "stops:\n  - {id: A}\n  - {id: B}\ntravelTimes:\n  - {from: A, to: B, minutes: -5}\n",
		"pair no from":  "stops:\n  - {id: A}\ntravelTimes:\n  - {to: A, minutes: 3}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadNetwork(writeFile(t, "network.yaml", body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadRequests(t *testing.T) {
	n, err := LoadNetwork(writeFile(t, "network.yaml", networkYAML))
	require.NoError(t, err)
	tt, err := n.TravelMatrix(25)
	require.NoError(t, err)

	reqs, err := LoadRequests(writeFile(t, "requests.yaml", `
requests:
  - {id: r1, origin: X, destination: Y, eta: "09:00", boardingTime: "08:30", earlyTol: 10, lateTol: 10}
  - {id: r2, origin: X, destination: Y, eta: "09:00", earlyTol: 5, lateTol: 5}
`), tt)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "08:30", reqs[0].BoardingTime.String())
	assert.Equal(t, "08:45", reqs[1].BoardingTime.String(), "boarding derived from ETA and travel time")
	assert.Equal(t, model.MustClock("09:00"), reqs[1].ETA)

	_, err = LoadRequests(writeFile(t, "requests.yaml", `
requests:
  - {id: r1, origin: X, destination: X, eta: "09:00"}
`), tt)
	assert.ErrorIs(t, err, ErrInvalidConfig, "origin equals destination")

	_, err = LoadRequests(writeFile(t, "requests.yaml", `
requests:
  - {id: r1, origin: X, destination: Q, eta: "09:00"}
`), tt)
	assert.ErrorIs(t, err, ErrInvalidConfig, "unknown stop")

	_, err = LoadRequests(writeFile(t, "requests.yaml", `
requests:
  - {id: r1, origin: X, destination: Y, eta: "9am"}
`), tt)
	assert.ErrorIs(t, err, ErrInvalidConfig, "malformed time")
}

func TestLoadRequestsKeepsMidnightBoarding(t *testing.T) {
	n, err := LoadNetwork(writeFile(t, "network.yaml", `
stops:
  - {id: A}
  - {id: B}
travelTimes:
  - {from: A, to: B, minutes: 20}
`))
	require.NoError(t, err)
	tt, err := n.TravelMatrix(25)
	require.NoError(t, err)

	reqs, err := LoadRequests(writeFile(t, "requests.yaml", `
requests:
  - {id: r1, origin: A, destination: B, eta: "00:30", boardingTime: "00:00"}
  - {id: r2, origin: A, destination: B, eta: "00:30"}
`), tt)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, model.Clock(0), reqs[0].BoardingTime, "explicit 00:00 is kept")
	assert.Equal(t, "00:10", reqs[1].BoardingTime.String())
}
