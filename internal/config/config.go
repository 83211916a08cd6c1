// Package config loads service configuration from .env, an optional YAML
// file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"shuttlematch/internal/model"
	"shuttlematch/internal/opt"
)

var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

const (
	ModeTest = "test"
	ModeProd = "prod"
	ModeOff  = "off"
)

type Config struct {
	Port     string `yaml:"port" validate:"required,numeric"`
	LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`

	// NetworkFile seeds the stop table and travel times at startup.
	NetworkFile string `yaml:"networkFile"`

	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Intake    IntakeConfig    `yaml:"intake"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Auth      AuthConfig      `yaml:"auth"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
}

type DatabaseConfig struct {
	URL           string `yaml:"url"`
	Migrate       bool   `yaml:"migrate"`
	MigrationsDir string `yaml:"migrationsDir" validate:"required_with=URL"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type ScheduleConfig struct {
	Mode       string        `yaml:"mode" validate:"oneof=test prod off"`
	Interval   time.Duration `yaml:"interval" validate:"gt=0"`
	At         string        `yaml:"at" validate:"required"`
	RunTimeout time.Duration `yaml:"runTimeout" validate:"gt=0"`
	// LockTTL bounds how long a run may hold the run lock; defaults to RunTimeout+1m.
	LockTTL time.Duration `yaml:"lockTTL" validate:"gtefield=RunTimeout"`
}

// AuthConfig selects how admin callers are recognized. In dev mode the
// X-Role header is trusted; in hmac mode only HS256 bearer tokens are.
type AuthConfig struct {
	Mode       string `yaml:"mode" validate:"oneof=dev hmac"`
	HMACSecret string `yaml:"hmacSecret" validate:"required_if=Mode hmac"`
	RoleClaim  string `yaml:"roleClaim" validate:"required"`
}

// WebhookConfig lists endpoints that receive run events as signed POSTs.
type WebhookConfig struct {
	URLs        []string `yaml:"urls" validate:"dive,url"`
	Secret      string   `yaml:"secret"`
	Events      []string `yaml:"events"`
	MaxAttempts int      `yaml:"maxAttempts" validate:"gte=1"`
}

// IntakeConfig bounds booking intake: request rate per client and the
// ranges the boarding buffer and tolerances are drawn from.
type IntakeConfig struct {
	RateRPS      float64 `yaml:"rateRPS" validate:"gte=0"`
	RateBurst    int     `yaml:"rateBurst" validate:"gte=0"`
	ReductionMin int     `yaml:"reductionMin" validate:"gte=0"`
	ReductionMax int     `yaml:"reductionMax" validate:"gtefield=ReductionMin"`
	ToleranceMin int     `yaml:"toleranceMin" validate:"gte=0"`
	ToleranceMax int     `yaml:"toleranceMax" validate:"gtefield=ToleranceMin"`
	Seed         int64   `yaml:"seed"`
}

type OptimizerConfig struct {
	Params               opt.Params `yaml:",inline"`
	Seed                 int64      `yaml:"seed"`
	Workers              int        `yaml:"workers"`
	DefaultTravelMinutes int        `yaml:"defaultTravelMinutes" validate:"gt=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Port:     "8080",
		LogLevel: "info",
		Database: DatabaseConfig{Migrate: true, MigrationsDir: "db/migrations"},
		Schedule: ScheduleConfig{
			Mode:       ModeTest,
			Interval:   30 * time.Second,
			At:         "00:00",
			RunTimeout: 5 * time.Minute,
		},
		Intake: IntakeConfig{
			RateRPS:      5,
			RateBurst:    10,
			ReductionMin: 5,
			ReductionMax: 15,
			ToleranceMin: 5,
			ToleranceMax: 15,
		},
		Optimizer: OptimizerConfig{
			Params:               opt.DefaultParams(),
			DefaultTravelMinutes: 25,
		},
		Auth: AuthConfig{Mode: "dev", RoleClaim: "role"},
		Webhooks: WebhookConfig{
			Events:      []string{"run.completed", "run.failed"},
			MaxAttempts: 5,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; when
// empty SHUTTLE_CONFIG is consulted. A missing .env file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("SHUTTLE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Schedule.LockTTL == 0 {
		cfg.Schedule.LockTTL = cfg.Schedule.RunTimeout + time.Minute
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := model.ParseClock(c.Schedule.At); err != nil {
		return fmt.Errorf("%w: schedule.at: %v", ErrInvalidConfig, err)
	}
	if err := c.Optimizer.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string { return ":" + c.Port }

func applyEnv(c *Config) error {
	e := &envReader{}
	c.Port = e.str("PORT", c.Port)
	c.LogLevel = strings.ToLower(e.str("LOG_LEVEL", c.LogLevel))
	c.NetworkFile = e.str("NETWORK_FILE", c.NetworkFile)

	c.Database.URL = strings.TrimSpace(e.str("DATABASE_URL", c.Database.URL))
	c.Database.Migrate = e.boolean("DB_MIGRATE", c.Database.Migrate)
	c.Database.MigrationsDir = e.str("DB_MIGRATIONS_DIR", c.Database.MigrationsDir)
	c.Redis.URL = e.str("REDIS_URL", c.Redis.URL)

	c.Schedule.Mode = strings.ToLower(e.str("SHUTTLE_MODE", c.Schedule.Mode))
	c.Schedule.Interval = e.duration("SCHEDULE_INTERVAL", c.Schedule.Interval)
	c.Schedule.At = e.str("SCHEDULE_AT", c.Schedule.At)
	c.Schedule.RunTimeout = e.duration("RUN_TIMEOUT", c.Schedule.RunTimeout)
	c.Schedule.LockTTL = e.duration("RUN_LOCK_TTL", c.Schedule.LockTTL)

	c.Intake.RateRPS = e.float("RATE_RPS", c.Intake.RateRPS)
	c.Intake.RateBurst = e.integer("RATE_BURST", c.Intake.RateBurst)
	c.Intake.Seed = e.int64("INTAKE_SEED", c.Intake.Seed)

	p := &c.Optimizer.Params
	p.Capacity = e.integer("OPT_CAPACITY", p.Capacity)
	p.MinPassengers = e.integer("OPT_MIN_PASSENGERS", p.MinPassengers)
	p.MaxVehicles = e.integer("OPT_MAX_VEHICLES", p.MaxVehicles)
	p.PopulationSize = e.integer("OPT_POPULATION_SIZE", p.PopulationSize)
	p.Generations = e.integer("OPT_GENERATIONS", p.Generations)
	p.MutationRate = e.float("OPT_MUTATION_RATE", p.MutationRate)
	p.MaxDetourFactor = e.float("OPT_MAX_DETOUR_FACTOR", p.MaxDetourFactor)
	p.MaxRouteDuration = e.integer("OPT_MAX_ROUTE_DURATION", p.MaxRouteDuration)
	c.Optimizer.Seed = e.int64("OPT_SEED", c.Optimizer.Seed)
	c.Optimizer.Workers = e.integer("OPT_WORKERS", c.Optimizer.Workers)
	c.Optimizer.DefaultTravelMinutes = e.integer("OPT_DEFAULT_TRAVEL_MINUTES", c.Optimizer.DefaultTravelMinutes)

	c.Auth.Mode = strings.ToLower(e.str("AUTH_MODE", c.Auth.Mode))
	c.Auth.HMACSecret = e.str("AUTH_HMAC_SECRET", c.Auth.HMACSecret)
	c.Auth.RoleClaim = e.str("AUTH_ROLE_CLAIM", c.Auth.RoleClaim)

	c.Webhooks.URLs = e.list("WEBHOOK_URLS", c.Webhooks.URLs)
	c.Webhooks.Secret = e.str("WEBHOOK_SECRET", c.Webhooks.Secret)
	c.Webhooks.Events = e.list("WEBHOOK_EVENTS", c.Webhooks.Events)
	c.Webhooks.MaxAttempts = e.integer("WEBHOOK_MAX_ATTEMPTS", c.Webhooks.MaxAttempts)
	return e.err
}

// envReader applies environment overrides and remembers the first value
// that failed to parse.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s=%q: %w", key, v, err)
	}
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) int64(key string, def int64) int64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *envReader) boolean(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

// list splits a comma-separated value, dropping empty items.
func (e *envReader) list(key string, def []string) []string {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
