// Command optimize runs one offline optimization over a network file and a
// request file and prints the plan as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"shuttlematch/internal/config"
	"shuttlematch/internal/logging"
	"shuttlematch/internal/model"
	"shuttlematch/internal/opt"
)

type output struct {
	Seed        int64              `json:"seed"`
	Fitness     float64            `json:"fitness"`
	Trips       []model.Trip       `json:"trips"`
	Assignments []model.Assignment `json:"assignments"`
	Unmatched   []string           `json:"unmatched"`
	Generations int                `json:"generations"`
	Evaluations int                `json:"evaluations"`
	ElapsedMs   int64              `json:"elapsedMs"`
	Canceled    bool               `json:"canceled,omitempty"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "optimize:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("optimize", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "YAML config file for optimizer parameters")
		network    = fs.String("network", "config/network.example.yaml", "stop network YAML")
		requests   = fs.String("requests", "config/requests.example.yaml", "request list YAML")
		seed       = fs.Int64("seed", 0, "random seed (0: config value, else time-seeded)")
		workers    = fs.Int("workers", 0, "parallel evaluators (0: config value, else GOMAXPROCS)")
		timeout    = fs.Duration("timeout", 0, "stop early after this long and print the best plan so far")
		out        = fs.String("out", "", "write JSON here instead of stdout")
		logLevel   = fs.String("log-level", "warn", "log level: debug, info, warn, error")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := logging.NewStructuredLogger(stderr, logging.ParseLevel(*logLevel))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	n, err := config.LoadNetwork(*network)
	if err != nil {
		return err
	}
	tt, err := n.TravelMatrix(cfg.Optimizer.DefaultTravelMinutes)
	if err != nil {
		return err
	}
	reqs, err := config.LoadRequests(*requests, tt)
	if err != nil {
		return err
	}

	opts := opt.Options{Seed: cfg.Optimizer.Seed, Workers: cfg.Optimizer.Workers, Logger: logger}
	if *seed != 0 {
		opts.Seed = *seed
	}
	if *workers != 0 {
		opts.Workers = *workers
	}
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	res, err := opt.Run(ctx, opt.Problem{Requests: reqs, Matrix: tt, Params: cfg.Optimizer.Params}, opts)
	canceled := errors.Is(err, opt.ErrCanceled)
	if err != nil && !canceled {
		return err
	}
	logging.LogOperation(logger, "optimize",
		slog.Int("requests", len(reqs)), slog.Int("trips", len(res.Solution.Trips)),
		slog.Duration("duration", res.Metrics.Elapsed), slog.Bool("canceled", canceled))

	doc := output{
		Seed:        res.Seed,
		Fitness:     res.Fitness,
		Trips:       nonNil(res.Solution.Trips),
		Assignments: nonNil(res.Solution.Assignments),
		Unmatched:   nonNil(res.Solution.Unassigned(reqs)),
		Generations: res.Metrics.Generations,
		Evaluations: res.Metrics.Evaluations,
		ElapsedMs:   res.Metrics.Elapsed.Milliseconds(),
		Canceled:    canceled,
	}
	w := stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
