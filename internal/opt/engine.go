package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"
)

const snapshotEvery = 10

type Metrics struct {
	Generations  int                  `json:"generations"`
	Evaluations  int                  `json:"evaluations"`
	EvalFailures int                  `json:"evalFailures"`
	Improvements int                  `json:"improvements"`
	BestFitness  float64              `json:"bestFitness"`
	Trips        int                  `json:"trips"`
	Assigned     int                  `json:"assigned"`
	Requests     int                  `json:"requests"`
	Elapsed      time.Duration        `json:"elapsedNs"`
	BestHistory  []float64            `json:"bestHistory,omitempty"`
	Snapshots    []GenerationSnapshot `json:"snapshots,omitempty"`
}

type GenerationSnapshot struct {
	Generation int     `json:"generation"`
	Best       float64 `json:"best"`
	Mean       float64 `json:"mean"`
	Worst      float64 `json:"worst"`
}

type Result struct {
	Solution Solution `json:"solution"`
	Fitness  float64  `json:"fitness"`
	Seed     int64    `json:"seed"`
	Metrics  Metrics  `json:"metrics"`
}

// Run searches for a good grouping of p.Requests into trips with a genetic
// algorithm and returns the decoded best individual seen.
//
// ctx is checked between generations; on cancellation Run returns the best
// solution found so far together with an error wrapping ErrCanceled.
func Run(ctx context.Context, p Problem, opts Options) (Result, error) {
	if err := p.Params.Validate(); err != nil {
		return Result{}, err
	}
	if p.Matrix == nil {
		return Result{}, fmt.Errorf("%w: travel-time matrix is required", ErrInvalidParams)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	res := Result{Seed: seed, Metrics: Metrics{Requests: len(p.Requests)}}

	params := p.Params
	if len(p.Requests) == 0 || len(p.Requests) < params.MinPassengers {
		logger.Info("optimizer skipped", "requests", len(p.Requests), "min_passengers", params.MinPassengers)
		res.Metrics.Elapsed = time.Since(start)
		return res, nil
	}

	ev := &evaluator{dec: newDecoder(p.Requests, p.Matrix, params)}
	grouping := GroupRequests(p.Requests, params.MinPassengers)
	pop := initialPopulation(grouping, params.PopulationSize, rng)
	logger.Debug("population initialized", "groups", len(grouping.Groups), "ungrouped", len(grouping.Ungrouped), "size", len(pop))

	m := &res.Metrics
	best := pop[0]
	bestFit := math.Inf(-1)
	var runErr error
	for gen := 0; gen < params.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("%w after %d generations: %w", ErrCanceled, gen, err)
			break
		}
		results := evaluateAll(ev, pop, workers)
		fitness := make([]float64, len(results))
		for i, r := range results {
			if r.Err != nil {
				m.EvalFailures++
				logger.Debug("evaluation failed", "generation", gen, "individual", i, "error", r.Err)
			}
			fitness[i] = r.Fitness
			if r.Fitness > bestFit {
				if !math.IsInf(bestFit, -1) {
					m.Improvements++
				}
				bestFit = r.Fitness
				best = pop[i]
			}
		}
		m.Generations++
		m.Evaluations += len(pop)
		m.BestHistory = append(m.BestHistory, bestFit)

		if gen%snapshotEvery == 0 || gen == params.Generations-1 {
			snap := snapshotOf(gen, bestFit, fitness)
			m.Snapshots = append(m.Snapshots, snap)
			logger.Debug("generation", "generation", gen+1, "of", params.Generations, "best", bestFit, "mean", snap.Mean)
			if opts.OnSnapshot != nil {
				opts.OnSnapshot(snap)
			}
		}
		if gen == params.Generations-1 {
			break
		}
		pop = nextGeneration(pop, fitness, params.PopulationSize, params.MutationRate, rng)
	}

	res.Solution = ev.dec.decode(best)
	res.Fitness = ev.score(res.Solution)
	m.BestFitness = res.Fitness
	m.Trips = len(res.Solution.Trips)
	m.Assigned = len(res.Solution.Assignments)
	m.Elapsed = time.Since(start)
	logger.Info("optimizer finished",
		"seed", seed, "generations", m.Generations, "fitness", res.Fitness,
		"trips", m.Trips, "assigned", m.Assigned, "requests", m.Requests, "elapsed", m.Elapsed)
	return res, runErr
}

// evaluateAll scores a generation on a bounded pool of goroutines. Results
// are written by index so the outcome does not depend on scheduling.
func evaluateAll(ev *evaluator, pop []Individual, workers int) []evalResult {
	out := make([]evalResult, len(pop))
	if workers <= 1 {
		for i, ind := range pop {
			out[i] = ev.evaluate(ind)
		}
		return out
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, ind := range pop {
		wg.Add(1)
		go func(i int, ind Individual) {
			sem <- struct{}{}
			defer wg.Done()
			defer func() { <-sem }()
			out[i] = ev.evaluate(ind)
		}(i, ind)
	}
	wg.Wait()
	return out
}

func snapshotOf(gen int, best float64, fitness []float64) GenerationSnapshot {
	s := GenerationSnapshot{Generation: gen + 1, Best: best, Worst: math.Inf(1)}
	sum := 0.0
	for _, f := range fitness {
		sum += f
		s.Worst = math.Min(s.Worst, f)
	}
	if len(fitness) > 0 {
		s.Mean = sum / float64(len(fitness))
	} else {
		s.Worst = 0
	}
	return s
}
