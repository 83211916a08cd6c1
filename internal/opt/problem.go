package opt

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"shuttlematch/internal/model"
)

var (
	ErrInvalidParams = errors.New("invalid optimizer parameters")
	ErrCanceled      = errors.New("optimization canceled")
)

var validate = validator.New()

// Params are the tunables of one optimization run.
type Params struct {
	Capacity         int     `json:"capacity" yaml:"capacity" validate:"gt=0"`
	MinPassengers    int     `json:"minPassengers" yaml:"minPassengers" validate:"gt=0,ltefield=Capacity"`
	MaxVehicles      int     `json:"maxVehicles" yaml:"maxVehicles" validate:"gt=0"`
	PopulationSize   int     `json:"populationSize" yaml:"populationSize" validate:"gt=0"`
	Generations      int     `json:"generations" yaml:"generations" validate:"gte=0"`
	MutationRate     float64 `json:"mutationRate" yaml:"mutationRate" validate:"gte=0,lte=1"`
	MaxDetourFactor  float64 `json:"maxDetourFactor" yaml:"maxDetourFactor" validate:"gt=0"`
	MaxRouteDuration int     `json:"maxRouteDuration" yaml:"maxRouteDuration" validate:"gt=0"`
}

func DefaultParams() Params {
	return Params{
		Capacity:         12,
		MinPassengers:    8,
		MaxVehicles:      20,
		PopulationSize:   50,
		Generations:      100,
		MutationRate:     0.15,
		MaxDetourFactor:  1.5,
		MaxRouteDuration: 120,
	}
}

func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// Problem is the immutable snapshot an optimization run works on.
type Problem struct {
	Requests []model.Request
	Matrix   *Matrix
	Params   Params
}

// Options control how a run executes, not what it optimizes.
type Options struct {
	// Seed for the run's random source; 0 seeds from the clock.
	Seed int64
	// Workers evaluating a generation in parallel; <= 0 uses GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
	// OnSnapshot is called from the run goroutine every snapshot interval.
	OnSnapshot func(GenerationSnapshot)
}
