package opt

import "fmt"

// Fitness weights.
const (
	weightService      = 0.4
	weightSatisfaction = 0.3
	weightLoad         = 0.2
	weightEfficiency   = 0.1

	overVehicleLimit = -1.0
)

type evaluator struct {
	dec *decoder
}

// evalResult is the outcome of scoring one individual. A failed evaluation
// carries Err and scores zero.
type evalResult struct {
	Fitness float64
	Err     error
}

func (e *evaluator) evaluate(ind Individual) (res evalResult) {
	defer func() {
		if r := recover(); r != nil {
			res = evalResult{Err: fmt.Errorf("evaluate individual: %v", r)}
		}
	}()
	return evalResult{Fitness: e.score(e.dec.decode(ind))}
}

// score combines service rate, rider satisfaction, seat load and route
// efficiency of a decoded solution.
func (e *evaluator) score(sol Solution) float64 {
	p := e.dec.params
	if len(sol.Trips) > p.MaxVehicles {
		return overVehicleLimit
	}
	if len(sol.Trips) == 0 || len(e.dec.reqs) == 0 {
		return 0
	}

	service := float64(len(sol.Assignments)) / float64(len(e.dec.reqs))

	passengers, duration := 0, 0
	for _, t := range sol.Trips {
		passengers += t.PassengerCount
		duration += t.DurationMinutes
	}
	load := float64(passengers) / float64(len(sol.Trips)*p.Capacity)

	satisfaction := 0.0
	if len(sol.Assignments) > 0 {
		sum := 0.0
		for _, a := range sol.Assignments {
			sum += e.satisfaction(a.RequestID, int(a.AlightingTime-a.BoardingTime))
		}
		satisfaction = sum / float64(len(sol.Assignments))
	}

	avgHours := float64(duration) / float64(len(sol.Trips)) / 60
	efficiency := 1 / (1 + avgHours)

	return weightService*service + weightSatisfaction*satisfaction + weightLoad*load + weightEfficiency*efficiency
}

func (e *evaluator) satisfaction(requestID string, ride int) float64 {
	idx, ok := e.dec.byID[requestID]
	if !ok {
		panic(fmt.Sprintf("assignment for unknown request %q", requestID))
	}
	detour := 1.0
	if direct := e.dec.direct[idx]; direct > 0 {
		detour = float64(ride) / float64(direct)
	}
	return max(0, 1-(detour-1)/e.dec.params.MaxDetourFactor)
}
