package opt

import (
	"fmt"

	"shuttlematch/internal/model"
)

const (
	// maxDirectMinutes rejects batches containing a rider whose own direct
	// ride is longer than this.
	maxDirectMinutes = 45
	// maxDispersion caps distinct origins (and destinations) per rider.
	maxDispersion = 0.9
	dwellMinutes  = 2
)

// Solution is a decoded individual.
type Solution struct {
	Trips       []model.Trip       `json:"trips"`
	Assignments []model.Assignment `json:"assignments"`
}

// Unassigned returns the ids of requests without an assignment, in input order.
func (s Solution) Unassigned(reqs []model.Request) []string {
	served := make(map[string]struct{}, len(s.Assignments))
	for _, a := range s.Assignments {
		served[a.RequestID] = struct{}{}
	}
	var out []string
	for _, r := range reqs {
		if _, ok := served[r.ID]; !ok {
			out = append(out, r.ID)
		}
	}
	return out
}

type decoder struct {
	reqs   []model.Request
	tt     *Matrix
	params Params
	direct []int
	byID   map[string]int
}

func newDecoder(reqs []model.Request, tt *Matrix, params Params) *decoder {
	d := &decoder{
		reqs:   reqs,
		tt:     tt,
		params: params,
		direct: make([]int, len(reqs)),
		byID:   make(map[string]int, len(reqs)),
	}
	for i, r := range reqs {
		d.direct[i] = tt.Minutes(r.OriginStopID, r.DestStopID)
		d.byID[r.ID] = i
	}
	return d
}

// decode walks the ordering, growing a batch and cutting a trip out of it
// as soon as one can be materialized. A batch never exceeds capacity: the
// oldest member is dropped (and left unassigned) to make room.
func (d *decoder) decode(ind Individual) Solution {
	var sol Solution
	if d.params.MaxVehicles <= 0 {
		return sol
	}
	seen := make(map[int]struct{}, len(ind))
	batch := make([]int, 0, d.params.Capacity+1)
	for _, idx := range ind {
		if idx < 0 || idx >= len(d.reqs) {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		batch = append(batch, idx)
		if len(batch) > d.params.Capacity {
			batch = batch[1:]
		}
		if len(batch) < d.params.MinPassengers {
			continue
		}
		used, trip, as := d.cut(batch, len(sol.Trips)+1)
		if used == 0 {
			continue
		}
		sol.Trips = append(sol.Trips, trip)
		sol.Assignments = append(sol.Assignments, as...)
		rest := make([]int, len(batch)-used, d.params.Capacity+1)
		copy(rest, batch[used:])
		batch = rest
		if len(sol.Trips) >= d.params.MaxVehicles {
			break
		}
	}
	return sol
}

// cut tries the whole batch, then shorter prefixes down to MinPassengers.
// It returns how many members were consumed (0 when none fit).
func (d *decoder) cut(batch []int, seq int) (int, model.Trip, []model.Assignment) {
	for size := len(batch); size >= d.params.MinPassengers && size > 0; size-- {
		if trip, as, ok := d.materialize(batch[:size], seq); ok {
			return size, trip, as
		}
	}
	return 0, model.Trip{}, nil
}

// feasible is the dispersion and direct-time gate applied before routing.
func (d *decoder) feasible(members []int) bool {
	if len(members) < 2 {
		return true
	}
	origins := map[string]struct{}{}
	dests := map[string]struct{}{}
	for _, idx := range members {
		if d.direct[idx] > maxDirectMinutes {
			return false
		}
		origins[d.reqs[idx].OriginStopID] = struct{}{}
		dests[d.reqs[idx].DestStopID] = struct{}{}
	}
	n := float64(len(members))
	return float64(len(origins))/n <= maxDispersion && float64(len(dests))/n <= maxDispersion
}

func (d *decoder) materialize(members []int, seq int) (model.Trip, []model.Assignment, bool) {
	if len(members) == 0 || !d.feasible(members) {
		return model.Trip{}, nil, false
	}

	var stops []string
	have := map[string]struct{}{}
	add := func(s string) {
		if _, ok := have[s]; !ok {
			have[s] = struct{}{}
			stops = append(stops, s)
		}
	}
	first := members[0]
	for _, idx := range members {
		r := d.reqs[idx]
		add(r.OriginStopID)
		add(r.DestStopID)
		if r.BoardingTime < d.reqs[first].BoardingTime {
			first = idx
		}
	}
	route := nearestNeighborRoute(d.tt, d.reqs[first].OriginStopID, stops)
	duration := routeMinutes(d.tt, route)
	if duration > d.params.MaxRouteDuration {
		return model.Trip{}, nil, false
	}

	earliest := d.reqs[members[0]].ETA
	for _, idx := range members[1:] {
		if eta := d.reqs[idx].ETA; eta < earliest {
			earliest = eta
		}
	}
	departure := earliest.Add(-duration)
	if departure < 0 {
		departure = 0
	}

	arrivals := make(map[string]model.Clock, len(route))
	clock := departure
	arrivals[route[0]] = clock
	for i := 1; i < len(route); i++ {
		clock = clock.Add(dwellMinutes + d.tt.Minutes(route[i-1], route[i]))
		if _, ok := arrivals[route[i]]; !ok {
			arrivals[route[i]] = clock
		}
	}

	trip := model.Trip{
		ID:              fmt.Sprintf("T%06d", seq),
		VehicleID:       fmt.Sprintf("V%06d", seq),
		StartTime:       departure,
		EndTime:         departure.Add(duration),
		StartStopID:     route[0],
		EndStopID:       route[len(route)-1],
		DurationMinutes: duration,
		PassengerCount:  len(members),
		Route:           route,
	}
	as := make([]model.Assignment, 0, len(members))
	for _, idx := range members {
		as = append(as, d.assign(d.reqs[idx], trip.ID, arrivals))
	}
	return trip, as, true
}

func (d *decoder) assign(r model.Request, tripID string, arrivals map[string]model.Clock) model.Assignment {
	boarding := max(r.BoardingTime, arrivals[r.OriginStopID])
	alighting := max(boarding.Add(1), arrivals[r.DestStopID])
	lo, hi := r.Window()
	alighting = min(max(alighting, lo), hi)
	if boarding > alighting {
		boarding = alighting.Add(-1)
	}
	return model.Assignment{
		RequestID:       r.ID,
		TripID:          tripID,
		BoardingStopID:  r.OriginStopID,
		AlightingStopID: r.DestStopID,
		PromisedETA:     r.ETA,
		ActualArrival:   alighting,
		BoardingTime:    boarding,
		AlightingTime:   alighting,
	}
}
