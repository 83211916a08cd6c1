package opt

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"shuttlematch/internal/model"
)

func stops(ids ...string) []model.Stop {
	out := make([]model.Stop, len(ids))
	for i, id := range ids {
		out[i] = model.Stop{ID: id, Name: "Stop " + id}
	}
	return out
}

// symmetric builds a matrix from undirected edges; unlisted pairs fall back to def.
func symmetric(t *testing.T, ids []string, def int, edges map[[2]string]int) *Matrix {
	t.Helper()
	var pairs []model.TravelTime
	for e, m := range edges {
		pairs = append(pairs, model.TravelTime{From: e[0], To: e[1], Minutes: m}, model.TravelTime{From: e[1], To: e[0], Minutes: m})
	}
	tt, err := NewMatrixFromPairs(stops(ids...), pairs, def)
	require.NoError(t, err)
	return tt
}

func req(id, from, to, eta, boarding string, early, late int) model.Request {
	return model.Request{
		ID: id, RiderID: "rider-" + id, OriginStopID: from, DestStopID: to,
		ETA: model.MustClock(eta), BoardingTime: model.MustClock(boarding),
		EarlyTol: early, LateTol: late,
	}
}

// randomInstance is a campus-sized problem: a handful of stops, many riders,
// morning arrival times and a table with a few missing pairs.
func randomInstance(t *testing.T, seed int64, nStops, nReqs int) ([]model.Request, *Matrix) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	ids := make([]string, nStops)
	for i := range ids {
		ids[i] = fmt.Sprintf("S%02d", i+1)
	}
	table := make([][]int, nStops)
	for i := range table {
		table[i] = make([]int, nStops)
		for j := range table[i] {
			switch {
			case i == j:
				table[i][j] = 0
			case rng.Intn(20) == 0:
				table[i][j] = -1
			default:
				table[i][j] = 5 + rng.Intn(30)
			}
		}
	}
	tt, err := NewMatrix(stops(ids...), table, 25)
	require.NoError(t, err)

	reqs := make([]model.Request, nReqs)
	for i := range reqs {
		o := rng.Intn(nStops)
		d := (o + 1 + rng.Intn(nStops-1)) % nStops
		eta := model.Clock(7*60 + rng.Intn(180))
		reqs[i] = model.Request{
			ID:           fmt.Sprintf("R%06d", i+1),
			RiderID:      fmt.Sprintf("u%03d", i%25),
			OriginStopID: ids[o],
			DestStopID:   ids[d],
			ETA:          eta,
			BoardingTime: eta.Add(-tt.Minutes(ids[o], ids[d]) - 5 - rng.Intn(11)),
			EarlyTol:     5 + rng.Intn(11),
			LateTol:      5 + rng.Intn(11),
		}
	}
	return reqs, tt
}

// checkSolution asserts the structural guarantees every decoded solution keeps.
func checkSolution(t *testing.T, reqs []model.Request, p Params, sol Solution) {
	t.Helper()
	byID := map[string]model.Request{}
	for _, r := range reqs {
		byID[r.ID] = r
	}
	require.LessOrEqual(t, len(sol.Trips), p.MaxVehicles, "vehicle bound")

	perTrip := map[string]int{}
	seen := map[string]bool{}
	for _, a := range sol.Assignments {
		r, ok := byID[a.RequestID]
		require.True(t, ok, "assignment for unknown request %s", a.RequestID)
		require.False(t, seen[a.RequestID], "request %s assigned twice", a.RequestID)
		seen[a.RequestID] = true
		perTrip[a.TripID]++

		require.LessOrEqual(t, a.BoardingTime, a.AlightingTime, "time ordering for %s", a.RequestID)
		lo, hi := r.Window()
		require.GreaterOrEqual(t, a.AlightingTime, lo, "window low for %s", a.RequestID)
		require.LessOrEqual(t, a.AlightingTime, hi, "window high for %s", a.RequestID)
		require.Equal(t, r.OriginStopID, a.BoardingStopID)
		require.Equal(t, r.DestStopID, a.AlightingStopID)
	}
	for _, tr := range sol.Trips {
		require.Equal(t, tr.PassengerCount, perTrip[tr.ID], "passenger count of %s", tr.ID)
		require.LessOrEqual(t, tr.PassengerCount, p.Capacity, "capacity of %s", tr.ID)
		require.LessOrEqual(t, tr.DurationMinutes, p.MaxRouteDuration, "duration of %s", tr.ID)
		require.NotEmpty(t, tr.Route)
		require.Equal(t, tr.Route[0], tr.StartStopID)
		require.Equal(t, tr.Route[len(tr.Route)-1], tr.EndStopID)
		require.Equal(t, tr.StartTime.Add(tr.DurationMinutes), tr.EndTime)

		endpoints := map[string]bool{}
		for _, a := range sol.Assignments {
			if a.TripID == tr.ID {
				endpoints[a.BoardingStopID] = true
				endpoints[a.AlightingStopID] = true
			}
		}
		require.True(t, endpoints[tr.StartStopID], "trip %s starts at a stop no rider uses", tr.ID)
		require.True(t, endpoints[tr.EndStopID], "trip %s ends at a stop no rider uses", tr.ID)
	}
}
