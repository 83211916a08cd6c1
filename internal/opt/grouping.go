package opt

import "shuttlematch/internal/model"

// Grouping is the seed structure for the initial population: indices of
// requests likely to share a vehicle, plus everything else.
type Grouping struct {
	Groups    [][]int
	Ungrouped []int
}

// GroupRequests clusters requests by shared origin, then by destination.
//
// Origins with fewer than minPassengers requests are left ungrouped. Within a
// busy origin every destination forms a group; a destination below
// minPassengers is first offered to an earlier group of the same origin whose
// destinations include it. Groups are a hint for initialization only.
func GroupRequests(reqs []model.Request, minPassengers int) Grouping {
	var origins []string
	byOrigin := map[string][]int{}
	for i, r := range reqs {
		if _, seen := byOrigin[r.OriginStopID]; !seen {
			origins = append(origins, r.OriginStopID)
		}
		byOrigin[r.OriginStopID] = append(byOrigin[r.OriginStopID], i)
	}

	var g Grouping
	grouped := make(map[int]struct{}, len(reqs))
	for _, origin := range origins {
		members := byOrigin[origin]
		if len(members) < minPassengers {
			continue
		}
		for _, grp := range groupByDestination(reqs, members, minPassengers) {
			g.Groups = append(g.Groups, grp)
			for _, idx := range grp {
				grouped[idx] = struct{}{}
			}
		}
	}
	for i := range reqs {
		if _, ok := grouped[i]; !ok {
			g.Ungrouped = append(g.Ungrouped, i)
		}
	}
	return g
}

func groupByDestination(reqs []model.Request, members []int, minPassengers int) [][]int {
	var dests []string
	byDest := map[string][]int{}
	for _, idx := range members {
		d := reqs[idx].DestStopID
		if _, seen := byDest[d]; !seen {
			dests = append(dests, d)
		}
		byDest[d] = append(byDest[d], idx)
	}

	var groups [][]int
	var destSets []map[string]struct{}
	for _, d := range dests {
		sub := byDest[d]
		if len(sub) < minPassengers {
			merged := false
			for gi, set := range destSets {
				if _, ok := set[d]; ok {
					groups[gi] = append(groups[gi], sub...)
					merged = true
					break
				}
			}
			if merged {
				continue
			}
		}
		groups = append(groups, append([]int(nil), sub...))
		destSets = append(destSets, map[string]struct{}{d: {}})
	}
	return groups
}
