package opt

// nearestNeighborRoute orders stops greedily: from start, always move to
// the closest unvisited stop by travel time. Ties go to the stop listed
// first, which keeps decoding deterministic. No backtracking.
func nearestNeighborRoute(tt *Matrix, start string, stops []string) []string {
	visited := make(map[string]struct{}, len(stops))
	route := make([]string, 0, len(stops))
	route = append(route, start)
	visited[start] = struct{}{}
	for len(route) < len(stops) {
		cur := route[len(route)-1]
		next, bestMin := "", 0
		for _, s := range stops {
			if _, ok := visited[s]; ok {
				continue
			}
			d := tt.Minutes(cur, s)
			if next == "" || d < bestMin {
				next, bestMin = s, d
			}
		}
		if next == "" {
			break
		}
		route = append(route, next)
		visited[next] = struct{}{}
	}
	return route
}

// routeMinutes sums travel time over consecutive stops.
func routeMinutes(tt *Matrix, route []string) int {
	total := 0
	for i := 0; i+1 < len(route); i++ {
		total += tt.Minutes(route[i], route[i+1])
	}
	return total
}
