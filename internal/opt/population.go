package opt

import (
	"math/rand"
	"sort"
)

// Individual is one candidate ordering of request indices.
type Individual []int

const tournamentSize = 3

func (ind Individual) clone() Individual { return append(Individual(nil), ind...) }

// initialPopulation builds size individuals, each the concatenation of the
// groups (members shuffled) followed by the shuffled ungrouped requests.
func initialPopulation(g Grouping, size int, rng *rand.Rand) []Individual {
	pop := make([]Individual, 0, size)
	for k := 0; k < size; k++ {
		var ind Individual
		for _, grp := range g.Groups {
			ind = append(ind, shuffled(grp, rng)...)
		}
		ind = append(ind, shuffled(g.Ungrouped, rng)...)
		pop = append(pop, ind)
	}
	return pop
}

func shuffled(in []int, rng *rand.Rand) []int {
	out := append([]int(nil), in...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// tournament samples distinct individuals and returns the fittest.
func tournament(pop []Individual, fitness []float64, rng *rand.Rand) Individual {
	k := tournamentSize
	if len(pop) < k {
		k = len(pop)
	}
	picks := rng.Perm(len(pop))[:k]
	best := picks[0]
	for _, i := range picks[1:] {
		if fitness[i] > fitness[best] {
			best = i
		}
	}
	return pop[best]
}

// crossover cuts both parents at the same uniformly drawn point and swaps tails.
// Children are not repaired; the decoder skips repeated indices.
func crossover(a, b Individual, rng *rand.Rand) (Individual, Individual) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return a.clone(), b.clone()
	}
	c := 1 + rng.Intn(n-1)
	c1 := make(Individual, 0, len(b))
	c1 = append(append(c1, a[:c]...), b[c:]...)
	c2 := make(Individual, 0, len(a))
	c2 = append(append(c2, b[:c]...), a[c:]...)
	return c1, c2
}

// mutate swaps two distinct positions with probability rate. ind is modified in place.
func mutate(ind Individual, rate float64, rng *rand.Rand) {
	if len(ind) < 2 || rng.Float64() >= rate {
		return
	}
	i := rng.Intn(len(ind))
	j := rng.Intn(len(ind) - 1)
	if j >= i {
		j++
	}
	ind[i], ind[j] = ind[j], ind[i]
}

func eliteCount(size int) int {
	return (size + 9) / 10
}

// nextGeneration returns a new population: elites first, then mutated
// offspring of tournament-selected parents, truncated to size.
func nextGeneration(pop []Individual, fitness []float64, size int, mutationRate float64, rng *rand.Rand) []Individual {
	order := make([]int, len(pop))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool { return fitness[order[x]] > fitness[order[y]] })

	next := make([]Individual, 0, size+1)
	for _, i := range order[:min(eliteCount(size), len(order))] {
		next = append(next, pop[i])
	}
	for len(next) < size {
		p1 := tournament(pop, fitness, rng)
		p2 := tournament(pop, fitness, rng)
		c1, c2 := crossover(p1, p2, rng)
		mutate(c1, mutationRate, rng)
		mutate(c2, mutationRate, rng)
		next = append(next, c1, c2)
	}
	return next[:size]
}
