package opt

import (
	"fmt"

	"shuttlematch/internal/model"
)

// Matrix is a dense stop-to-stop travel-time table in minutes, indexed by
// the order of the stop list it was built from. It is read-only after
// construction and safe for concurrent use.
type Matrix struct {
	stops    []model.Stop
	index    map[string]int
	minutes  [][]int
	fallback int
}

// NewMatrix wraps a square table whose rows and columns follow stops.
// Negative cells mark missing pairs.
func NewMatrix(stops []model.Stop, minutes [][]int, defaultMinutes int) (*Matrix, error) {
	if len(minutes) != len(stops) {
		return nil, fmt.Errorf("travel-time table: %d rows for %d stops", len(minutes), len(stops))
	}
	m := newEmptyMatrix(stops, defaultMinutes)
	for i, row := range minutes {
		if len(row) != len(stops) {
			return nil, fmt.Errorf("travel-time table: row %d has %d columns, want %d", i, len(row), len(stops))
		}
		copy(m.minutes[i], row)
	}
	return m, nil
}

// NewMatrixFromPairs builds the dense table from directed entries.
// Entries naming unknown stops are rejected.
func NewMatrixFromPairs(stops []model.Stop, pairs []model.TravelTime, defaultMinutes int) (*Matrix, error) {
	m := newEmptyMatrix(stops, defaultMinutes)
	for i := range m.minutes {
		m.minutes[i][i] = 0
	}
	for _, p := range pairs {
		i, ok := m.index[p.From]
		if !ok {
			return nil, fmt.Errorf("travel-time table: unknown stop %q", p.From)
		}
		j, ok := m.index[p.To]
		if !ok {
			return nil, fmt.Errorf("travel-time table: unknown stop %q", p.To)
		}
		m.minutes[i][j] = p.Minutes
	}
	return m, nil
}

func newEmptyMatrix(stops []model.Stop, defaultMinutes int) *Matrix {
	m := &Matrix{
		stops:    append([]model.Stop(nil), stops...),
		index:    make(map[string]int, len(stops)),
		minutes:  make([][]int, len(stops)),
		fallback: defaultMinutes,
	}
	for i, s := range stops {
		m.index[s.ID] = i
		row := make([]int, len(stops))
		for j := range row {
			row[j] = -1
		}
		m.minutes[i] = row
	}
	return m
}

// Minutes returns the travel time from one stop to another, or the
// configured default when the pair is not in the table.
func (m *Matrix) Minutes(from, to string) int {
	if v, ok := m.Lookup(from, to); ok {
		return v
	}
	return m.fallback
}

// Lookup is Minutes without the fallback.
func (m *Matrix) Lookup(from, to string) (int, bool) {
	i, ok := m.index[from]
	if !ok {
		return 0, false
	}
	j, ok := m.index[to]
	if !ok {
		return 0, false
	}
	v := m.minutes[i][j]
	if v < 0 {
		return 0, false
	}
	return v, true
}

// HasStop reports whether id is part of the table.
func (m *Matrix) HasStop(id string) bool {
	_, ok := m.index[id]
	return ok
}

func (m *Matrix) Stops() []model.Stop { return append([]model.Stop(nil), m.stops...) }

func (m *Matrix) Default() int { return m.fallback }
