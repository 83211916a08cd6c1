package opt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttlematch/internal/model"
)

func TestMatrixLookupAndFallback(t *testing.T) {
	tt, err := NewMatrix(stops("A", "B", "C"), [][]int{
		{0, 10, -1},
		{12, 0, 7},
		{30, 7, 0},
	}, 25)
	require.NoError(t, err)

	assert.Equal(t, 10, tt.Minutes("A", "B"))
	assert.Equal(t, 12, tt.Minutes("B", "A"), "table is not assumed symmetric")
	assert.Equal(t, 25, tt.Minutes("A", "C"), "missing cell uses default")
	assert.Equal(t, 25, tt.Minutes("A", "nowhere"), "unknown stop uses default")
	assert.Equal(t, 0, tt.Minutes("C", "C"))

	_, ok := tt.Lookup("A", "C")
	assert.False(t, ok)
	v, ok := tt.Lookup("C", "A")
	assert.True(t, ok)
	assert.Equal(t, 30, v)
	assert.True(t, tt.HasStop("B"))
	assert.False(t, tt.HasStop("Z"))
	assert.Equal(t, 25, tt.Default())
}

func TestMatrixShapeErrors(t *testing.T) {
	_, err := NewMatrix(stops("A", "B"), [][]int{{0, 1}}, 25)
	assert.Error(t, err)
	_, err = NewMatrix(stops("A", "B"), [][]int{{0, 1}, {1}}, 25)
	assert.Error(t, err)
	_, err = NewMatrixFromPairs(stops("A"), []model.TravelTime{{From: "A", To: "Q", Minutes: 3}}, 25)
	assert.Error(t, err)
}

func TestMatrixFromPairsDiagonal(t *testing.T) {
	tt, err := NewMatrixFromPairs(stops("A", "B"), []model.TravelTime{{From: "A", To: "B", Minutes: 9}}, 40)
	require.NoError(t, err)
	assert.Equal(t, 0, tt.Minutes("A", "A"))
	assert.Equal(t, 9, tt.Minutes("A", "B"))
	assert.Equal(t, 40, tt.Minutes("B", "A"))
	assert.Len(t, tt.Stops(), 2)
}
