package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWelfordMatchesDirectComputation(t *testing.T) {
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	var w Welford
	for _, x := range xs {
		w.Add(x)
	}
	assert.Equal(t, len(xs), w.Count())
	assert.InDelta(t, 5.0, w.Mean(), 1e-12)
	assert.InDelta(t, 2.0, w.StdDev(), 1e-12)
	assert.Equal(t, 2.0, w.Min())
	assert.Equal(t, 9.0, w.Max())
	assert.InDelta(t, 2.0, w.ZScore(9), 1e-12)
}

func TestWelfordIgnoresNonFinite(t *testing.T) {
	var w Welford
	w.Add(1)
	w.Add(math.NaN())
	w.Add(math.Inf(1))
	assert.Equal(t, 1, w.Count())
	assert.Equal(t, 0.0, w.ZScore(100))
}

func TestWelfordMerge(t *testing.T) {
	var a, b, all Welford
	for i := 0; i < 50; i++ {
		x := float64(i*i%17) - 3
		all.Add(x)
		if i%2 == 0 {
			a.Add(x)
		} else {
			b.Add(x)
		}
	}
	a.Merge(b)
	assert.Equal(t, all.Count(), a.Count())
	assert.InDelta(t, all.Mean(), a.Mean(), 1e-9)
	assert.InDelta(t, all.Variance(), a.Variance(), 1e-9)
	assert.Equal(t, all.Min(), a.Min())
	assert.Equal(t, all.Max(), a.Max())
}

func TestFeatureStatsMerge(t *testing.T) {
	left := NewFeatureStats()
	right := NewFeatureStats()
	left.Add("reward", 1)
	right.Add("reward", 3)
	right.Add("speed", 7)

	left.Merge(right)
	require.Equal(t, []string{"reward", "speed"}, left.Names())

	w, ok := left.Get("reward")
	require.True(t, ok)
	assert.Equal(t, 2, w.Count())
	assert.InDelta(t, 2.0, w.Mean(), 1e-12)

	_, ok = left.Get("missing")
	assert.False(t, ok)
}
