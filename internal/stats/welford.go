// Package stats provides incremental per-feature statistics.
package stats

import (
	"math"
	"sort"
)

// Welford is a running mean/variance accumulator.
type Welford struct {
	n    int
	mean float64
	m2   float64
	min  float64
	max  float64
}

// Add folds one observation into the accumulator. Non-finite values are ignored.
func (w *Welford) Add(x float64) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return
	}
	w.n++
	if w.n == 1 {
		w.min, w.max = x, x
	} else {
		w.min = math.Min(w.min, x)
		w.max = math.Max(w.max, x)
	}
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

// Count returns the number of observations.
func (w *Welford) Count() int { return w.n }

// Mean returns the running mean.
func (w *Welford) Mean() float64 { return w.mean }

// Variance returns the population variance.
func (w *Welford) Variance() float64 {
	if w.n < 1 {
		return 0
	}
	return w.m2 / float64(w.n)
}

// StdDev returns the population standard deviation.
func (w *Welford) StdDev() float64 { return math.Sqrt(w.Variance()) }

// Min returns the smallest observation, or 0 when empty.
func (w *Welford) Min() float64 { return w.min }

// Max returns the largest observation, or 0 when empty.
func (w *Welford) Max() float64 { return w.max }

// ZScore returns how many standard deviations x lies from the mean. It
// returns 0 when the deviation is undefined.
func (w *Welford) ZScore(x float64) float64 {
	sd := w.StdDev()
	if sd == 0 {
		return 0
	}
	return (x - w.mean) / sd
}

// Merge folds other into w using the parallel variance combination.
func (w *Welford) Merge(other Welford) {
	if other.n == 0 {
		return
	}
	if w.n == 0 {
		*w = other
		return
	}
	n := w.n + other.n
	delta := other.mean - w.mean
	mean := w.mean + delta*float64(other.n)/float64(n)
	m2 := w.m2 + other.m2 + delta*delta*float64(w.n)*float64(other.n)/float64(n)
	w.min = math.Min(w.min, other.min)
	w.max = math.Max(w.max, other.max)
	w.n, w.mean, w.m2 = n, mean, m2
}

// FeatureStats keeps one accumulator per named feature. It is not safe for
// concurrent use; each worker owns its own instance.
type FeatureStats struct {
	features map[string]*Welford
}

// NewFeatureStats returns an empty set.
func NewFeatureStats() *FeatureStats {
	return &FeatureStats{features: make(map[string]*Welford)}
}

// Add records x for the named feature.
func (f *FeatureStats) Add(name string, x float64) {
	w, ok := f.features[name]
	if !ok {
		w = &Welford{}
		f.features[name] = w
	}
	w.Add(x)
}

// Get returns a copy of the feature accumulator and whether it exists.
func (f *FeatureStats) Get(name string) (Welford, bool) {
	w, ok := f.features[name]
	if !ok {
		return Welford{}, false
	}
	return *w, true
}

// Names returns the feature names in sorted order.
func (f *FeatureStats) Names() []string {
	names := make([]string, 0, len(f.features))
	for name := range f.features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge folds every feature of other into f.
func (f *FeatureStats) Merge(other *FeatureStats) {
	if other == nil {
		return
	}
	for name, w := range other.features {
		dst, ok := f.features[name]
		if !ok {
			dst = &Welford{}
			f.features[name] = dst
		}
		dst.Merge(*w)
	}
}
