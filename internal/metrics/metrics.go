// Package metrics keeps per-key training metric histories.
package metrics

import (
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Point is one recorded observation of a metric.
type Point struct {
	Step  int
	Value float64
}

// Summary aggregates a metric's history.
type Summary struct {
	Min    float64
	Max    float64
	Mean   float64
	Count  int
	Latest float64
}

// Tracker records metric series keyed by name. Safe for concurrent
// use; the trainer logs from the loop while the tracking sink reads.
type Tracker struct {
	mu     sync.Mutex
	series map[string][]Point
}

func NewTracker() *Tracker {
	return &Tracker{series: make(map[string][]Point)}
}

func (t *Tracker) Log(name string, step int, value float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.series[name] = append(t.series[name], Point{Step: step, Value: value})
}

// Latest returns the most recent value of a metric.
func (t *Tracker) Latest(name string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pts := t.series[name]
	if len(pts) == 0 {
		return 0, false
	}
	return pts[len(pts)-1].Value, true
}

// Best returns the minimum recorded value of a metric.
func (t *Tracker) Best(name string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	vals := t.valuesLocked(name)
	if len(vals) == 0 {
		return 0, false
	}
	return floats.Min(vals), true
}

// History returns a copy of the metric's recorded points.
func (t *Tracker) History(name string) []Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	pts := t.series[name]
	out := make([]Point, len(pts))
	copy(out, pts)
	return out
}

// Stats summarizes a metric's history.
func (t *Tracker) Stats(name string) (Summary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	vals := t.valuesLocked(name)
	if len(vals) == 0 {
		return Summary{}, false
	}
	return Summary{
		Min:    floats.Min(vals),
		Max:    floats.Max(vals),
		Mean:   stat.Mean(vals, nil),
		Count:  len(vals),
		Latest: vals[len(vals)-1],
	}, true
}

func (t *Tracker) valuesLocked(name string) []float64 {
	pts := t.series[name]
	if len(pts) == 0 {
		return nil
	}
	vals := make([]float64, len(pts))
	for i, p := range pts {
		vals[i] = p.Value
	}
	return vals
}
