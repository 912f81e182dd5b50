package qc

import "math"

// stdEpsilon keeps the z-score finite when a signal is momentarily constant.
const stdEpsilon = 1e-6

// WindowStats are the derived statistics of one signal's rolling window.
type WindowStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Last float64 `json:"last"`
	Z    float64 `json:"z"`
}

// ringWindow is a fixed-capacity buffer; the oldest value is evicted when full.
type ringWindow struct {
	vals  []float64
	head  int
	count int
}

func newRingWindow(capacity int) *ringWindow {
	return &ringWindow{vals: make([]float64, capacity)}
}

func (w *ringWindow) push(v float64) {
	w.vals[w.head] = v
	w.head = (w.head + 1) % len(w.vals)
	if w.count < len(w.vals) {
		w.count++
	}
}

func (w *ringWindow) last() float64 {
	idx := w.head - 1
	if idx < 0 {
		idx += len(w.vals)
	}
	return w.vals[idx]
}

// RollingStats holds one bounded window per signal key and derives
// mean/std/last/z from it. Not safe for concurrent use; callers serialize
// access the same way they serialize plant state.
type RollingStats struct {
	windows    map[string]*ringWindow
	capacity   int
	minSamples int
}

// NewRollingStats creates an engine whose windows hold capacity values and
// report stats only once a key has seen at least minSamples pushes.
func NewRollingStats(capacity, minSamples int) *RollingStats {
	return &RollingStats{
		windows:    make(map[string]*ringWindow),
		capacity:   capacity,
		minSamples: minSamples,
	}
}

// Push appends a value to the window for key, creating the window on first use.
func (rs *RollingStats) Push(key string, v float64) {
	w, ok := rs.windows[key]
	if !ok {
		w = newRingWindow(rs.capacity)
		rs.windows[key] = w
	}
	w.push(v)
}

// Stats returns the window statistics for key, or ok=false until the window
// holds at least minSamples values.
func (rs *RollingStats) Stats(key string) (WindowStats, bool) {
	w, ok := rs.windows[key]
	if !ok || w.count < rs.minSamples {
		return WindowStats{}, false
	}

	var sum float64
	n := float64(w.count)
	for i := 0; i < w.count; i++ {
		sum += w.vals[i]
	}
	mean := sum / n

	var sq float64
	for i := 0; i < w.count; i++ {
		d := w.vals[i] - mean
		sq += d * d
	}
	std := math.Sqrt(sq/n) + stdEpsilon

	last := w.last()
	return WindowStats{
		Mean: mean,
		Std:  std,
		Last: last,
		Z:    math.Abs((last - mean) / std),
	}, true
}

// Len reports how many values the window for key currently holds.
func (rs *RollingStats) Len(key string) int {
	if w, ok := rs.windows[key]; ok {
		return w.count
	}
	return 0
}
