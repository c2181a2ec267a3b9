// Package histogram pools the weighted histograms processors fill while
// events are processed.
//
// A Process owns one Pool. Every processor gets a Helper that prefixes the
// names it creates with the processor name, so two instances of one class
// never share a histogram. The pool is written to a Parquet file when the
// process ends.
package histogram

import (
	"math"
	"sort"
	"sync"

	"github.com/eventflow/eventflow/pkg/errors"
)

// Axis is the binning of one dimension. Bin i covers [Edges[i], Edges[i+1]).
type Axis struct {
	Label string
	Edges []float64
}

// Uniform returns an axis of n equal bins between min and max.
func Uniform(label string, n int, min, max float64) (Axis, error) {
	if n <= 0 || !(max > min) {
		return Axis{}, errors.Newf(errors.CodeProcess,
			"invalid binning of %s: %d bins from %g to %g", label, n, min, max)
	}
	edges := make([]float64, n+1)
	width := (max - min) / float64(n)
	for i := range edges {
		edges[i] = min + float64(i)*width
	}
	edges[n] = max
	return Axis{Label: label, Edges: edges}, nil
}

// Variable returns an axis with the given bin edges.
func Variable(label string, edges []float64) (Axis, error) {
	if len(edges) < 2 {
		return Axis{}, errors.Newf(errors.CodeProcess, "binning of %s needs at least two edges", label)
	}
	for i := 1; i < len(edges); i++ {
		if !(edges[i] > edges[i-1]) {
			return Axis{}, errors.Newf(errors.CodeProcess, "bin edges of %s are not increasing at %d", label, i)
		}
	}
	return Axis{Label: label, Edges: append([]float64(nil), edges...)}, nil
}

// Bins returns the number of bins.
func (a Axis) Bins() int { return len(a.Edges) - 1 }

// cell maps v to 0 for underflow, 1..Bins() in range and Bins()+1 for
// overflow. NaN counts as overflow.
func (a Axis) cell(v float64) int {
	if math.IsNaN(v) {
		return a.Bins() + 1
	}
	return sort.Search(len(a.Edges), func(i int) bool { return a.Edges[i] > v })
}

// Histogram is a one or two dimensional weighted histogram. It is safe for
// concurrent fills.
type Histogram struct {
	name string
	x    Axis
	y    *Axis

	mu      sync.Mutex
	sumw    []float64
	sumw2   []float64
	entries int64

	// moments over every fill, in range or not
	tw, twx, twx2, twy, twy2 float64
}

func newHistogram(name string, x Axis, y *Axis) *Histogram {
	n := x.Bins() + 2
	if y != nil {
		n *= y.Bins() + 2
	}
	return &Histogram{
		name:  name,
		x:     x,
		y:     y,
		sumw:  make([]float64, n),
		sumw2: make([]float64, n),
	}
}

// Name returns the pooled name, prefixed by the owning processor.
func (h *Histogram) Name() string { return h.name }

// Dim returns 1 or 2.
func (h *Histogram) Dim() int {
	if h.y == nil {
		return 1
	}
	return 2
}

// X returns the x axis.
func (h *Histogram) X() Axis { return h.x }

// Y returns the y axis of a 2D histogram.
func (h *Histogram) Y() (Axis, bool) {
	if h.y == nil {
		return Axis{}, false
	}
	return *h.y, true
}

func (h *Histogram) index(ix, iy int) int {
	return iy*(h.x.Bins()+2) + ix
}

func (h *Histogram) fill(ix, iy int, w float64) {
	i := h.index(ix, iy)
	h.sumw[i] += w
	h.sumw2[i] += w * w
	h.entries++
}

// Fill adds x with weight w to a 1D histogram.
func (h *Histogram) Fill(x, w float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fill(h.x.cell(x), 0, w)
	h.tw += w
	h.twx += w * x
	h.twx2 += w * x * x
}

// Fill2D adds (x, y) with weight w to a 2D histogram.
func (h *Histogram) Fill2D(x, y, w float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fill(h.x.cell(x), h.y.cell(y), w)
	h.tw += w
	h.twx += w * x
	h.twx2 += w * x * x
	h.twy += w * y
	h.twy2 += w * y * y
}

// Entries returns the number of fills.
func (h *Histogram) Entries() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries
}

// Content returns the weight in bin i of a 1D histogram, counted from 0.
func (h *Histogram) Content(i int) float64 {
	return h.Content2D(i, -1)
}

// Content2D returns the weight in bin (ix, iy), counted from 0.
func (h *Histogram) Content2D(ix, iy int) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sumw[h.index(ix+1, iy+1)]
}

// Error returns the statistical error of bin i of a 1D histogram.
func (h *Histogram) Error(i int) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return math.Sqrt(h.sumw2[h.index(i+1, 0)])
}

// Underflow returns the weight below the x range of a 1D histogram.
func (h *Histogram) Underflow() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sumw[h.index(0, 0)]
}

// Overflow returns the weight at or above the x range of a 1D histogram.
func (h *Histogram) Overflow() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sumw[h.index(h.x.Bins()+1, 0)]
}

// Filled returns the first and last non-empty bin of a 1D histogram,
// counted from 0. ok is false when no fill fell in range.
func (h *Histogram) Filled() (first, last int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	first, last = -1, -1
	for ix := 1; ix <= h.x.Bins(); ix++ {
		if h.sumw[h.index(ix, 0)] == 0 {
			continue
		}
		if first < 0 {
			first = ix - 1
		}
		last = ix - 1
	}
	return first, last, first >= 0
}

// Integral returns the weight inside the axis ranges.
func (h *Histogram) Integral() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	lo, hi := 0, 0
	if h.y != nil {
		lo, hi = 1, h.y.Bins()
	}
	var sum float64
	for iy := lo; iy <= hi; iy++ {
		for ix := 1; ix <= h.x.Bins(); ix++ {
			sum += h.sumw[h.index(ix, iy)]
		}
	}
	return sum
}

// Mean returns the weighted mean of x over every fill.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tw == 0 {
		return 0
	}
	return h.twx / h.tw
}

// StdDev returns the weighted standard deviation of x over every fill.
func (h *Histogram) StdDev() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return stddev(h.tw, h.twx, h.twx2)
}

// MeanY returns the weighted mean of y of a 2D histogram.
func (h *Histogram) MeanY() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tw == 0 {
		return 0
	}
	return h.twy / h.tw
}

// StdDevY returns the weighted standard deviation of y.
func (h *Histogram) StdDevY() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return stddev(h.tw, h.twy, h.twy2)
}

func stddev(w, wx, wx2 float64) float64 {
	if w == 0 {
		return 0
	}
	mean := wx / w
	v := wx2/w - mean*mean
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// Summary condenses a histogram for logs and file metadata.
type Summary struct {
	Name     string  `json:"name"`
	Dim      int     `json:"dim"`
	Entries  int64   `json:"entries"`
	Integral float64 `json:"integral"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"std_dev"`
}

// Summarize returns the summary of h.
func (h *Histogram) Summarize() Summary {
	return Summary{
		Name:     h.name,
		Dim:      h.Dim(),
		Entries:  h.Entries(),
		Integral: h.Integral(),
		Mean:     h.Mean(),
		StdDev:   h.StdDev(),
	}
}
