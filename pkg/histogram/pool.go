package histogram

import (
	"sync"

	"github.com/eventflow/eventflow/pkg/errors"
)

// Separator joins the processor name and the histogram name.
const Separator = "_"

// Pool holds the histograms of one process by full name.
type Pool struct {
	mu    sync.RWMutex
	hists map[string]*Histogram
	order []string
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{hists: make(map[string]*Histogram)}
}

func (p *Pool) insert(h *Histogram) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.hists[h.name]; ok {
		return errors.Newf(errors.CodeProcess, "histogram %s already exists", h.name)
	}
	p.hists[h.name] = h
	p.order = append(p.order, h.name)
	return nil
}

// Get returns a histogram by its full name.
func (p *Pool) Get(name string) (*Histogram, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.hists[name]
	if !ok {
		return nil, errors.Newf(errors.CodeProcess, "histogram %s not found in pool", name)
	}
	return h, nil
}

// Len returns the number of histograms.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// List returns the histograms in creation order.
func (p *Pool) List() []*Histogram {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Histogram, len(p.order))
	for i, name := range p.order {
		out[i] = p.hists[name]
	}
	return out
}

// Summaries returns the summary of every histogram in creation order.
func (p *Pool) Summaries() []Summary {
	hists := p.List()
	out := make([]Summary, len(hists))
	for i, h := range hists {
		out[i] = h.Summarize()
	}
	return out
}

// Helper returns the helper of one processor.
func (p *Pool) Helper(processor string) *Helper {
	return &Helper{pool: p, owner: processor, weight: 1}
}

// Helper creates and fills the histograms of one processor. Names passed to
// it are local to the processor.
type Helper struct {
	pool   *Pool
	owner  string
	weight float64
}

// Owner returns the processor name used as prefix.
func (h *Helper) Owner() string { return h.owner }

// SetWeight sets the weight of the following fills.
func (h *Helper) SetWeight(w float64) { h.weight = w }

// Weight returns the current fill weight.
func (h *Helper) Weight() float64 { return h.weight }

func (h *Helper) fullName(name string) string {
	return h.owner + Separator + name
}

// Create adds a 1D histogram of n equal bins between min and max.
func (h *Helper) Create(name, xLabel string, n int, min, max float64) error {
	x, err := Uniform(xLabel, n, min, max)
	if err != nil {
		return err
	}
	return h.pool.insert(newHistogram(h.fullName(name), x, nil))
}

// CreateEdges adds a 1D histogram with variable bin edges.
func (h *Helper) CreateEdges(name, xLabel string, edges []float64) error {
	x, err := Variable(xLabel, edges)
	if err != nil {
		return err
	}
	return h.pool.insert(newHistogram(h.fullName(name), x, nil))
}

// Create2D adds a 2D histogram of equal bins on both axes.
func (h *Helper) Create2D(name, xLabel string, nx int, xmin, xmax float64,
	yLabel string, ny int, ymin, ymax float64) error {
	x, err := Uniform(xLabel, nx, xmin, xmax)
	if err != nil {
		return err
	}
	y, err := Uniform(yLabel, ny, ymin, ymax)
	if err != nil {
		return err
	}
	return h.pool.insert(newHistogram(h.fullName(name), x, &y))
}

// Get returns one of the processor's histograms.
func (h *Helper) Get(name string) (*Histogram, error) {
	return h.pool.Get(h.fullName(name))
}

// Fill adds x to a 1D histogram with the current weight.
func (h *Helper) Fill(name string, x float64) error {
	hist, err := h.Get(name)
	if err != nil {
		return err
	}
	if hist.Dim() != 1 {
		return errors.Newf(errors.CodeProcess, "histogram %s is %dD", hist.name, hist.Dim())
	}
	hist.Fill(x, h.weight)
	return nil
}

// Fill2D adds (x, y) to a 2D histogram with the current weight.
func (h *Helper) Fill2D(name string, x, y float64) error {
	hist, err := h.Get(name)
	if err != nil {
		return err
	}
	if hist.Dim() != 2 {
		return errors.Newf(errors.CodeProcess, "histogram %s is %dD", hist.name, hist.Dim())
	}
	hist.Fill2D(x, y, h.weight)
	return nil
}
