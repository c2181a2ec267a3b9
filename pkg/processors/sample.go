package processors

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/process"
)

// EventSampler keeps a subset of events and aborts the others.
type EventSampler struct {
	process.Base
	strategy SamplingStrategy
}

// SamplingStrategy decides which events are kept.
type SamplingStrategy interface {
	ShouldInclude(h *model.EventHeader) bool
}

// RateSampling implements Bernoulli sampling at a fixed rate.
type RateSampling struct {
	rate float64
	rng  *rand.Rand
	mu   sync.Mutex
}

// NewRateSampling creates rate-based sampling.
func NewRateSampling(rate float64, seed int64) *RateSampling {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &RateSampling{
		rate: rate,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

func (s *RateSampling) ShouldInclude(h *model.EventHeader) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.rate
}

// PrescaleSampling keeps one event out of every n seen.
type PrescaleSampling struct {
	n    int
	seen int
	mu   sync.Mutex
}

// NewPrescaleSampling creates prescaled sampling.
func NewPrescaleSampling(n int) *PrescaleSampling {
	if n < 1 {
		n = 1
	}
	return &PrescaleSampling{n: n}
}

func (s *PrescaleSampling) ShouldInclude(h *model.EventHeader) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen++
	return (s.seen-1)%s.n == 0
}

// NewEventSampler creates a sampling processor.
func NewEventSampler(name string, strategy SamplingStrategy) *EventSampler {
	return &EventSampler{Base: process.NewBase(name), strategy: strategy}
}

// Produce aborts the events the strategy leaves out.
func (p *EventSampler) Produce(ctx context.Context, ev *event.Event) error {
	if !p.strategy.ShouldInclude(ev.Header()) {
		return process.ErrAbortEvent
	}
	return nil
}

// NewEventSamplerFromParams creates an EventSampler from sequence
// parameters: "prescale" keeps every n-th event, otherwise "rate" (default
// 0.1) keeps a random fraction.
func NewEventSamplerFromParams(name string, params map[string]any) (process.Processor, error) {
	p := Params(params)
	prescale, err := p.Int("prescale", 0)
	if err != nil {
		return nil, err
	}
	if prescale > 0 {
		return NewEventSampler(name, NewPrescaleSampling(prescale)), nil
	}

	rate, err := p.Float("rate", 0.1)
	if err != nil {
		return nil, err
	}
	if rate < 0 || rate > 1 {
		return nil, errors.Newf(errors.CodeProcess, "sample rate %g outside [0, 1]", rate)
	}
	seed, err := p.Int("seed", int(time.Now().UnixNano()))
	if err != nil {
		return nil, err
	}
	return NewEventSampler(name, NewRateSampling(rate, int64(seed))), nil
}
