package processors

import (
	"context"
	"math/rand"
	"time"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/digi"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/process"
)

// DigiCollectionType is the catalog name of digi collections.
const DigiCollectionType = "HgcrocDigiCollection"

func init() {
	event.RegisterType[digi.Collection](DigiCollectionType)
}

// DigiGenerator produces a collection of random readout digis per event.
// A fraction of the channels is read out in TOT mode at the sample of
// interest.
type DigiGenerator struct {
	process.Base

	collection  string
	channels    int
	firstID     uint32
	samples     int
	soi         int
	totFraction float64
	pedestal    int
	seed        int64

	rng *rand.Rand
}

// DigiGeneratorConfig holds the generator settings.
type DigiGeneratorConfig struct {
	Collection  string
	Channels    int
	FirstID     uint32
	Samples     int
	SOI         int
	TOTFraction float64
	Pedestal    int
	Seed        int64
}

// DefaultDigiGeneratorConfig returns a small five-sample readout.
func DefaultDigiGeneratorConfig() DigiGeneratorConfig {
	return DigiGeneratorConfig{
		Collection:  "digis",
		Channels:    16,
		Samples:     5,
		SOI:         2,
		TOTFraction: 0.1,
		Pedestal:    50,
		Seed:        time.Now().UnixNano(),
	}
}

// NewDigiGenerator creates a generator.
func NewDigiGenerator(name string, cfg DigiGeneratorConfig) (*DigiGenerator, error) {
	if !model.ValidName(cfg.Collection) {
		return nil, errors.IllegalName(cfg.Collection, model.Separator)
	}
	if cfg.Channels < 0 {
		return nil, errors.Newf(errors.CodeProcess, "channel count must not be negative, got %d", cfg.Channels)
	}
	if cfg.TOTFraction < 0 || cfg.TOTFraction > 1 {
		return nil, errors.Newf(errors.CodeProcess, "tot fraction %g outside [0, 1]", cfg.TOTFraction)
	}
	// Checks the sample layout once instead of per event.
	if _, err := digi.NewCollection(cfg.Samples, cfg.SOI); err != nil {
		return nil, err
	}
	return &DigiGenerator{
		Base:        process.NewBase(name),
		collection:  cfg.Collection,
		channels:    cfg.Channels,
		firstID:     cfg.FirstID,
		samples:     cfg.Samples,
		soi:         cfg.SOI,
		totFraction: cfg.TOTFraction,
		pedestal:    cfg.Pedestal,
		seed:        cfg.Seed,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// BeforeNewRun records the readout layout in the run header.
func (g *DigiGenerator) BeforeNewRun(ctx context.Context, h *model.RunHeader) error {
	h.SetIntParameter("digi_samples", g.samples)
	h.SetIntParameter("digi_soi", g.soi)
	h.SetIntParameter("digi_channels", g.channels)
	h.SetIntParameter("digi_seed", int(g.seed))
	return nil
}

// Produce adds the collection of the event.
func (g *DigiGenerator) Produce(ctx context.Context, ev *event.Event) error {
	c, err := digi.NewCollection(g.samples, g.soi)
	if err != nil {
		return err
	}
	samples := make([]digi.Sample, g.samples)
	for ch := 0; ch < g.channels; ch++ {
		tot := g.rng.Float64() < g.totFraction
		prev := g.adc()
		for i := range samples {
			cur := g.adc()
			toa := 0
			switch {
			case i == g.soi && tot:
				toa = g.rng.Intn(digi.MaxMeasurement + 1)
				samples[i] = digi.NewSample(true, true, prev, g.rng.Intn(digi.MaxMeasurement+1), toa)
			case i > g.soi && tot:
				samples[i] = digi.NewSample(true, false, prev, cur, 0)
			default:
				if i == g.soi {
					toa = g.rng.Intn(digi.MaxMeasurement + 1)
				}
				samples[i] = digi.NewSample(false, false, prev, cur, toa)
			}
			prev = cur
		}
		if err := c.AddDigi(g.firstID+uint32(ch), samples); err != nil {
			return err
		}
	}
	return event.Add(ev, g.collection, *c)
}

// adc draws a value around the pedestal.
func (g *DigiGenerator) adc() int {
	v := g.pedestal + int(g.rng.NormFloat64()*5)
	if v < 0 {
		return 0
	}
	return v
}

// NewDigiGeneratorFromParams builds a generator from sequence parameters.
func NewDigiGeneratorFromParams(name string, params map[string]any) (process.Processor, error) {
	p := Params(params)
	cfg := DefaultDigiGeneratorConfig()
	var err error
	if cfg.Collection, err = p.String("collection", cfg.Collection); err != nil {
		return nil, err
	}
	if cfg.Channels, err = p.Int("channels", cfg.Channels); err != nil {
		return nil, err
	}
	firstID, err := p.Int("first_id", int(cfg.FirstID))
	if err != nil {
		return nil, err
	}
	cfg.FirstID = uint32(firstID)
	if cfg.Samples, err = p.Int("samples", cfg.Samples); err != nil {
		return nil, err
	}
	if cfg.SOI, err = p.Int("soi", cfg.SOI); err != nil {
		return nil, err
	}
	if cfg.TOTFraction, err = p.Float("tot_fraction", cfg.TOTFraction); err != nil {
		return nil, err
	}
	if cfg.Pedestal, err = p.Int("pedestal", cfg.Pedestal); err != nil {
		return nil, err
	}
	seed, err := p.Int("seed", int(cfg.Seed))
	if err != nil {
		return nil, err
	}
	cfg.Seed = int64(seed)
	return NewDigiGenerator(name, cfg)
}
