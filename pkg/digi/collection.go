package digi

import (
	"fmt"
	"strings"

	"github.com/eventflow/eventflow/pkg/errors"
)

// Collection holds the digis of one event. Every digi has the same number
// of samples; samples are stored flat in channel order.
type Collection struct {
	ChannelIDs        []uint32 `json:"channel_ids"`
	Samples           []Sample `json:"samples"`
	NumSamplesPerDigi int      `json:"num_samples_per_digi"`
	SampleOfInterest  int      `json:"sample_of_interest"`
}

// NewCollection creates an empty collection.
func NewCollection(samplesPerDigi, sampleOfInterest int) (*Collection, error) {
	if samplesPerDigi <= 0 {
		return nil, errors.Newf(errors.CodeDataError, "samples per digi must be positive, got %d", samplesPerDigi)
	}
	if sampleOfInterest < 0 || sampleOfInterest >= samplesPerDigi {
		return nil, errors.Newf(errors.CodeDataError, "sample of interest %d outside [0, %d)", sampleOfInterest, samplesPerDigi)
	}
	return &Collection{
		NumSamplesPerDigi: samplesPerDigi,
		SampleOfInterest:  sampleOfInterest,
	}, nil
}

// Len returns the number of digis.
func (c *Collection) Len() int { return len(c.ChannelIDs) }

// Clear removes every digi but keeps the sample layout.
func (c *Collection) Clear() {
	c.ChannelIDs = c.ChannelIDs[:0]
	c.Samples = c.Samples[:0]
}

// AddDigi appends the samples of one channel.
func (c *Collection) AddDigi(id uint32, samples []Sample) error {
	if len(samples) != c.NumSamplesPerDigi {
		return errors.Newf(errors.CodeDataError, "digi for channel %d has %d samples, collection expects %d",
			id, len(samples), c.NumSamplesPerDigi).
			WithContext("channel", id)
	}
	c.ChannelIDs = append(c.ChannelIDs, id)
	c.Samples = append(c.Samples, samples...)
	return nil
}

// Digi returns a view of the i-th digi.
func (c *Collection) Digi(i int) (Digi, error) {
	if i < 0 || i >= c.Len() {
		return Digi{}, errors.Newf(errors.CodeDataError, "digi index %d out of range [0, %d)", i, c.Len())
	}
	start := i * c.NumSamplesPerDigi
	return Digi{
		ID:      c.ChannelIDs[i],
		Samples: c.Samples[start : start+c.NumSamplesPerDigi],
		soi:     c.SampleOfInterest,
	}, nil
}

// Digis returns views of every digi.
func (c *Collection) Digis() []Digi {
	out := make([]Digi, 0, c.Len())
	for i := range c.ChannelIDs {
		d, _ := c.Digi(i)
		out = append(out, d)
	}
	return out
}

func (c *Collection) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "HgcrocDigiCollection { Num Channel IDs: %d, Num Samples: %d, Samples Per Digi: %d, Index for SOI: %d }",
		len(c.ChannelIDs), len(c.Samples), c.NumSamplesPerDigi, c.SampleOfInterest)
	for _, d := range c.Digis() {
		sb.WriteString("\n  ")
		sb.WriteString(d.String())
	}
	return sb.String()
}

// Digi is the samples of one channel.
type Digi struct {
	ID      uint32
	Samples []Sample
	soi     int
}

// SOI returns the sample of interest.
func (d Digi) SOI() Sample { return d.Samples[d.soi] }

// IsADC reports whether the sample of interest carries ADC values.
func (d Digi) IsADC() bool {
	soi := d.SOI()
	return !soi.TOTInProgress() && !soi.TOTComplete()
}

// IsTOT reports whether the sample of interest carries a TOT measurement.
func (d Digi) IsTOT() bool { return !d.IsADC() }

// TOT returns the time over threshold of the sample of interest: -1 for an
// ADC digi and -2 while the measurement is still in progress.
func (d Digi) TOT() int {
	if !d.IsTOT() {
		return -1
	}
	if d.SOI().TOTInProgress() {
		return -2
	}
	return d.SOI().TOT()
}

func (d Digi) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Digi { ID: 0x%x ", d.ID)
	for _, s := range d.Samples {
		sb.WriteString(s.String())
		sb.WriteByte(' ')
	}
	sb.WriteString("}")
	return sb.String()
}
