// Package digi packs readout-chip measurements into 32-bit sample words and
// groups them into per-channel digi collections.
//
// A sample word holds two flags and three 10-bit fields:
//
//	bit  31     TOT in progress
//	bit  30     TOT complete
//	bits 20-29  first measurement
//	bits 10-19  second measurement
//	bits  0-9   time of arrival
//
// The flags select what the two measurements mean, see Mode.
package digi

import "fmt"

const (
	oneBitMask = 1
	tenBitMask = (1 << 10) - 1

	firstFlagPos  = 31
	secondFlagPos = 30
	firstMeasPos  = 20
	secondMeasPos = 10

	// MaxMeasurement is the largest value a 10-bit field holds. Larger
	// inputs saturate to it.
	MaxMeasurement = tenBitMask

	// totCompressedStart is where the compressed TOT range begins: above it
	// each count stands for eight.
	totCompressedStart = 512
)

// Mode names the meaning of the two measurement fields.
type Mode int

const (
	// ModeADC: ADC of the previous and the current sample.
	ModeADC Mode = iota
	// ModeADCTOT: ADC of the previous sample and time over threshold.
	ModeADCTOT
	// ModeCalibration: ADC of the current sample and time over threshold.
	ModeCalibration
)

func (m Mode) String() string {
	switch m {
	case ModeADC:
		return "adc/adc"
	case ModeADCTOT:
		return "adc/tot"
	case ModeCalibration:
		return "calibration"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Fields are the decoded parts of a sample word.
type Fields struct {
	TOTInProgress bool `json:"tot_progress"`
	TOTComplete   bool `json:"tot_complete"`
	First         int  `json:"first"`
	Second        int  `json:"second"`
	TOA           int  `json:"toa"`
}

// Sample is one encoded sample word.
type Sample uint32

// NewSample encodes the flags and measurements of one sample.
func NewSample(totProgress, totComplete bool, first, second, toa int) Sample {
	var w uint32
	if totProgress {
		w |= oneBitMask << firstFlagPos
	}
	if totComplete {
		w |= oneBitMask << secondFlagPos
	}
	w |= saturate(first) << firstMeasPos
	w |= saturate(second) << secondMeasPos
	w |= saturate(toa)
	return Sample(w)
}

// Encode encodes decoded fields.
func Encode(f Fields) Sample {
	return NewSample(f.TOTInProgress, f.TOTComplete, f.First, f.Second, f.TOA)
}

// saturate clamps a measurement into the 10-bit range.
func saturate(v int) uint32 {
	switch {
	case v < 0:
		return 0
	case v > MaxMeasurement:
		return MaxMeasurement
	default:
		return uint32(v)
	}
}

// Decode splits the word into its fields.
func (s Sample) Decode() Fields {
	return Fields{
		TOTInProgress: s.TOTInProgress(),
		TOTComplete:   s.TOTComplete(),
		First:         s.first(),
		Second:        s.second(),
		TOA:           s.TOA(),
	}
}

// TOTInProgress reports whether the time over threshold was still counting.
func (s Sample) TOTInProgress() bool {
	return uint32(s)>>firstFlagPos&oneBitMask == 1
}

// TOTComplete reports whether the time over threshold finished counting.
func (s Sample) TOTComplete() bool {
	return uint32(s)>>secondFlagPos&oneBitMask == 1
}

// Mode returns the meaning of the measurement fields.
func (s Sample) Mode() Mode {
	switch {
	case s.TOTInProgress() && s.TOTComplete():
		return ModeADCTOT
	case s.TOTComplete():
		return ModeCalibration
	default:
		return ModeADC
	}
}

// TOA returns the time of arrival.
func (s Sample) TOA() int { return int(uint32(s) & tenBitMask) }

// TOT returns the time over threshold, expanding the compressed range.
func (s Sample) TOT() int {
	v := s.second()
	if v > totCompressedStart {
		v = (v - totCompressedStart) * 8
	}
	return v
}

// ADCtm1 returns the ADC of the previous sample.
func (s Sample) ADCtm1() int { return s.first() }

// ADCt returns the ADC of this sample. In calibration mode it sits in the
// first field.
func (s Sample) ADCt() int {
	if !s.TOTComplete() {
		return s.second()
	}
	return s.first()
}

// Raw returns the encoded word.
func (s Sample) Raw() uint32 { return uint32(s) }

func (s Sample) first() int  { return int(uint32(s) >> firstMeasPos & tenBitMask) }
func (s Sample) second() int { return int(uint32(s) >> secondMeasPos & tenBitMask) }

func (s Sample) String() string {
	return fmt.Sprintf("{ %s %d %d TOA: %d }", s.Mode(), s.first(), s.second(), s.TOA())
}
