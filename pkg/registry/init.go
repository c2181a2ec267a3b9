package registry

import (
	"github.com/eventflow/eventflow/pkg/processors"
)

func init() {
	RegisterBuiltins(defaultRegistry)
}

// RegisterBuiltins adds the processors shipped with eventflow.
func RegisterBuiltins(r *Registry) {
	r.Register("digi.Generator", processors.NewDigiGeneratorFromParams,
		"produces random readout digis (collection, channels, first_id, samples, soi, tot_fraction, pedestal, seed)")
	r.Register("digi.Monitor", processors.NewDigiMonitorFromParams,
		"checks digi collections and reports at the end (collection, pass, report)")
	r.Register("event.Dumper", processors.NewEventDumperFromParams,
		"logs the header and product catalog (every)")
	r.Register("event.Filter", processors.NewEventFilterFromParams,
		"aborts events whose header fails the rules (rules)")
	r.Register("event.Sampler", processors.NewEventSamplerFromParams,
		"keeps a prescaled or random subset of events (prescale, rate, seed)")
	r.Register("header.Tagger", processors.NewHeaderTaggerFromParams,
		"sets event and run header parameters (event, run, detector, description, software_tag)")
}
