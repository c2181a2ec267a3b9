package processors

import (
	"context"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/process"
)

type parameterSetter interface {
	SetIntParameter(name string, value int)
	SetFloatParameter(name string, value float64)
	SetStringParameter(name, value string)
}

// Tag is one header parameter. Exactly one of the values is used, picked by
// Kind.
type Tag struct {
	Name  string
	Kind  string // "int", "float" or "string"
	Int   int
	Float float64
	Str   string
}

func (t Tag) apply(s parameterSetter) {
	switch t.Kind {
	case "int":
		s.SetIntParameter(t.Name, t.Int)
	case "float":
		s.SetFloatParameter(t.Name, t.Float)
	default:
		s.SetStringParameter(t.Name, t.Str)
	}
}

// HeaderTagger sets fixed parameters on every event header and on the header
// of every new run.
type HeaderTagger struct {
	process.Base
	event       []Tag
	run         []Tag
	detector    string
	description string
	software    string
}

// NewHeaderTagger creates a tagger.
func NewHeaderTagger(name string, eventTags, runTags []Tag) *HeaderTagger {
	return &HeaderTagger{Base: process.NewBase(name), event: eventTags, run: runTags}
}

// WithRunInfo sets the descriptive run header fields. Empty values leave the
// header unchanged.
func (t *HeaderTagger) WithRunInfo(detector, description, software string) *HeaderTagger {
	t.detector, t.description, t.software = detector, description, software
	return t
}

func (t *HeaderTagger) Produce(ctx context.Context, ev *event.Event) error {
	h := ev.Header()
	for _, tag := range t.event {
		tag.apply(h)
	}
	return nil
}

func (t *HeaderTagger) BeforeNewRun(ctx context.Context, h *model.RunHeader) error {
	for _, tag := range t.run {
		tag.apply(h)
	}
	if t.detector != "" {
		h.DetectorName = t.detector
	}
	if t.description != "" {
		h.Description = t.description
	}
	if t.software != "" {
		h.SoftwareTag = t.software
	}
	return nil
}

// parseTags turns a mapping of parameter names to scalars into tags sorted
// by name.
func parseTags(key string, m Params) ([]Tag, error) {
	tags := make([]Tag, 0, len(m))
	for _, name := range m.Keys() {
		tag := Tag{Name: name}
		switch v := m[name].(type) {
		case int:
			tag.Kind, tag.Int = "int", v
		case int64:
			tag.Kind, tag.Int = "int", int(v)
		case float64:
			tag.Kind, tag.Float = "float", v
		case bool:
			tag.Kind = "int"
			if v {
				tag.Int = 1
			}
		case string:
			tag.Kind, tag.Str = "string", v
		default:
			return nil, badParam(key+"."+name, v, "a scalar")
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// NewHeaderTaggerFromParams builds a tagger from sequence parameters:
//
//	event: {trigger: physics, threshold: 2.5}
//	run:   {beam_energy: 4}
//	detector: ecal
func NewHeaderTaggerFromParams(name string, params map[string]any) (process.Processor, error) {
	p := Params(params)
	eventParams, err := p.Map("event")
	if err != nil {
		return nil, err
	}
	runParams, err := p.Map("run")
	if err != nil {
		return nil, err
	}
	eventTags, err := parseTags("event", eventParams)
	if err != nil {
		return nil, err
	}
	runTags, err := parseTags("run", runParams)
	if err != nil {
		return nil, err
	}

	var info [3]string
	for i, key := range []string{"detector", "description", "software_tag"} {
		if info[i], err = p.String(key, ""); err != nil {
			return nil, err
		}
	}
	return NewHeaderTagger(name, eventTags, runTags).WithRunInfo(info[0], info[1], info[2]), nil
}
