// Package model defines the records every event store shares: the per-event
// header, the per-run header and the product catalog tags.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eventflow/eventflow/pkg/errors"
)

// EventHeader carries the bookkeeping of a single event.
// Exactly one exists per event and it is stored under EventHeaderKey.
type EventHeader struct {
	Run         int       `json:"run"`
	EventNumber int       `json:"event_number"`
	Timestamp   time.Time `json:"timestamp"`

	// Weight defaults to 1. Producers that reweight events update it.
	Weight float64 `json:"weight"`

	// Tries counts generation attempts before this event was accepted.
	Tries int `json:"tries"`

	RealData bool `json:"real_data"`

	IntParameters    map[string]int     `json:"int_parameters,omitempty"`
	FloatParameters  map[string]float64 `json:"float_parameters,omitempty"`
	StringParameters map[string]string  `json:"string_parameters,omitempty"`
}

// NewEventHeader returns a header with the default field values.
func NewEventHeader() *EventHeader {
	return &EventHeader{Run: -1, EventNumber: -1, Weight: 1.0}
}

// Clear resets the header to its defaults.
func (h *EventHeader) Clear() {
	*h = EventHeader{Run: -1, EventNumber: -1, Weight: 1.0}
}

// IncrementTries bumps the number of generation attempts.
func (h *EventHeader) IncrementTries() {
	h.Tries++
}

// SetIntParameter sets a named int parameter.
func (h *EventHeader) SetIntParameter(name string, value int) {
	if h.IntParameters == nil {
		h.IntParameters = make(map[string]int)
	}
	h.IntParameters[name] = value
}

// IntParameter returns a named int parameter.
func (h *EventHeader) IntParameter(name string) (int, error) {
	v, ok := h.IntParameters[name]
	if !ok {
		return 0, missingParameter("int", name)
	}
	return v, nil
}

// SetFloatParameter sets a named float parameter.
func (h *EventHeader) SetFloatParameter(name string, value float64) {
	if h.FloatParameters == nil {
		h.FloatParameters = make(map[string]float64)
	}
	h.FloatParameters[name] = value
}

// FloatParameter returns a named float parameter.
func (h *EventHeader) FloatParameter(name string) (float64, error) {
	v, ok := h.FloatParameters[name]
	if !ok {
		return 0, missingParameter("float", name)
	}
	return v, nil
}

// SetStringParameter sets a named string parameter.
func (h *EventHeader) SetStringParameter(name, value string) {
	if h.StringParameters == nil {
		h.StringParameters = make(map[string]string)
	}
	h.StringParameters[name] = value
}

// StringParameter returns a named string parameter.
func (h *EventHeader) StringParameter(name string) (string, error) {
	v, ok := h.StringParameters[name]
	if !ok {
		return "", missingParameter("string", name)
	}
	return v, nil
}

// String renders the header on one line for logging.
func (h *EventHeader) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "EventHeader{run=%d event=%d weight=%g tries=%d real=%t ts=%s",
		h.Run, h.EventNumber, h.Weight, h.Tries, h.RealData, h.Timestamp.Format(time.RFC3339Nano))
	writeParams(&sb, h.IntParameters, h.FloatParameters, h.StringParameters)
	sb.WriteString("}")
	return sb.String()
}

func missingParameter(kind, name string) error {
	return errors.Newf(errors.CodeDataError, "%s parameter '%s' does not exist", kind, name).
		WithContext("parameter", name)
}

func writeParams(sb *strings.Builder, ints map[string]int, floats map[string]float64, strs map[string]string) {
	for _, k := range sortedKeys(ints) {
		fmt.Fprintf(sb, " %s=%d", k, ints[k])
	}
	for _, k := range sortedKeys(floats) {
		fmt.Fprintf(sb, " %s=%g", k, floats[k])
	}
	for _, k := range sortedKeys(strs) {
		fmt.Fprintf(sb, " %s=%q", k, strs[k])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
