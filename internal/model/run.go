package model

import (
	"fmt"
	"strings"
	"time"
)

// RunHeader is the per-run metadata record kept in the run table.
type RunHeader struct {
	RunNumber    int    `json:"run_number"`
	DetectorName string `json:"detector_name,omitempty"`
	Description  string `json:"description,omitempty"`
	SoftwareTag  string `json:"software_tag,omitempty"`

	// RunStart and RunEnd are seconds since the epoch.
	RunStart int64 `json:"run_start"`
	RunEnd   int64 `json:"run_end"`

	// NumTried counts events begun, NumEvents events completed.
	NumTried  int `json:"num_tried"`
	NumEvents int `json:"num_events"`

	IntParameters    map[string]int     `json:"int_parameters,omitempty"`
	FloatParameters  map[string]float64 `json:"float_parameters,omitempty"`
	StringParameters map[string]string  `json:"string_parameters,omitempty"`
}

// NewRunHeader creates a run header stamped with the current time as start.
func NewRunHeader(run int) *RunHeader {
	return &RunHeader{
		RunNumber: run,
		RunStart:  time.Now().Unix(),
	}
}

// SetIntParameter sets a named int parameter.
func (h *RunHeader) SetIntParameter(name string, value int) {
	if h.IntParameters == nil {
		h.IntParameters = make(map[string]int)
	}
	h.IntParameters[name] = value
}

// IntParameter returns a named int parameter.
func (h *RunHeader) IntParameter(name string) (int, error) {
	v, ok := h.IntParameters[name]
	if !ok {
		return 0, missingParameter("int", name)
	}
	return v, nil
}

// SetFloatParameter sets a named float parameter.
func (h *RunHeader) SetFloatParameter(name string, value float64) {
	if h.FloatParameters == nil {
		h.FloatParameters = make(map[string]float64)
	}
	h.FloatParameters[name] = value
}

// FloatParameter returns a named float parameter.
func (h *RunHeader) FloatParameter(name string) (float64, error) {
	v, ok := h.FloatParameters[name]
	if !ok {
		return 0, missingParameter("float", name)
	}
	return v, nil
}

// SetStringParameter sets a named string parameter.
func (h *RunHeader) SetStringParameter(name, value string) {
	if h.StringParameters == nil {
		h.StringParameters = make(map[string]string)
	}
	h.StringParameters[name] = value
}

// StringParameter returns a named string parameter.
func (h *RunHeader) StringParameter(name string) (string, error) {
	v, ok := h.StringParameters[name]
	if !ok {
		return "", missingParameter("string", name)
	}
	return v, nil
}

// String renders the header on one line for logging.
func (h *RunHeader) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "RunHeader{run=%d detector=%q description=%q tag=%q start=%d end=%d tried=%d events=%d",
		h.RunNumber, h.DetectorName, h.Description, h.SoftwareTag, h.RunStart, h.RunEnd, h.NumTried, h.NumEvents)
	writeParams(&sb, h.IntParameters, h.FloatParameters, h.StringParameters)
	sb.WriteString("}")
	return sb.String()
}
