package processors

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/process"
)

// EventFilter aborts events whose header does not pass its rules. Aborted
// events are not stored in the output.
type EventFilter struct {
	process.Base
	rules []FilterRule
}

// FilterRule defines a single filter condition on the event header.
type FilterRule struct {
	Field    string // "run", "event", "weight", "tries", "real_data" or a header parameter
	Operator string // "eq", "ne", "gt", "ge", "lt", "le", "contains", "prefix", "regex", "set", "unset"
	Value    string
	Regex    *regexp.Regexp // Compiled if operator is "regex"
	Exclude  bool           // If true, matching events are dropped
}

// NewEventFilter creates a filter with the given rules.
func NewEventFilter(name string, rules []FilterRule) (*EventFilter, error) {
	for i := range rules {
		switch rules[i].Operator {
		case "regex":
			re, err := regexp.Compile(rules[i].Value)
			if err != nil {
				return nil, errors.Wrapf(err, errors.CodeInvalidRegex, "invalid filter pattern '%s'", rules[i].Value)
			}
			rules[i].Regex = re
		case "eq", "ne", "gt", "ge", "lt", "le", "contains", "prefix", "set", "unset":
		default:
			return nil, errors.Newf(errors.CodeProcess, "unknown filter operator '%s'", rules[i].Operator)
		}
	}
	return &EventFilter{Base: process.NewBase(name), rules: rules}, nil
}

// Produce aborts the event unless it passes every rule.
func (f *EventFilter) Produce(ctx context.Context, ev *event.Event) error {
	if !f.shouldKeep(ev.Header()) {
		return process.ErrAbortEvent
	}
	return nil
}

// shouldKeep returns true if the header passes all filters.
func (f *EventFilter) shouldKeep(h *model.EventHeader) bool {
	for _, rule := range f.rules {
		value, ok := headerField(h, rule.Field)
		matches := compareValue(value, ok, rule)

		if rule.Exclude && matches {
			return false
		}
		if !rule.Exclude && !matches {
			return false
		}
	}
	return true
}

// headerField renders a header field or parameter as text.
func headerField(h *model.EventHeader, field string) (string, bool) {
	switch field {
	case "run":
		return strconv.Itoa(h.Run), true
	case "event":
		return strconv.Itoa(h.EventNumber), true
	case "weight":
		return strconv.FormatFloat(h.Weight, 'g', -1, 64), true
	case "tries":
		return strconv.Itoa(h.Tries), true
	case "real_data":
		return strconv.FormatBool(h.RealData), true
	}
	if v, err := h.IntParameter(field); err == nil {
		return strconv.Itoa(v), true
	}
	if v, err := h.FloatParameter(field); err == nil {
		return strconv.FormatFloat(v, 'g', -1, 64), true
	}
	if v, err := h.StringParameter(field); err == nil {
		return v, true
	}
	return "", false
}

// compareValue applies the operator. Ordering operators compare numbers when
// both sides parse as numbers and text otherwise.
func compareValue(value string, set bool, rule FilterRule) bool {
	switch rule.Operator {
	case "set":
		return set
	case "unset":
		return !set
	}
	if !set {
		return false
	}
	switch rule.Operator {
	case "eq":
		return compare(value, rule.Value) == 0
	case "ne":
		return compare(value, rule.Value) != 0
	case "gt":
		return compare(value, rule.Value) > 0
	case "ge":
		return compare(value, rule.Value) >= 0
	case "lt":
		return compare(value, rule.Value) < 0
	case "le":
		return compare(value, rule.Value) <= 0
	case "contains":
		return strings.Contains(value, rule.Value)
	case "prefix":
		return strings.HasPrefix(value, rule.Value)
	case "regex":
		return rule.Regex != nil && rule.Regex.MatchString(value)
	default:
		return false
	}
}

func compare(a, b string) int {
	x, errA := strconv.ParseFloat(a, 64)
	y, errB := strconv.ParseFloat(b, 64)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// NewEventFilterFromParams builds a filter from sequence parameters:
//
//	rules:
//	  - {field: run, op: eq, value: 3}
//	  - {field: weight, op: lt, value: 0.5, exclude: true}
func NewEventFilterFromParams(name string, params map[string]any) (process.Processor, error) {
	raw, ok := params["rules"]
	if !ok {
		return NewEventFilter(name, nil)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, badParam("rules", raw, "a list")
	}

	b := NewFilterBuilder()
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, badParam(fmt.Sprintf("rules[%d]", i), item, "a mapping")
		}
		p := Params(m)
		field, err := p.String("field", "")
		if err != nil {
			return nil, err
		}
		op, err := p.String("op", "eq")
		if err != nil {
			return nil, err
		}
		exclude, err := p.Bool("exclude", false)
		if err != nil {
			return nil, err
		}
		value := ""
		if v, ok := m["value"]; ok && v != nil {
			value = fmt.Sprint(v)
		}
		if exclude {
			b.Exclude(field, op, value)
		} else {
			b.Include(field, op, value)
		}
	}
	return b.Build(name)
}

// --- Builder for constructing filter rules ---

// FilterBuilder provides a fluent interface for building filters.
type FilterBuilder struct {
	rules []FilterRule
}

// NewFilterBuilder creates a new filter builder.
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{rules: make([]FilterRule, 0)}
}

// Include adds an inclusion rule (keep matching events).
func (b *FilterBuilder) Include(field, operator, value string) *FilterBuilder {
	b.rules = append(b.rules, FilterRule{
		Field:    field,
		Operator: operator,
		Value:    value,
	})
	return b
}

// Exclude adds an exclusion rule (drop matching events).
func (b *FilterBuilder) Exclude(field, operator, value string) *FilterBuilder {
	b.rules = append(b.rules, FilterRule{
		Field:    field,
		Operator: operator,
		Value:    value,
		Exclude:  true,
	})
	return b
}

// Build creates the EventFilter.
func (b *FilterBuilder) Build(name string) (*EventFilter, error) {
	return NewEventFilter(name, b.rules)
}
