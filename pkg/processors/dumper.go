package processors

import (
	"context"
	"log/slog"
	"strings"

	"github.com/eventflow/eventflow/pkg/event"
	"github.com/eventflow/eventflow/pkg/process"
)

// EventDumper logs the header and product catalog of events.
type EventDumper struct {
	process.Base
	every  int
	seen   int
	logger *slog.Logger
}

// NewEventDumper logs every n-th event.
func NewEventDumper(name string, every int, logger *slog.Logger) *EventDumper {
	if every < 1 {
		every = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventDumper{Base: process.NewBase(name), every: every, logger: logger}
}

func (d *EventDumper) Analyze(ctx context.Context, ev *event.Event) error {
	d.seen++
	if (d.seen-1)%d.every != 0 {
		return nil
	}
	products := ev.Products()
	tags := make([]string, len(products))
	for i, t := range products {
		tags[i] = t.String()
	}
	d.logger.Info("event dump",
		slog.String("processor", d.Name()),
		slog.String("header", ev.Header().String()),
		slog.Int("products", len(products)),
		slog.String("catalog", strings.Join(tags, ", ")),
	)
	return nil
}

// NewEventDumperFromParams builds a dumper from sequence parameters.
func NewEventDumperFromParams(name string, params map[string]any) (process.Processor, error) {
	every, err := Params(params).Int("every", 1)
	if err != nil {
		return nil, err
	}
	return NewEventDumper(name, every, nil), nil
}
