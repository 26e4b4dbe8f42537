package parsers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/eleanor-dfir/eleanor/pkg/buffer"
	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// Dispatcher routes raw input through parser selection and publishes
// the resulting NormalizedEvents to the event buffer. A whole-format
// failure publishes exactly one pipeline_error event instead of the
// stream that input would have produced.
type Dispatcher struct {
	registry *Registry
	buf      buffer.Buffer
	logger   *slog.Logger
}

// NewDispatcher wires a registry to the event buffer.
func NewDispatcher(registry *Registry, buf buffer.Buffer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		buf:      buf,
		logger:   logger.With("component", "parser_dispatcher"),
	}
}

// DispatchRaw parses one connector record and publishes its events.
// It returns the number of events published.
func (d *Dispatcher) DispatchRaw(ctx context.Context, raw *models.RawEvent) (int, error) {
	return d.DispatchReader(ctx, bytes.NewReader(raw.Data), raw.Source)
}

// DispatchReader selects a parser for the named input and streams its
// events into the buffer.
func (d *Dispatcher) DispatchReader(ctx context.Context, r io.Reader, sourceName string) (int, error) {
	br := bufio.NewReaderSize(r, SniffLen)
	prefix, err := br.Peek(SniffLen)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("sniffing %s: %w", sourceName, err)
	}

	parser, err := d.registry.Select(sourceName, prefix)
	if err != nil {
		d.logger.Warn("No parser accepts input", "source", sourceName)
		return 0, err
	}
	return d.dispatch(ctx, parser, br, sourceName)
}

// DispatchWith runs a specific parser, bypassing selection.
func (d *Dispatcher) DispatchWith(ctx context.Context, parserName string, r io.Reader, sourceName string) (int, error) {
	parser, ok := d.registry.Get(parserName)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoParser, parserName)
	}
	return d.dispatch(ctx, parser, r, sourceName)
}

func (d *Dispatcher) dispatch(ctx context.Context, parser Parser, r io.Reader, sourceName string) (int, error) {
	published := 0
	emit := func(ev *models.NormalizedEvent) error {
		if err := d.publish(ctx, ev); err != nil {
			return err
		}
		published++
		return nil
	}

	err := parser.Parse(ctx, r, sourceName, emit)
	if err == nil {
		d.logger.Debug("Dispatched input",
			"parser", parser.Name(), "source", sourceName, "events", published)
		return published, nil
	}

	if errors.Is(err, ErrMalformedSource) {
		pe := models.PipelineError(parser.Name(), sourceName, err.Error())
		if perr := d.publish(ctx, pe); perr != nil {
			return published, perr
		}
		d.logger.Warn("Malformed source",
			"parser", parser.Name(), "source", sourceName, "error", err)
		return published + 1, nil
	}
	return published, fmt.Errorf("parsing %s with %s: %w", sourceName, parser.Name(), err)
}

func (d *Dispatcher) publish(ctx context.Context, ev *models.NormalizedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := d.buf.Publish(ctx, buffer.StreamEvents, data); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}
