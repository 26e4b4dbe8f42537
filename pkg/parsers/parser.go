// Package parsers converts raw source records into NormalizedEvents.
//
// A parser declares the file extensions and MIME types it understands and
// can sniff a bounded content prefix. Parsing is lazy: events are handed
// to an emit callback one at a time, so reading the first K events of an
// N-record input costs O(K), not O(N).
//
// Failure model: a malformed individual record is logged, counted, and
// skipped; a whole input in the wrong format fails early with
// ErrMalformedSource and surfaces as a single pipeline_error event.
package parsers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleanor-dfir/eleanor/pkg/models"
)

// Category groups parsers by the evidence domain they cover.
type Category string

// Parser categories.
const (
	CategoryLogs      Category = "logs"
	CategoryNetwork   Category = "network"
	CategoryEDR       Category = "edr"
	CategoryMemory    Category = "memory"
	CategoryArtifacts Category = "artifacts"
	CategoryWebserver Category = "webserver"
)

// SniffLen is the maximum content prefix offered to CanParse.
const SniffLen = 4096

// ErrStop may be returned from an EmitFunc to end parsing early without
// error; Parse returns nil.
var ErrStop = errors.New("stop iteration")

// ErrMalformedSource indicates the whole input is not in the parser's
// format (as opposed to a single bad record).
var ErrMalformedSource = errors.New("malformed source")

// ErrNoParser is returned when no registered parser accepts an input.
var ErrNoParser = errors.New("no parser accepts input")

// EmitFunc receives each parsed event. Returning a non-nil error stops
// the parse; ErrStop stops it without surfacing an error.
type EmitFunc func(*models.NormalizedEvent) error

// Parser is the capability interface every format implementation
// satisfies.
type Parser interface {
	Name() string
	Category() Category
	Extensions() []string
	MIMETypes() []string

	// CanParse inspects the filename and a bounded content prefix and
	// reports whether this parser understands the input.
	CanParse(filename string, prefix []byte) bool

	// Parse reads records from r and emits NormalizedEvents until EOF,
	// ctx cancellation, or an emit error.
	Parse(ctx context.Context, r io.Reader, sourceName string, emit EmitFunc) error
}

// Stats holds per-parser record counters.
type Stats struct {
	RecordsParsed  atomic.Int64
	RecordsSkipped atomic.Int64
}

// SkippedRecord is one entry in the bounded skipped-records log.
type SkippedRecord struct {
	Parser string
	Source string
	Line   int
	Reason string
	At     time.Time
}

const skipLogSize = 256

// BaseParser carries the identity, stats, and record-skip bookkeeping
// shared by all parser implementations.
type BaseParser struct {
	name      string
	category  Category
	exts      []string
	mimeTypes []string

	stats   Stats
	mu      sync.Mutex
	skipped []SkippedRecord
}

// NewBaseParser constructs the shared parser base.
func NewBaseParser(name string, category Category, exts, mimeTypes []string) BaseParser {
	return BaseParser{name: name, category: category, exts: exts, mimeTypes: mimeTypes}
}

// Name returns the canonical parser id.
func (b *BaseParser) Name() string { return b.name }

// Category returns the parser's evidence domain.
func (b *BaseParser) Category() Category { return b.category }

// Extensions returns the supported file extensions (with leading dot).
func (b *BaseParser) Extensions() []string { return b.exts }

// MIMETypes returns the supported MIME types.
func (b *BaseParser) MIMETypes() []string { return b.mimeTypes }

// Stats returns the parser's counters.
func (b *BaseParser) Stats() *Stats { return &b.stats }

// SkippedRecords returns a copy of the recent skipped-record log.
func (b *BaseParser) SkippedRecords() []SkippedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SkippedRecord, len(b.skipped))
	copy(out, b.skipped)
	return out
}

// skip records a malformed individual record: counted, logged, parsing
// continues.
func (b *BaseParser) skip(source string, line int, err error) {
	b.stats.RecordsSkipped.Add(1)
	b.mu.Lock()
	if len(b.skipped) >= skipLogSize {
		b.skipped = b.skipped[1:]
	}
	b.skipped = append(b.skipped, SkippedRecord{
		Parser: b.name,
		Source: source,
		Line:   line,
		Reason: err.Error(),
		At:     time.Now(),
	})
	b.mu.Unlock()
	slog.Debug("Skipped malformed record",
		"parser", b.name, "source", source, "line", line, "error", err)
}

// finish stamps provenance and enforces the timestamp invariant
// (event time never after ingest time) before the event leaves the
// parser.
func (b *BaseParser) finish(ev *models.NormalizedEvent, source string, line int) *models.NormalizedEvent {
	ev.IngestTime = time.Now().UTC()
	if ev.Timestamp.IsZero() || ev.Timestamp.After(ev.IngestTime) {
		ev.Timestamp = ev.IngestTime
	}
	if ev.SourceType == "" {
		ev.SourceType = b.name
	}
	if ev.SourceFile == "" {
		ev.SourceFile = source
	}
	if ev.SourceLine == 0 {
		ev.SourceLine = line
	}
	if ev.EventKind == "" {
		ev.EventKind = models.KindEvent
	}
	b.stats.RecordsParsed.Add(1)
	return ev
}

// Registry holds all registered parsers. It is configured once at
// start-up and read-only afterwards.
type Registry struct {
	parsers []Parser
	byName  map[string]Parser
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Parser)}
}

// Register appends a parser. Registration order is the tie-break for
// selection. Duplicate names are rejected.
func (r *Registry) Register(p Parser) error {
	if _, ok := r.byName[p.Name()]; ok {
		return errors.New("duplicate parser: " + p.Name())
	}
	r.parsers = append(r.parsers, p)
	r.byName[p.Name()] = p
	return nil
}

// Get returns a parser by canonical name.
func (r *Registry) Get(name string) (Parser, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// All returns every registered parser in registration order.
func (r *Registry) All() []Parser { return r.parsers }

// Select picks the parser for an input: extension matches are offered
// first, then every parser gets to sniff the prefix. The first
// CanParse=true in that order wins.
func (r *Registry) Select(filename string, prefix []byte) (Parser, error) {
	if len(prefix) > SniffLen {
		prefix = prefix[:SniffLen]
	}

	lower := strings.ToLower(filename)
	var candidates []Parser
	seen := make(map[string]bool)
	for _, p := range r.parsers {
		for _, ext := range p.Extensions() {
			if strings.HasSuffix(lower, ext) {
				candidates = append(candidates, p)
				seen[p.Name()] = true
				break
			}
		}
	}
	for _, p := range r.parsers {
		if !seen[p.Name()] {
			candidates = append(candidates, p)
		}
	}

	for _, p := range candidates {
		if p.CanParse(filename, prefix) {
			return p, nil
		}
	}
	return nil, ErrNoParser
}
