// Package pipeline streams NDJSON resources through a row materializer
// under bounded concurrency.
package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/view-runner/internal/view"
)

// progressInterval is the line cadence of progress events.
const progressInterval = 1000

// maxLineBytes bounds a single NDJSON line; bulk exports routinely carry
// resources far larger than bufio's default token size.
const maxLineBytes = 16 * 1024 * 1024

// Stats tallies one processing run.
type Stats struct {
	TotalRecords   int64 `json:"totalRecords"`
	ParsedRecords  int64 `json:"parsedRecords"`
	InvalidRecords int64 `json:"invalidRecords"`
	Rows           int64 `json:"rows"`
}

// Tracker exposes live counters for the progress side-channel.
type Tracker struct {
	total   atomic.Int64
	parsed  atomic.Int64
	invalid atomic.Int64
	rows    atomic.Int64
}

// Snapshot returns the current counter values.
func (t *Tracker) Snapshot() Stats {
	return Stats{
		TotalRecords:   t.total.Load(),
		ParsedRecords:  t.parsed.Load(),
		InvalidRecords: t.invalid.Load(),
		Rows:           t.rows.Load(),
	}
}

// Sink consumes materialized rows. Batches preserve the row order of a
// single materialization; ordering across resources is unspecified.
type Sink func(rows []view.Row) error

// Processor reads an NDJSON file line by line and dispatches each parsed
// resource to a row materializer under a bounded-concurrency limiter.
type Processor struct {
	logger      zerolog.Logger
	concurrency int
	tracker     *Tracker
}

// NewProcessor creates a processor. Concurrency below 1 is treated as the
// strictly serial pipeline.
func NewProcessor(logger zerolog.Logger, concurrency int, tracker *Tracker) *Processor {
	if concurrency < 1 {
		concurrency = 1
	}
	if tracker == nil {
		tracker = &Tracker{}
	}
	return &Processor{logger: logger, concurrency: concurrency, tracker: tracker}
}

// Process streams the file at path through the materializer and hands every
// produced row batch to sink. Invalid lines are counted and logged, never
// fatal; a sink failure aborts the run.
func (p *Processor) Process(ctx context.Context, path string, mat *view.Materializer, sink Sink) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, err
	}
	defer f.Close()

	var fileSize int64
	if fi, err := f.Stat(); err == nil {
		fileSize = fi.Size()
	}

	start := time.Now()
	var bytesRead int64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	var sinkMu sync.Mutex

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return p.tracker.Snapshot(), g.Wait()
		default:
		}

		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		bytesRead += int64(len(line)) + 1

		if isBlank(line) {
			continue
		}

		total := p.tracker.total.Add(1)
		if total%progressInterval == 0 {
			p.logProgress(total, bytesRead, fileSize, start)
		}

		g.Go(func() error {
			var resource map[string]interface{}
			if err := json.Unmarshal(line, &resource); err != nil || resource == nil {
				p.tracker.invalid.Add(1)
				p.logger.Warn().
					Str("event", "failed-record").
					Str("line", string(line)).
					Err(err).
					Msg("skipping malformed NDJSON line")
				return nil
			}

			rows, admitted, err := materializeSafely(mat, resource)
			if err != nil {
				p.tracker.invalid.Add(1)
				p.logger.Warn().
					Str("event", "failed-record").
					Str("line", string(line)).
					Err(err).
					Msg("materialization failed")
				return nil
			}
			if !admitted {
				return nil
			}
			p.tracker.parsed.Add(1)
			if len(rows) == 0 {
				return nil
			}
			p.tracker.rows.Add(int64(len(rows)))

			sinkMu.Lock()
			defer sinkMu.Unlock()
			return sink(rows)
		})
	}

	if err := g.Wait(); err != nil {
		return p.tracker.Snapshot(), err
	}
	if err := scanner.Err(); err != nil {
		return p.tracker.Snapshot(), err
	}
	return p.tracker.Snapshot(), nil
}

func (p *Processor) logProgress(lines, bytesRead, fileSize int64, start time.Time) {
	elapsed := time.Since(start)
	rps := float64(lines) / elapsed.Seconds()

	evt := p.logger.Info().
		Str("event", "progress").
		Int64("records", lines).
		Float64("records_per_second", rps)

	if fileSize > 0 && bytesRead > 0 {
		remaining := time.Duration(float64(elapsed) * float64(fileSize-bytesRead) / float64(bytesRead))
		evt = evt.Dur("estimated_remaining", remaining)
	}
	evt.Msg("processing")
}

// materializeSafely isolates a panicking materialization to the line that
// caused it.
func materializeSafely(mat *view.Materializer, resource map[string]interface{}) (rows []view.Row, admitted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			rows, admitted = nil, false
			err = fmt.Errorf("materialize: panic: %v", r)
		}
	}()
	rows, admitted = mat.Materialize(resource)
	return rows, admitted, nil
}

func isBlank(line []byte) bool {
	for _, b := range line {
		if b != ' ' && b != '\t' && b != '\r' {
			return false
		}
	}
	return true
}
