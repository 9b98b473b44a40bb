// Package runner wires the compiler, stream processor and upsert engine into
// the per-view pipeline.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/view-runner/internal/config"
	"github.com/ehr/view-runner/internal/pipeline"
	"github.com/ehr/view-runner/internal/platform/db"
	"github.com/ehr/view-runner/internal/platform/status"
	"github.com/ehr/view-runner/internal/store"
	"github.com/ehr/view-runner/internal/view"
)

// Runner executes every ViewDefinition in the configured folder against the
// configured input. Views are processed independently; a failing view never
// stops the run.
type Runner struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *db.Pool
	status *status.Server
}

// New creates a runner. The status server may be nil.
func New(cfg *config.Config, logger zerolog.Logger, pool *db.Pool, statusSrv *status.Server) *Runner {
	return &Runner{cfg: cfg, logger: logger, pool: pool, status: statusSrv}
}

// Run loads, compiles and executes all views sequentially.
func (r *Runner) Run(ctx context.Context) error {
	defs, failed, err := view.LoadFolder(r.cfg.ViewDefinitionsFolder)
	if err != nil {
		return err
	}
	for path, loadErr := range failed {
		r.logger.Error().Str("file", path).Err(loadErr).Msg("skipping unreadable view definition")
	}
	if len(defs) == 0 {
		return fmt.Errorf("no view definitions found in %s", r.cfg.ViewDefinitionsFolder)
	}

	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runView(ctx, def); err != nil {
			r.logger.Error().Str("view", def.Name).Err(err).Msg("view failed")
		}
	}
	return nil
}

func (r *Runner) runView(ctx context.Context, def *view.ViewDefinition) error {
	plan, err := view.Compile(def)
	if err != nil {
		return err
	}
	logger := r.logger.With().Str("view", plan.Name).Str("table", plan.TableName()).Logger()

	input, err := r.inputPath(plan)
	if err != nil {
		logger.Warn().Err(err).Msg("no input for view")
		return nil
	}

	conn, err := r.pool.Acquire()
	if err != nil {
		return err
	}
	err = store.EnsureTable(ctx, conn, plan)
	r.pool.Release(conn)
	if err != nil {
		return err
	}

	eval := view.NewEvaluator(logger, plan)
	mat := view.NewMaterializer(plan, eval)
	tracker := &pipeline.Tracker{}
	if r.status != nil {
		r.status.Track(plan.Name, tracker)
	}
	upserter := store.NewUpserter(r.pool, logger, r.cfg.BatchSize)
	proc := pipeline.NewProcessor(logger, r.cfg.EffectiveConcurrency(), tracker)

	start := time.Now()
	var total store.Result
	var buf []view.Row

	flush := func() {
		if len(buf) == 0 {
			return
		}
		res, err := upserter.Upsert(ctx, plan.TableName(), buf, plan.ResourceKeyColumn())
		total.Add(res)
		if err != nil {
			// Transaction-scope failure: the batch is rolled back and
			// counted; the stream continues with the next batch.
			logger.Error().Err(err).Int("rows", len(buf)).Msg("batch upsert failed")
		}
		buf = buf[:0]
	}

	stats, err := proc.Process(ctx, input, mat, func(rows []view.Row) error {
		buf = append(buf, rows...)
		if len(buf) >= r.cfg.BatchSize {
			flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	flush()

	logger.Info().
		Str("event", "run-summary").
		Str("input", input).
		Int64("total_records", stats.TotalRecords).
		Int64("parsed_records", stats.ParsedRecords).
		Int64("invalid_records", stats.InvalidRecords).
		Int("inserted", total.Inserted).
		Int("deleted", total.Deleted).
		Int("updated", total.Updated).
		Int("errors", total.Errors).
		Dur("elapsed", time.Since(start)).
		Msg("view complete")
	return nil
}

// inputPath resolves the NDJSON file for a plan: the explicit file when
// configured, otherwise <bulkExportFolder>/<ResourceType>.ndjson.
func (r *Runner) inputPath(plan *view.Plan) (string, error) {
	path := r.cfg.NDJSONFilePath
	if path == "" {
		path = filepath.Join(r.cfg.BulkExportFolder, plan.Resource+".ndjson")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("input file %s: %w", path, err)
	}
	return path, nil
}
