package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/view-runner/internal/config"
	"github.com/ehr/view-runner/internal/platform/db"
	"github.com/ehr/view-runner/internal/platform/logging"
	"github.com/ehr/view-runner/internal/platform/status"
	"github.com/ehr/view-runner/internal/runner"
	"github.com/ehr/view-runner/internal/view"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "view-runner",
		Short: "SQL-on-FHIR view runner for NDJSON bulk data",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(compileCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute every view definition against the configured input",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline()
		},
	}
}

func compileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <view-definition.json>",
		Short: "Validate a view definition and print its compiled plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := view.LoadFile(args[0])
			if err != nil {
				return err
			}
			plan, err := view.Compile(def)
			if err != nil {
				return err
			}
			out := map[string]interface{}{
				"name":              plan.Name,
				"resource":          plan.Resource,
				"table":             plan.TableName(),
				"resourceKeyColumn": plan.ResourceKeyColumn(),
				"columns":           describeColumns(plan),
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func describeColumns(plan *view.Plan) []map[string]interface{} {
	cols := make([]map[string]interface{}, 0, len(plan.Columns))
	for _, c := range plan.Columns {
		cols = append(cols, map[string]interface{}{
			"name":       c.Name,
			"path":       c.Path,
			"type":       c.Type,
			"collection": c.Collection,
			"selectPath": c.SelectPath,
		})
	}
	return cols
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the view-runner version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func runPipeline() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.LogLevel, cfg.Debug, cfg.LogsFolder)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger = logger.With().Str("run_id", uuid.NewString()).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DuckDBFolder, cfg.DuckDBFileName)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open database")
		return err
	}
	defer database.Close()

	pool, err := db.NewPool(ctx, database, cfg.ConnectionPoolSize)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create connection pool")
		return err
	}
	defer pool.Close()
	logger.Info().
		Int("pool_size", cfg.ConnectionPoolSize).
		Int("concurrency", cfg.EffectiveConcurrency()).
		Msg("connected to database")

	var statusSrv *status.Server
	if cfg.StatusPort > 0 {
		statusSrv = status.NewServer(logger)
		statusSrv.Start(cfg.StatusPort)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			statusSrv.Shutdown(shutdownCtx)
		}()
	}

	r := runner.New(cfg, logger, pool, statusSrv)
	if err := r.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("run failed")
		return err
	}
	logger.Info().Msg("run complete")
	return nil
}
