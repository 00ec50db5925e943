// Command aqetl loads OpenAQ air-quality measurements into a relational store.
//
// Usage:
//
//	aqetl serve                      # consume from Kafka, expose /healthz /readyz /metrics /api
//	aqetl load testdata/latest.json  # one run from a results page, array or NDJSON file
//	aqetl schema [--check]
//	aqetl verify
//	aqetl series --parameter pm25 [--unit µg/m³]
//	aqetl runs [--limit 20]
//
// Database and broker settings come from the environment (see internal/config).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/couchcryptid/air-quality-etl/internal/config"
	"github.com/couchcryptid/air-quality-etl/internal/observability"
	"github.com/couchcryptid/air-quality-etl/internal/store"
)

type cli struct {
	Serve  serveCmd  `cmd:"" default:"1" help:"Consume raw records from Kafka and load them continuously."`
	Load   loadCmd   `cmd:"" help:"Run one load from an OpenAQ payload file."`
	Schema schemaCmd `cmd:"" help:"Create the schema, or check it with --check."`
	Verify verifyCmd `cmd:"" help:"Report row counts and orphaned rows."`
	Series seriesCmd `cmd:"" help:"Print the measurements of one parameter."`
	Runs   runsCmd   `cmd:"" help:"List recent load runs."`
}

// app carries the process-wide dependencies handed to every command.
type app struct {
	ctx     context.Context
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	out     io.Writer
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("aqetl"),
		kong.Description("Incremental loader for OpenAQ air-quality measurements."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		ctx:     ctx,
		cfg:     cfg,
		logger:  observability.NewLogger(cfg),
		metrics: observability.NewMetrics(),
		out:     os.Stdout,
	}

	if err := kctx.Run(a); err != nil {
		a.logger.Error("command failed", "command", kctx.Command(), "error", err)
		stop()
		os.Exit(1)
	}
}

// openStore connects to the configured database. For SQLite files the
// parent directory is created first.
func (a *app) openStore() (*store.Store, error) {
	driver, err := store.ParseDriver(a.cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	if driver == store.DriverSQLite {
		if err := ensureDir(a.cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}
	return store.Open(a.ctx, store.Options{
		Driver:         driver,
		DSN:            a.cfg.DatabaseURL,
		ConnectTimeout: a.cfg.DBConnectTimeout,
	}, a.logger)
}

func ensureDir(dsn string) error {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
