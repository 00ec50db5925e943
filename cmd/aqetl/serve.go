package main

import (
	"context"
	"errors"
	"net/http"

	httpadapter "github.com/couchcryptid/air-quality-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/air-quality-etl/internal/adapter/kafka"
	"github.com/couchcryptid/air-quality-etl/internal/pipeline"
)

type serveCmd struct{}

func (serveCmd) Run(a *app) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	loader := pipeline.NewLoader(st, loaderConfig(a, ""), a.logger, a.metrics)
	reader := kafkaadapter.NewReader(a.cfg, a.logger)
	writer := kafkaadapter.NewWriter(a.cfg, a.logger)

	p := pipeline.New(reader, loader, writer, a.logger, a.metrics, a.cfg.BatchSize)
	srv := httpadapter.NewServer(a.cfg.HTTPAddr, p, st, a.logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", "error", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- p.Run(a.ctx)
	}()

	var pipelineErr error
	select {
	case <-a.ctx.Done():
		pipelineErr = <-runErr
	case pipelineErr = <-runErr:
		if pipelineErr != nil {
			a.logger.Error("pipeline stopped", "error", pipelineErr)
		}
	}
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", "error", err)
	}
	if err := reader.Close(); err != nil {
		a.logger.Error("kafka reader close error", "error", err)
	}
	if err := writer.Close(); err != nil {
		a.logger.Error("kafka writer close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return pipelineErr
}
