package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heliosfhir/fhirstore/internal/bootstrap"
	"github.com/heliosfhir/fhirstore/internal/mlog"
)

func main() {
	logger, err := mlog.NewZapLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)

		os.Exit(1)
	}

	defer func() { _ = logger.Sync() }()

	cfg := bootstrap.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("failed to initialize fhirstore engine: %v", err)
		os.Exit(1)
	}

	logger.WithFields(
		"env", cfg.EnvName,
		"backends", len(service.Backends),
		"search_params", service.Registry.Len(),
	).Info("fhirstore engine initialized")

	service.Start()

	<-ctx.Done()

	logger.Info("shutting down")
	service.Shutdown(10 * time.Second)
}
