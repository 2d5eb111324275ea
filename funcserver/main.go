// Command funcserver hosts registered job handlers behind HTTP so the remote
// runtime can dispatch run records to them.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/animus-runs/internal/jobs/trainer"
	"github.com/animus-labs/animus-runs/internal/platform/auth"
	"github.com/animus-labs/animus-runs/internal/platform/env"
	"github.com/animus-labs/animus-runs/internal/platform/httpserver"
	"github.com/animus-labs/animus-runs/internal/platform/logging"
	platformstore "github.com/animus-labs/animus-runs/internal/platform/objectstore"
	"github.com/animus-labs/animus-runs/internal/platform/tracing"
	"github.com/animus-labs/animus-runs/internal/rundb"
	"github.com/animus-labs/animus-runs/internal/runtimeexec"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const service = "funcserver"

func main() {
	logCfg, err := logging.ConfigFromEnv()
	if err != nil {
		logging.New(os.Stdout, "info", "json").Error("invalid log config", "error", err)
		os.Exit(2)
	}
	logger := logging.FromConfig(os.Stdout, logCfg)

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg, err := tracing.ConfigFromEnv(service)
	if err != nil {
		logger.Error("invalid tracing config", "error", err)
		os.Exit(2)
	}
	shutdownTracing, err := tracing.Setup(ctx, traceCfg, logger)
	if err != nil {
		logger.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	cfg, err := httpserver.ConfigFromEnv(service, ":8090")
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.NewAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("auth unavailable", "error", err)
		os.Exit(1)
	}
	requireStore, err := env.Bool("RUNS_FUNCTION_REQUIRE_STORE", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	db, err := rundb.Open(ctx, rundb.DefaultURL())
	if err != nil {
		logger.Error("run db unavailable", "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	storeCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	resolver := objectstore.NewResolverFromConfig(storeCfg)

	var checks []httpserver.ReadinessCheck
	if requireStore {
		client, err := platformstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		if err := platformstore.EnsureBuckets(ctx, client, storeCfg.Region, storeCfg.Bucket); err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "object_store",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return platformstore.CheckBucket(checkCtx, client, storeCfg.Bucket)
			},
		})
	}

	registry := runtimeexec.NewRegistry()
	registry.Register(trainer.Name, trainer.Train)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, checks...))
	mux.Handle("/metrics", promhttp.Handler())

	api := newFunctionAPI(logger, registry, env.String("RUNS_FUNCTION_HANDLER", trainer.Name), db, resolver)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		SkipPrefixes:  []string{"/healthz", "/readyz", "/metrics"},
	}.Wrap(mux)

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, tracing.Middleware(service, handler))); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
