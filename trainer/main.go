// Command trainer runs the sample training job as a local subprocess. The
// dispatcher hands it the run record through RUNS_EXEC_CONFIG.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/execution/runctx"
	"github.com/animus-labs/animus-runs/internal/jobs/trainer"
	"github.com/animus-labs/animus-runs/internal/platform/logging"
	platformstore "github.com/animus-labs/animus-runs/internal/platform/objectstore"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
)

func main() {
	os.Exit(run())
}

// run returns the exit code: 2 for bad configuration or parameters, 1 for a
// failed job.
func run() int {
	logCfg, err := logging.ConfigFromEnv()
	if err != nil {
		logging.New(os.Stderr, "info", "json").Error("invalid log config", "error", err)
		return 2
	}
	logger := logging.FromConfig(os.Stderr, logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []runctx.Option{runctx.WithLogger(logger)}
	if storeCfg, err := platformstore.ConfigFromEnv(); err == nil {
		opts = append(opts, runctx.WithStores(objectstore.NewResolverFromConfig(storeCfg)))
	}
	rc, err := runctx.FromEnv(ctx, trainer.Name, opts...)
	if err != nil {
		logger.Error("run context unavailable", "error", err)
		return 2
	}
	defer func() {
		if err := rc.Close(); err != nil {
			logger.Warn("close run db", "error", err)
		}
	}()

	runErr := trainer.Train(ctx, rc)
	if runErr != nil {
		rc.SetState(ctx, domain.RunStateError, runErr.Error())
	} else {
		rc.SetState(ctx, domain.RunStateCompleted, "")
	}
	if err := rc.Commit(ctx, ""); err != nil {
		logger.Error("commit failed", "run_id", rc.UID(), "error", err)
	}
	if runErr != nil {
		var verr *domain.ValidationError
		if errors.As(runErr, &verr) {
			return 2
		}
		return 1
	}
	return 0
}
