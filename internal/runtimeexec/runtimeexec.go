// Package runtimeexec runs a fully specified run record on one backend: an
// in-process handler, a local subprocess or a remote HTTP function.
package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/platform/env"
	"github.com/animus-labs/animus-runs/internal/platform/logging"
	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
)

// Kind selects the backend.
type Kind string

const (
	KindHandler Kind = "handler"
	KindLocal   Kind = "local"
	KindRemote  Kind = "remote"
)

func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case "", KindHandler:
		return KindHandler, nil
	case KindLocal, "subprocess":
		return KindLocal, nil
	case KindRemote, "http":
		return KindRemote, nil
	default:
		return "", domain.Validationf("unknown runtime kind %q", value)
	}
}

// Executor runs one record. It never mutates its input and always returns a
// record; a failed job is reported as *domain.RunExecutionError next to the
// record's last known state.
type Executor interface {
	Kind() Kind
	Execute(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error)
}

// Prechecker rejects records an executor cannot run before any run state is
// written.
type Prechecker interface {
	Precheck(rec domain.RunRecord) error
}

var (
	_ Prechecker = (*SubprocessExecutor)(nil)
	_ Prechecker = (*RemoteExecutor)(nil)
)

// Result is one slot of a batch.
type Result struct {
	Record domain.RunRecord
	Err    error
}

// BatchExecutor runs many records concurrently. Results are in input order.
type BatchExecutor interface {
	Executor
	ExecuteBatch(ctx context.Context, recs []domain.RunRecord) []Result
}

const DefaultConcurrency = 16

type Config struct {
	Logger *slog.Logger

	// Handler backend.
	Registry *Registry
	Handler  string
	DB       repo.RunDB
	Resolver *objectstore.Resolver

	// Local backend. Record runtime.command and args take precedence.
	Command string
	Args    []string
	Dir     string
	Env     []string
	DBURL   string

	// Remote backend.
	URL         string
	HTTPClient  *http.Client
	Concurrency int
	Timeout     time.Duration
	LogLevel    string
}

// ConfigFromEnv reads RUNS_RUNTIME_* and RUNS_REMOTE_* settings.
func ConfigFromEnv() (Config, error) {
	concurrency, err := env.Int("RUNS_REMOTE_CONCURRENCY", DefaultConcurrency)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("RUNS_REMOTE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Handler:     env.String("RUNS_RUNTIME_HANDLER", ""),
		Command:     env.String("RUNS_RUNTIME_COMMAND", ""),
		Args:        env.List("RUNS_RUNTIME_ARGS", nil),
		URL:         env.String("RUNS_REMOTE_URL", ""),
		Concurrency: concurrency,
		Timeout:     timeout,
		LogLevel:    env.String("RUNS_REMOTE_LOG_LEVEL", "info"),
	}, nil
}

// New builds the executor for kind.
func New(kind Kind, cfg Config) (Executor, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	switch kind {
	case KindHandler:
		if cfg.Registry == nil {
			return nil, errors.New("handler registry is required")
		}
		return &HandlerExecutor{cfg: cfg}, nil
	case KindLocal:
		return &SubprocessExecutor{cfg: cfg}, nil
	case KindRemote:
		return NewRemoteExecutor(cfg)
	default:
		return nil, fmt.Errorf("unsupported runtime kind %q", kind)
	}
}

func execError(kind Kind, err error) *domain.RunExecutionError {
	var rerr *domain.RunExecutionError
	if errors.As(err, &rerr) {
		return rerr
	}
	return &domain.RunExecutionError{Kind: string(kind), Message: err.Error(), Err: err}
}
