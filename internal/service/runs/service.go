package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/execution/aggregate"
	"github.com/animus-labs/animus-runs/internal/execution/generator"
	"github.com/animus-labs/animus-runs/internal/execution/runctx"
	"github.com/animus-labs/animus-runs/internal/metrics"
	"github.com/animus-labs/animus-runs/internal/platform/env"
	"github.com/animus-labs/animus-runs/internal/platform/logging"
	"github.com/animus-labs/animus-runs/internal/platform/tracing"
	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/animus-labs/animus-runs/internal/runtimeexec"
	"github.com/animus-labs/animus-runs/internal/secrets"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
)

type Config struct {
	Project string
	Owner   string
}

// ConfigFromEnv reads RUNS_PROJECT and RUNS_OWNER. The owner falls back to
// the current OS user.
func ConfigFromEnv() Config {
	cfg := Config{
		Project: env.String("RUNS_PROJECT", "default"),
		Owner:   env.String("RUNS_OWNER", ""),
	}
	if cfg.Owner == "" {
		if u, err := user.Current(); err == nil {
			cfg.Owner = u.Username
		}
	}
	return cfg
}

type Service struct {
	logger   *slog.Logger
	exec     runtimeexec.Executor
	db       repo.RunDB
	resolver *objectstore.Resolver
	cfg      Config
	now      func() time.Time
}

// New returns nil without an executor. db and resolver may be nil.
func New(logger *slog.Logger, exec runtimeexec.Executor, db repo.RunDB, resolver *objectstore.Resolver, cfg Config) *Service {
	if exec == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if resolver == nil {
		resolver = objectstore.NewResolver(nil)
	}
	return &Service{logger: logger, exec: exec, db: db, resolver: resolver, cfg: cfg, now: time.Now}
}

// Request is one dispatch. At most one of Generator, Hyperparams and
// ParamFile is used, in that order of preference.
type Request struct {
	Record      domain.RunRecord
	Generator   generator.Generator
	Hyperparams []generator.Hyperparam
	// ParamFile is a CSV parameter table URL read through the object store.
	ParamFile string
	// Selector picks the best child, e.g. "max.accuracy".
	Selector string
}

// Run executes req. A single run that fails returns the error-state record
// together with a *domain.RunExecutionError. Batches return the parent record;
// child failures show up in its summary and state.
func (s *Service) Run(ctx context.Context, req Request) (domain.RunRecord, error) {
	if s == nil {
		return domain.RunRecord{}, errors.New("runs service not initialized")
	}
	rec, err := s.prepare(req.Record)
	if err != nil {
		return domain.RunRecord{}, err
	}
	gen, err := s.selectGenerator(ctx, req)
	if err != nil {
		return domain.RunRecord{}, err
	}
	selector, err := aggregate.ParseSelector(req.Selector)
	if err != nil {
		return domain.RunRecord{}, err
	}
	if pc, ok := s.exec.(runtimeexec.Prechecker); ok {
		if err := pc.Precheck(rec); err != nil {
			return domain.RunRecord{}, err
		}
	}

	logger := s.logger.With("run_id", rec.Metadata.UID, "run_name", rec.Metadata.Name, "runtime", s.exec.Kind())
	parent, err := runctx.New(ctx, rec,
		runctx.WithDB(s.db),
		runctx.WithStores(s.resolver),
		runctx.WithLogger(s.logger),
	)
	if err != nil {
		return domain.RunRecord{}, err
	}

	if gen == nil {
		metrics.RunsDispatchedTotal.WithLabelValues(string(s.exec.Kind()), "single").Inc()
		logger.Info("dispatching run")
		out, err := s.execute(ctx, parent.ToRecord())
		var (
			verr *domain.ValidationError
			rerr *domain.RunExecutionError
		)
		if errors.As(err, &verr) && !errors.As(err, &rerr) {
			return domain.RunRecord{}, err
		}
		return s.complete(ctx, out, err), err
	}

	metrics.RunsDispatchedTotal.WithLabelValues(string(s.exec.Kind()), "batch").Inc()
	logger.Info("dispatching batch", "tasks", gen.Len())
	children := s.runBatch(ctx, parent.ToRecord(), gen)
	metrics.BatchSize.WithLabelValues(string(s.exec.Kind())).Observe(float64(len(children)))

	summary := aggregate.Summarize(children, s.finalize)
	summary.Best = selector.Best(children)
	if err := aggregate.Apply(ctx, parent, summary, children); err != nil {
		return parent.ToRecord(), err
	}
	out := parent.ToRecord()
	metrics.ObserveRun(string(s.exec.Kind()), string(out.Status.State), s.elapsed(out))
	logger.Info("batch finished", "state", out.Status.State, "failed", summary.Failed)
	return out, nil
}

// prepare assigns a uid, default labels and validates the secret sources.
func (s *Service) prepare(in domain.RunRecord) (domain.RunRecord, error) {
	rec := in.Clone()
	rec.Normalize()
	if strings.TrimSpace(rec.Metadata.UID) == "" {
		rec.Metadata.UID = runctx.NewUID()
	}
	if rec.Metadata.Project == "" {
		rec.Metadata.Project = s.cfg.Project
	}
	if rec.Spec.Runtime.Kind == "" {
		rec.Spec.Runtime.Kind = string(s.exec.Kind())
	}
	setDefault(rec.Metadata.Labels, domain.LabelOwner, s.cfg.Owner)
	if host, err := os.Hostname(); err == nil {
		setDefault(rec.Metadata.Labels, domain.LabelHost, host)
	}
	setDefault(rec.Metadata.Labels, domain.LabelRuntime, string(s.exec.Kind()))
	if _, err := secrets.FromSources(rec.Spec.SecretSources); err != nil {
		return domain.RunRecord{}, err
	}
	if err := rec.Validate(); err != nil {
		return domain.RunRecord{}, err
	}
	return rec, nil
}

func setDefault(labels map[string]string, key, value string) {
	if value != "" && labels[key] == "" {
		labels[key] = value
	}
}

func (s *Service) selectGenerator(ctx context.Context, req Request) (generator.Generator, error) {
	switch {
	case req.Generator != nil:
		return req.Generator, nil
	case len(req.Hyperparams) > 0:
		return generator.NewGrid(req.Hyperparams)
	case req.ParamFile != "":
		data, err := s.resolver.ReadAll(ctx, req.ParamFile)
		if err != nil {
			return nil, &domain.StorageError{Op: "read param file " + req.ParamFile, Err: err}
		}
		return generator.NewTable(data)
	default:
		return nil, nil
	}
}

func (s *Service) execute(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error) {
	kind := string(s.exec.Kind())
	spanCtx, span := tracing.StartRun(ctx, "run "+rec.Metadata.Name, rec.Metadata.UID, rec.Metadata.Iteration, kind)
	out, err := s.exec.Execute(spanCtx, rec)
	tracing.End(span, err)
	return out, err
}

func (s *Service) runBatch(ctx context.Context, base domain.RunRecord, gen generator.Generator) []domain.RunRecord {
	if batch, ok := s.exec.(runtimeexec.BatchExecutor); ok {
		var recs []domain.RunRecord
		for child := range gen.Generate(base) {
			recs = append(recs, child)
		}
		spanCtx, span := tracing.StartRun(ctx, "batch "+base.Metadata.Name, base.Metadata.UID, 0, string(s.exec.Kind()))
		results := batch.ExecuteBatch(spanCtx, recs)
		tracing.End(span, nil)
		children := make([]domain.RunRecord, len(results))
		for i, res := range results {
			children[i] = s.complete(ctx, res.Record, res.Err)
		}
		return children
	}

	children := make([]domain.RunRecord, 0, gen.Len())
	for child := range gen.Generate(base) {
		out, err := s.execute(ctx, child)
		children = append(children, s.complete(ctx, out, err))
	}
	return children
}

// complete applies the failure, post-run normalization and persistence to
// one executed record.
func (s *Service) complete(ctx context.Context, out domain.RunRecord, execErr error) domain.RunRecord {
	out.Normalize()
	if execErr != nil {
		out.Status.State = domain.RunStateError
		out.Status.Error = errorMessage(execErr)
		s.logger.Error("task failed", "run_id", out.EffectiveUID(), "iteration", out.Metadata.Iteration, "error", execErr)
	}
	s.finalize(&out)
	metrics.ObserveRun(string(s.exec.Kind()), string(out.Status.State), s.elapsed(out))
	s.persist(ctx, out)
	return out
}

func (s *Service) finalize(rec *domain.RunRecord) {
	aggregate.Finalize(rec, s.now())
}

func (s *Service) persist(ctx context.Context, rec domain.RunRecord) {
	if s.db == nil {
		return
	}
	if err := s.db.StoreRun(ctx, rec, rec.EffectiveUID(), rec.Metadata.Project, true); err != nil {
		metrics.StorageErrorsTotal.WithLabelValues("store_run").Inc()
		s.logger.Warn("persist run failed", "run_id", rec.EffectiveUID(), "error", &domain.StorageError{Op: "store run", Err: err})
	}
}

func (s *Service) elapsed(rec domain.RunRecord) float64 {
	start, err := domain.ParseTime(rec.Status.StartTime)
	if err != nil {
		return 0
	}
	end, err := domain.ParseTime(rec.Status.LastUpdate)
	if err != nil {
		end = s.now()
	}
	if d := end.Sub(start).Seconds(); d > 0 {
		return d
	}
	return 0
}

func errorMessage(err error) string {
	var rerr *domain.RunExecutionError
	if errors.As(err, &rerr) {
		if rerr.Message != "" {
			return rerr.Message
		}
		if rerr.Err != nil {
			return rerr.Err.Error()
		}
	}
	return fmt.Sprint(err)
}
