package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/execution/aggregate"
	"github.com/animus-labs/animus-runs/internal/metrics"
	"github.com/animus-labs/animus-runs/internal/platform/httpserver"
	"github.com/animus-labs/animus-runs/internal/platform/logging"
	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/animus-labs/animus-runs/internal/runtimeexec"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
)

const maxRecordBytes = 32 << 20

type functionAPI struct {
	logger   *slog.Logger
	registry *runtimeexec.Registry
	handler  string
	db       repo.RunDB
	resolver *objectstore.Resolver
	now      func() time.Time
}

func newFunctionAPI(logger *slog.Logger, registry *runtimeexec.Registry, handler string, db repo.RunDB, resolver *objectstore.Resolver) *functionAPI {
	return &functionAPI{
		logger:   logger,
		registry: registry,
		handler:  handler,
		db:       db,
		resolver: resolver,
		now:      time.Now,
	}
}

func (api *functionAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("PUT /{$}", api.handleInvoke)
	mux.HandleFunc("POST /{$}", api.handleInvoke)
	mux.HandleFunc("GET /handlers", api.handleListHandlers)
}

func (api *functionAPI) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"handlers": api.registry.Names(), "default": api.handler})
}

// handleInvoke runs one record and answers 200 with the resulting record,
// also when the job failed; the failure is carried in status.state and
// status.error. Captured job logs go into the X-Nuclio-Logs header.
func (api *functionAPI) handleInvoke(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRecordBytes))
	if err != nil {
		metrics.FunctionRequestsTotal.WithLabelValues("rejected").Inc()
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	rec, err := domain.UnmarshalRecord(data, domain.FormatJSON)
	if err != nil {
		metrics.FunctionRequestsTotal.WithLabelValues("rejected").Inc()
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_record", err.Error())
		return
	}

	level, lerr := logging.ParseLevel(r.Header.Get(runtimeexec.HeaderLogLevel))
	if lerr != nil {
		api.logger.Warn("unknown log level requested", "error", lerr)
	}
	capture := logging.NewCapture(rec.Metadata.Name, level, api.logger.Handler())
	exec, err := runtimeexec.New(runtimeexec.KindHandler, runtimeexec.Config{
		Logger:   slog.New(capture),
		Registry: api.registry,
		Handler:  api.handler,
		DB:       api.db,
		Resolver: api.resolver,
	})
	if err != nil {
		metrics.FunctionRequestsTotal.WithLabelValues("rejected").Inc()
		httpserver.WriteError(w, r, http.StatusInternalServerError, "executor_unavailable", err.Error())
		return
	}

	out, err := exec.Execute(r.Context(), rec)
	var (
		verr *domain.ValidationError
		rerr *domain.RunExecutionError
	)
	if errors.As(err, &verr) && !errors.As(err, &rerr) {
		metrics.FunctionRequestsTotal.WithLabelValues("rejected").Inc()
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_record", verr.Error())
		return
	}
	outcome := "completed"
	if err != nil {
		outcome = "failed"
		out.Status.State = domain.RunStateError
		out.Status.Error = failureMessage(err)
		api.logger.Warn("function run failed", "run_id", out.EffectiveUID(), "error", err)
	}
	aggregate.Finalize(&out, api.now())
	metrics.FunctionRequestsTotal.WithLabelValues(outcome).Inc()

	body, err := domain.MarshalRecord(out, domain.FormatJSON)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}
	if logs, err := capture.JSON(); err == nil {
		w.Header().Set(runtimeexec.HeaderLogs, logs)
	} else {
		api.logger.Warn("encode captured logs failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func failureMessage(err error) string {
	var rerr *domain.RunExecutionError
	if errors.As(err, &rerr) && rerr.Message != "" {
		return rerr.Message
	}
	return err.Error()
}
