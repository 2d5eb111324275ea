package runtimeexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/platform/logging"
	"github.com/animus-labs/animus-runs/internal/platform/tracing"
)

// Headers exchanged with the function host.
const (
	HeaderLogLevel = "X-Nuclio-Log-Level"
	HeaderLogs     = "X-Nuclio-Logs"
)

// RemoteExecutor PUTs the JSON record to a function URL and decodes the
// returned record. Batches fan out concurrently up to Concurrency requests.
type RemoteExecutor struct {
	cfg    Config
	client *http.Client
}

func NewRemoteExecutor(cfg Config) (*RemoteExecutor, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &RemoteExecutor{cfg: cfg, client: client}, nil
}

func (e *RemoteExecutor) Kind() Kind { return KindRemote }

func (e *RemoteExecutor) url(rec domain.RunRecord) string {
	if rec.Spec.Runtime.Command != "" && strings.Contains(rec.Spec.Runtime.Command, "://") {
		return rec.Spec.Runtime.Command
	}
	return e.cfg.URL
}

func (e *RemoteExecutor) Precheck(rec domain.RunRecord) error {
	if e.url(rec) == "" {
		return domain.Validationf("remote runtime requires a function url")
	}
	return nil
}

func (e *RemoteExecutor) Execute(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error) {
	if err := e.Precheck(rec); err != nil {
		return rec.Clone(), err
	}
	target := e.url(rec)
	body, err := json.Marshal(rec)
	if err != nil {
		return rec.Clone(), fmt.Errorf("encode run spec: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return rec.Clone(), execError(KindRemote, err)
	}
	level := rec.Spec.LogLevel
	if level == "" {
		level = e.cfg.LogLevel
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderLogLevel, level)
	tracing.InjectHeaders(ctx, req.Header)

	logger := e.cfg.Logger.With("run_id", rec.EffectiveUID(), "url", target)
	resp, err := e.client.Do(req)
	if err != nil {
		logger.Error("function request failed", "error", err)
		return rec.Clone(), execError(KindRemote, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return rec.Clone(), execError(KindRemote, fmt.Errorf("read function response: %w", err))
	}
	if logs := resp.Header.Get(HeaderLogs); logs != "" {
		if err := EmitLogs(logger, logs); err != nil {
			logger.Warn("parse function logs failed", "error", err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		logger.Error("bad function response", "status", resp.StatusCode, "body", tail(string(data)))
		return rec.Clone(), &domain.RunExecutionError{
			Kind:    string(KindRemote),
			Message: fmt.Sprintf("bad function response %d: %s", resp.StatusCode, tail(string(data))),
		}
	}
	out, err := domain.UnmarshalRecord(data, domain.FormatJSON)
	if err != nil {
		return rec.Clone(), execError(KindRemote, fmt.Errorf("decode function response: %w", err))
	}
	if out.Status.State == domain.RunStateError {
		return out, &domain.RunExecutionError{Kind: string(KindRemote), Message: out.Status.Error}
	}
	return out, nil
}

// ExecuteBatch runs recs concurrently. Each goroutine fills only its own
// slot. A cancelled ctx abandons requests still in flight.
func (e *RemoteExecutor) ExecuteBatch(ctx context.Context, recs []domain.RunRecord) []Result {
	results := make([]Result, len(recs))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i := range recs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Record: recs[i].Clone(), Err: execError(KindRemote, err)}
				return nil
			}
			rec, err := e.Execute(ctx, recs[i])
			results[i] = Result{Record: rec, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// LogLine is one structured entry of the X-Nuclio-Logs header.
type LogLine struct {
	Time    time.Time
	Level   string
	Name    string
	Message string
	Extra   map[string]any
}

// ParseLogs decodes the JSON array carried in X-Nuclio-Logs. time is epoch
// milliseconds; keys other than time, level, name and message are extras.
func ParseLogs(raw string) ([]LogLine, error) {
	var entries []map[string]any
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode logs header: %w", err)
	}
	out := make([]LogLine, 0, len(entries))
	for _, entry := range entries {
		line := LogLine{Extra: map[string]any{}}
		for k, v := range entry {
			switch k {
			case "time":
				if ms, ok := v.(float64); ok {
					line.Time = time.UnixMilli(int64(ms))
				}
			case "level":
				line.Level = fmt.Sprint(v)
			case "name":
				line.Name = fmt.Sprint(v)
			case "message":
				line.Message = fmt.Sprint(v)
			default:
				line.Extra[k] = v
			}
		}
		out = append(out, line)
	}
	return out, nil
}

// EmitLogs re-emits remote log lines through logger at their own level.
func EmitLogs(logger *slog.Logger, raw string) error {
	lines, err := ParseLogs(raw)
	if err != nil {
		return err
	}
	for _, line := range lines {
		attrs := []any{"remote_time", line.Time.Format(domain.TimeLayout)}
		if line.Name != "" {
			attrs = append(attrs, "logger", line.Name)
		}
		keys := make([]string, 0, len(line.Extra))
		for k := range line.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			attrs = append(attrs, k, line.Extra[k])
		}
		logger.Log(context.Background(), remoteLevel(line.Level), line.Message, attrs...)
	}
	return nil
}

func remoteLevel(level string) slog.Level {
	if lvl, err := logging.ParseLevel(level); err == nil {
		return lvl
	}
	return slog.LevelInfo
}
