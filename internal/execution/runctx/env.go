package runctx

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/platform/env"
	"github.com/animus-labs/animus-runs/internal/rundb"
)

// Environment passed from the dispatcher to a job process.
const (
	EnvExecConfig = "RUNS_EXEC_CONFIG"
	EnvTmpFile    = "RUNS_META_TMPFILE"
	EnvDBPath     = "RUNS_META_DBPATH"
)

// FromEnv builds the job-side Context. RUNS_EXEC_CONFIG carries the JSON
// record; without it a fresh run named name is created. A DB path turns on
// autocommit. Options given by the caller apply last.
func FromEnv(ctx context.Context, name string, opts ...Option) (*Context, error) {
	rec := domain.NewRunRecord(name)
	if raw := strings.TrimSpace(os.Getenv(EnvExecConfig)); raw != "" {
		parsed, err := domain.UnmarshalRecord([]byte(raw), domain.FormatJSON)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvExecConfig, err)
		}
		rec = parsed
		if rec.Metadata.Name == "" {
			rec.Metadata.Name = name
		}
	}
	if rec.Metadata.Labels[domain.LabelHost] == "" {
		if host, err := os.Hostname(); err == nil {
			rec.Metadata.Labels[domain.LabelHost] = host
		}
	}

	var base []Option
	if tmp := env.String(EnvTmpFile, ""); tmp != "" {
		base = append(base, WithTmpFile(tmp))
	}
	if dbURL := env.String(EnvDBPath, ""); dbURL != "" {
		db, err := rundb.Open(ctx, dbURL)
		if err != nil {
			return nil, fmt.Errorf("open run db: %w", err)
		}
		base = append(base, WithDB(db), WithAutocommit(true), func(o *options) { o.ownDB = true })
	}
	return New(ctx, rec, append(base, opts...)...)
}
