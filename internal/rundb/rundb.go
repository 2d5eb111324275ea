// Package rundb opens a run DB backend from a URL.
package rundb

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/platform/env"
	platformstore "github.com/animus-labs/animus-runs/internal/platform/objectstore"
	platformpg "github.com/animus-labs/animus-runs/internal/platform/postgres"
	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/animus-labs/animus-runs/internal/repo/filedb"
	"github.com/animus-labs/animus-runs/internal/repo/postgres"
	"github.com/animus-labs/animus-runs/internal/repo/redisdb"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
)

// EnvDBPath names the variable holding the default run DB URL.
const EnvDBPath = "RUNS_DBPATH"

// DefaultURL returns RUNS_DBPATH or "".
func DefaultURL() string {
	return env.String(EnvDBPath, "")
}

// Open selects a backend by scheme:
//
//	""                        no DB (nil, nil)
//	/path, file:///path       file DB on local disk
//	s3://bucket/prefix        file DB on MinIO/S3 (RUNS_MINIO_* settings)
//	postgres://, postgresql:// PostgreSQL
//	redis://, rediss://       Redis
//
// A format=json query parameter switches file DBs to JSON documents.
func Open(ctx context.Context, rawURL string) (repo.RunDB, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, nil
	}
	if !strings.Contains(rawURL, "://") {
		return filedb.NewLocal(rawURL, domain.FormatYAML)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse run db url: %w", err)
	}
	format, err := domain.ParseFormat(u.Query().Get("format"))
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "file":
		dir := u.Path
		if u.Host != "" {
			dir = u.Host + dir
		}
		return filedb.NewLocal(dir, format)
	case "s3":
		cfg, err := platformstore.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("object store config: %w", err)
		}
		store, err := objectstore.NewMinioStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("minio store: %w", err)
		}
		return filedb.New(store, u.Host, strings.TrimPrefix(u.Path, "/"), format)
	case "postgres", "postgresql":
		cfg, err := platformpg.ConfigFromEnv(rawURL)
		if err != nil {
			return nil, fmt.Errorf("postgres config: %w", err)
		}
		db, err := platformpg.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		rdb := postgres.NewRunDB(db)
		rdb.SetActor(env.String("RUNS_OWNER", ""))
		return rdb, nil
	case "redis", "rediss":
		return redisdb.Open(ctx, rawURL)
	default:
		return nil, fmt.Errorf("unsupported run db scheme %q", u.Scheme)
	}
}
