package runctx

import (
	"log/slog"

	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/animus-labs/animus-runs/internal/secrets"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
)

type options struct {
	db         repo.RunDB
	autocommit bool
	tmpFile    string
	logger     *slog.Logger
	resolver   *objectstore.Resolver
	secrets    *secrets.Store
	withStatus bool
	ownDB      bool
}

type Option func(*options)

// WithDB attaches a run DB. Without WithAutocommit only Commit and state
// changes reach it.
func WithDB(db repo.RunDB) Option { return func(o *options) { o.db = db } }

func WithAutocommit(enabled bool) Option { return func(o *options) { o.autocommit = enabled } }

// WithTmpFile writes a JSON snapshot to path on every sync.
func WithTmpFile(path string) Option { return func(o *options) { o.tmpFile = path } }

func WithLogger(logger *slog.Logger) Option { return func(o *options) { o.logger = logger } }

func WithStores(resolver *objectstore.Resolver) Option {
	return func(o *options) { o.resolver = resolver }
}

// WithSecrets replaces the store built from spec.secret_sources.
func WithSecrets(store *secrets.Store) Option { return func(o *options) { o.secrets = store } }

// WithStatus keeps the status carried by the record instead of starting fresh.
func WithStatus() Option { return func(o *options) { o.withStatus = true } }
