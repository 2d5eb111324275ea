package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/animus-labs/animus-runs/internal/platform/env"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Query parameters of a run DB URL that select run DB behaviour and must not
// reach the server as runtime parameters.
var runDBParams = []string{"format"}

// Config is a run DB connection: the server URL plus pool settings.
type Config struct {
	URL             string
	ApplicationName string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ConfigFromEnv pairs a run DB URL with RUNS_PG_* pool settings.
func ConfigFromEnv(rawURL string) (Config, error) {
	pingTimeout, err := env.Duration("RUNS_PG_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxOpenConns, err := env.Int("RUNS_PG_MAX_CONNS", 8)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := env.Int("RUNS_PG_MAX_IDLE_CONNS", 2)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := env.Duration("RUNS_PG_CONN_MAX_LIFETIME", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URL:             rawURL,
		ApplicationName: env.String("RUNS_PG_APPLICATION_NAME", "animus-runs"),
		PingTimeout:     pingTimeout,
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("postgres run db url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("RUNS_PG_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("RUNS_PG_MAX_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("RUNS_PG_MAX_IDLE_CONNS must be between 0 and RUNS_PG_MAX_CONNS")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("RUNS_PG_CONN_MAX_LIFETIME must be >= 0")
	}
	return nil
}

// ConnConfig parses the URL into a pgx config. Run DB query parameters are
// dropped and application_name is set unless the URL names one.
func (c Config) ConnConfig() (*pgx.ConnConfig, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	q := u.Query()
	for _, p := range runDBParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()

	connCfg, err := pgx.ParseConfig(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if c.ApplicationName != "" && connCfg.RuntimeParams["application_name"] == "" {
		connCfg.RuntimeParams["application_name"] = c.ApplicationName
	}
	return connCfg, nil
}

// Open connects through the pgx stdlib driver and pings within PingTimeout.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	connCfg, err := cfg.ConnConfig()
	if err != nil {
		return nil, err
	}

	db := stdlib.OpenDB(*connCfg)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s@%s: %w", connCfg.Database, connCfg.Host, err)
	}
	return db, nil
}
