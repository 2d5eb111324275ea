package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-runs/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// Bucket is used for s3:// URLs that name no bucket and by EnsureBuckets.
	Bucket string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("RUNS_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("RUNS_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("RUNS_MINIO_ACCESS_KEY", "runs"),
		SecretKey: env.String("RUNS_MINIO_SECRET_KEY", "runsminio"),
		Region:    env.String("RUNS_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("RUNS_MINIO_BUCKET", "runs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
