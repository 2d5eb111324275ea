package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/animus-labs/animus-runs/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeToken    Mode = "token"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the caller of an inbound request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type Config struct {
	Mode Mode

	// Token is the shared bearer token accepted in token mode.
	Token string

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("RUNS_AUTH_MODE", string(ModeDisabled))))
	cfg := Config{
		Mode:          Mode(modeRaw),
		Token:         env.String("RUNS_AUTH_TOKEN", ""),
		RolesClaim:    env.String("RUNS_AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:    env.String("RUNS_AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL: env.String("RUNS_OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("RUNS_OIDC_CLIENT_ID", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("RUNS_OIDC_ISSUER_URL is required when RUNS_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("RUNS_OIDC_CLIENT_ID is required when RUNS_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.RolesClaim) == "" || strings.TrimSpace(c.EmailClaim) == "" {
			return errors.New("claim names are required when RUNS_AUTH_MODE=oidc")
		}
	case ModeToken:
		if strings.TrimSpace(c.Token) == "" {
			return errors.New("RUNS_AUTH_TOKEN is required when RUNS_AUTH_MODE=token")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("RUNS_AUTH_MODE must be one of: oidc, token, disabled (got %q)", c.Mode)
	}
	return nil
}

// NewAuthenticator builds the authenticator for cfg.Mode. OIDC mode performs provider discovery.
func NewAuthenticator(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	case ModeToken:
		return TokenAuthenticator{Token: cfg.Token}, nil
	default:
		return DisabledAuthenticator{}, nil
	}
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
