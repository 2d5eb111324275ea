package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/animus-labs/animus-runs/internal/platform/env"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientConfig configures outbound credentials for calls to a function host.
type ClientConfig struct {
	Token        string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func ClientConfigFromEnv() ClientConfig {
	return ClientConfig{
		Token:        env.String("RUNS_REMOTE_TOKEN", ""),
		TokenURL:     env.String("RUNS_REMOTE_TOKEN_URL", ""),
		ClientID:     env.String("RUNS_REMOTE_CLIENT_ID", ""),
		ClientSecret: env.String("RUNS_REMOTE_CLIENT_SECRET", ""),
		Scopes:       strings.Fields(env.String("RUNS_REMOTE_SCOPES", "")),
	}
}

func (c ClientConfig) Validate() error {
	if c.TokenURL != "" && (c.ClientID == "" || c.ClientSecret == "") {
		return errors.New("client id and secret are required with RUNS_REMOTE_TOKEN_URL")
	}
	return nil
}

// TokenSource returns nil when no credentials are configured.
func (c ClientConfig) TokenSource(ctx context.Context) oauth2.TokenSource {
	switch {
	case c.TokenURL != "":
		cc := clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
		}
		return cc.TokenSource(ctx)
	case c.Token != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.Token, TokenType: "Bearer"})
	default:
		return nil
	}
}

// HTTPClient wraps base with bearer credentials when any are configured.
func (c ClientConfig) HTTPClient(ctx context.Context, base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	ts := c.TokenSource(ctx)
	if ts == nil {
		return base
	}
	return &http.Client{
		Timeout:   base.Timeout,
		Transport: &oauth2.Transport{Source: ts, Base: base.Transport},
	}
}
