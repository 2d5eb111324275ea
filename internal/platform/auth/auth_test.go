package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "disabled", cfg: Config{Mode: ModeDisabled}},
		{name: "token missing", cfg: Config{Mode: ModeToken}, wantErr: true},
		{name: "token", cfg: Config{Mode: ModeToken, Token: "s3cret"}},
		{name: "oidc missing issuer", cfg: Config{Mode: ModeOIDC, OIDCClientID: "c", RolesClaim: "roles", EmailClaim: "email"}, wantErr: true},
		{name: "unknown", cfg: Config{Mode: "ldap"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigFromEnvDefaultsToDisabled(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Mode != ModeDisabled {
		t.Fatalf("mode=%q", cfg.Mode)
	}
}

func TestTokenMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := Middleware{
		Logger:        logger,
		Authenticator: TokenAuthenticator{Token: "s3cret"},
		SkipPrefixes:  []string{"/healthz"},
	}
	var subject string
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFromContext(r.Context())
		subject = id.Subject
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "missing", path: "/", want: http.StatusUnauthorized},
		{name: "wrong", path: "/", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "ok", path: "/", header: "Bearer s3cret", want: http.StatusOK},
		{name: "skipped", path: "/healthz", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status=%d want %d", rec.Code, tt.want)
			}
		})
	}
	if subject != "" {
		t.Fatalf("skipped route should not carry identity, got %q", subject)
	}
}

func TestClientConfigHTTPClientAddsBearer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := ClientConfig{Token: "abc"}.HTTPClient(context.Background(), srv.Client())
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got != "Bearer abc" {
		t.Fatalf("Authorization=%q", got)
	}

	if c := (ClientConfig{}).HTTPClient(context.Background(), srv.Client()); c != srv.Client() {
		t.Fatalf("expected base client without credentials")
	}
}

func TestExtractRolesClaim(t *testing.T) {
	claims := map[string]any{"roles": []any{"Admin", " ", "viewer"}, "csv": "a, b,a"}
	if got := extractRolesClaim(claims, "roles"); len(got) != 2 || got[0] != "admin" {
		t.Fatalf("roles=%v", got)
	}
	if got := extractRolesClaim(claims, "csv"); len(got) != 2 {
		t.Fatalf("csv roles=%v", got)
	}
}
