package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// DisabledAuthenticator accepts every request as an anonymous caller.
type DisabledAuthenticator struct{}

func (DisabledAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	return Identity{Subject: "anonymous"}, nil
}

// TokenAuthenticator accepts a single shared bearer token.
type TokenAuthenticator struct {
	Token string
}

func (a TokenAuthenticator) Authenticate(_ context.Context, r *http.Request) (Identity, error) {
	raw := tokenFromHeader(r)
	if raw == "" || a.Token == "" {
		return Identity{}, ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(raw), []byte(a.Token)) != 1 {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{Subject: "token"}, nil
}

func tokenFromHeader(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
