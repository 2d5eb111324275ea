package requestid

import (
	"context"
	"testing"
)

func TestNewIsUnique(t *testing.T) {
	a, b := New(), New()
	if a == "" || a == b {
		t.Fatalf("expected distinct ids, got %q and %q", a, b)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no id on empty context")
	}
	ctx := WithContext(context.Background(), " req-1 ")
	id, ok := FromContext(ctx)
	if !ok || id != "req-1" {
		t.Fatalf("got %q ok=%v", id, ok)
	}
}
