package runtimeexec

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/execution/runctx"
)

// Handler is job code run in-process against its own run context.
type Handler func(ctx context.Context, rc *runctx.Context) error

// Registry maps spec.runtime.handler names to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(name string, h Handler) {
	r.handlers[strings.TrimSpace(name)] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[strings.TrimSpace(name)]
	return h, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HandlerExecutor calls a registered handler in the current process.
type HandlerExecutor struct {
	cfg Config
}

func (e *HandlerExecutor) Kind() Kind { return KindHandler }

func (e *HandlerExecutor) Execute(ctx context.Context, rec domain.RunRecord) (out domain.RunRecord, err error) {
	name := rec.Spec.Runtime.Handler
	if name == "" {
		name = e.cfg.Handler
	}
	h, ok := e.cfg.Registry.Lookup(name)
	if !ok {
		return rec.Clone(), execError(KindHandler, fmt.Errorf("handler %q is not registered", name))
	}

	opts := []runctx.Option{runctx.WithLogger(e.cfg.Logger), runctx.WithDB(e.cfg.DB)}
	if e.cfg.Resolver != nil {
		opts = append(opts, runctx.WithStores(e.cfg.Resolver))
	}
	rc, err := runctx.New(ctx, rec, opts...)
	if err != nil {
		return rec.Clone(), err
	}
	defer func() {
		if p := recover(); p != nil {
			out = rc.ToRecord()
			err = execError(KindHandler, fmt.Errorf("handler %s panicked: %v", name, p))
		}
	}()
	if herr := h(ctx, rc); herr != nil {
		return rc.ToRecord(), execError(KindHandler, herr)
	}
	return rc.ToRecord(), nil
}
