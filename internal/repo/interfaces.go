package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/animus-runs/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrFilterTooWide guards DelRuns against deleting everything.
	ErrFilterTooWide = errors.New("filter is too wide, select name and/or state and/or days ago")
)

// DefaultLast bounds ListRuns when the filter sets no limit.
const DefaultLast = 30

// LatestTag is the artifact tag written when none is given.
const LatestTag = "latest"

type RunFilter struct {
	Name    string
	Project string
	// Labels are conditions: "k", "k=v", "k!=v" or "k~=v".
	Labels []string
	State  domain.RunState
	// Last truncates the newest-first listing; 0 means DefaultLast, negative means no limit.
	Last int
	// DaysAgo selects runs that started more than this many days ago (DelRuns only).
	DaysAgo int
}

type ArtifactFilter struct {
	Name    string
	Project string
	// Tag defaults to latest; "*" lists every tree.
	Tag    string
	Labels []string
}

// RunDB persists run records, artifact descriptors and metric points.
// Implementations are safe for concurrent use.
type RunDB interface {
	StoreRun(ctx context.Context, rec domain.RunRecord, uid string, project string, commit bool) error
	ReadRun(ctx context.Context, uid string, project string) (domain.RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.RunRecord, error)
	DelRun(ctx context.Context, uid string, project string) error
	DelRuns(ctx context.Context, filter RunFilter) (int, error)

	// StoreArtifact writes the descriptor under tree and under tag (or latest).
	StoreArtifact(ctx context.Context, key string, art domain.Artifact, tree string, tag string, project string) error
	ReadArtifact(ctx context.Context, key string, tag string, project string) (domain.Artifact, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]domain.Artifact, error)
	DelArtifact(ctx context.Context, key string, tag string, project string) error

	StoreMetric(ctx context.Context, uid string, project string, points map[string]float64, ts time.Time, labels map[string]string) error

	Close() error
}
