// Package runctx holds the mutable state of one run while it executes and
// keeps the persisted record in sync with it.
package runctx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-runs/internal/artifacts"
	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/platform/logging"
	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/animus-labs/animus-runs/internal/secrets"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
)

// Context is the single mutator of a run record during execution. It is not
// safe for concurrent use; batch children each get their own Context.
type Context struct {
	logger     *slog.Logger
	db         repo.RunDB
	ownDB      bool
	autocommit bool
	tmpFile    string
	resolver   *objectstore.Resolver
	secrets    *secrets.Store
	artifacts  *artifacts.Manager
	now        func() time.Time

	rec domain.RunRecord
}

// New binds a Context to a deep copy of rec and performs the first committed
// sync, which moves the run to running.
func New(ctx context.Context, rec domain.RunRecord, opts ...Option) (*Context, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.resolver == nil {
		o.resolver = objectstore.NewResolver(nil)
	}

	rec = rec.Clone()
	rec.Normalize()
	if strings.TrimSpace(rec.Metadata.UID) == "" {
		rec.Metadata.UID = NewUID()
	}
	if !o.withStatus {
		rec.Status = domain.RunStatus{State: domain.RunStateCreated}
		rec.Normalize()
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	store := o.secrets
	if store == nil {
		var err error
		store, err = secrets.FromSources(rec.Spec.SecretSources)
		if err != nil {
			return nil, err
		}
	}

	c := &Context{
		db:         o.db,
		ownDB:      o.ownDB,
		autocommit: o.autocommit,
		tmpFile:    o.tmpFile,
		resolver:   o.resolver,
		secrets:    store,
		artifacts:  artifacts.NewManager(o.resolver, o.db),
		now:        time.Now,
		rec:        rec,
	}
	c.logger = o.logger.With("run_id", rec.EffectiveUID(), "run_name", rec.Metadata.Name)
	c.artifacts.LoadSpec(rec.Spec)
	if o.withStatus {
		c.artifacts.LoadStatus(rec.Status)
	}
	if c.rec.Status.StartTime == "" {
		c.rec.Status.StartTime = domain.FormatTime(c.now())
	}
	if err := c.sync(ctx, true); err != nil {
		c.logger.Warn("initial run sync failed", "error", err)
	}
	return c, nil
}

// Close releases a run DB opened by FromEnv.
func (c *Context) Close() error {
	if c == nil || c.db == nil || !c.ownDB {
		return nil
	}
	return c.db.Close()
}

// NewUID returns a 32 character hex run id.
func NewUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (c *Context) Logger() *slog.Logger { return c.logger }

func (c *Context) UID() string            { return c.rec.Metadata.UID }
func (c *Context) Name() string           { return c.rec.Metadata.Name }
func (c *Context) Iteration() int         { return c.rec.Metadata.Iteration }
func (c *Context) Project() string        { return c.rec.Metadata.Project }
func (c *Context) State() domain.RunState { return c.rec.Status.State }

// Tag is the artifact tree: the workflow label when set, else the run uid.
func (c *Context) Tag() string {
	if wf := c.rec.Metadata.Labels[domain.LabelWorkflow]; wf != "" {
		return wf
	}
	return c.rec.Metadata.UID
}

func (c *Context) LogLevel() string { return c.rec.Spec.LogLevel }

func (c *Context) SetLogLevel(level string) { c.rec.Spec.LogLevel = level }

func (c *Context) Parameters() map[string]any { return domain.CloneMap(c.rec.Spec.Parameters) }

// Outputs returns a copy of the logged results.
func (c *Context) Outputs() map[string]any { return domain.CloneMap(c.rec.Status.Outputs) }

func (c *Context) InPath() string  { return c.rec.Spec.DefaultInputPath }
func (c *Context) OutPath() string { return c.artifacts.OutPath() }

func (c *Context) Labels() map[string]string {
	out := make(map[string]string, len(c.rec.Metadata.Labels))
	for k, v := range c.rec.Metadata.Labels {
		out[k] = v
	}
	return out
}

// SetLabel sets key unless it exists and replace is false.
func (c *Context) SetLabel(key, value string, replace bool) {
	if _, ok := c.rec.Metadata.Labels[key]; ok && !replace {
		return
	}
	c.rec.Metadata.Labels[key] = value
}

func (c *Context) Annotations() map[string]string {
	out := make(map[string]string, len(c.rec.Metadata.Annotations))
	for k, v := range c.rec.Metadata.Annotations {
		out[k] = v
	}
	return out
}

func (c *Context) SetAnnotation(key, value string, replace bool) {
	if _, ok := c.rec.Metadata.Annotations[key]; ok && !replace {
		return
	}
	c.rec.Metadata.Annotations[key] = value
}

func (c *Context) GetSecret(key string) (string, bool) {
	return c.secrets.Get(key)
}

// GetParam returns the stored value of key, storing def first if the key is
// unset. Later defaults never replace a stored value.
func (c *Context) GetParam(ctx context.Context, key string, def any) any {
	if v, ok := c.rec.Spec.Parameters[key]; ok {
		return v
	}
	c.rec.Spec.Parameters[key] = domain.CloneValue(def)
	c.softSync(ctx)
	return def
}

func (c *Context) LogResult(ctx context.Context, key string, value any) {
	c.rec.Status.Outputs[key] = domain.CloneValue(value)
	c.softSync(ctx)
}

func (c *Context) LogResults(ctx context.Context, results map[string]any) error {
	if results == nil {
		return domain.Validationf("results must be a mapping")
	}
	for k, v := range results {
		c.rec.Status.Outputs[k] = domain.CloneValue(v)
	}
	c.softSync(ctx)
	return nil
}

// LogIterationResults attaches a batch summary table. With commit the write
// goes to the run DB regardless of autocommit.
func (c *Context) LogIterationResults(ctx context.Context, table domain.IterationTable, commit bool) error {
	if len(table) == 0 || len(table.Header()) == 0 {
		return domain.Validationf("iteration results require a header row")
	}
	cp := make(domain.IterationTable, len(table))
	for i, row := range table {
		cp[i] = domain.CloneValue(row).([]any)
	}
	c.rec.Status.Iterations = cp
	if commit {
		return c.sync(ctx, true)
	}
	c.softSync(ctx)
	return nil
}

func (c *Context) execution() artifacts.Execution {
	return artifacts.Execution{
		Tree:    c.Tag(),
		Project: c.rec.Metadata.Project,
		Producer: domain.Producer{
			Name:     c.rec.Metadata.Name,
			Kind:     "run",
			URI:      c.rec.Metadata.Project + "/" + c.rec.EffectiveUID(),
			Owner:    c.rec.Metadata.Labels[domain.LabelOwner],
			Workflow: c.rec.Metadata.Labels[domain.LabelWorkflow],
		},
		Inputs: append([]domain.ObjectRef(nil), c.rec.Spec.InputObjects...),
	}
}

// LogArtifact logs an artifact by key; see artifacts.Manager.LogKey.
func (c *Context) LogArtifact(ctx context.Context, key string, opts ...artifacts.Option) (domain.Artifact, error) {
	art, err := c.artifacts.LogKey(ctx, c.execution(), key, opts...)
	return c.afterArtifact(ctx, key, art, err)
}

// LogArtifactItem logs a pre-built table, chart, plot or blob.
func (c *Context) LogArtifactItem(ctx context.Context, item artifacts.Item, opts ...artifacts.Option) (domain.Artifact, error) {
	key := ""
	if item != nil && item.Descriptor() != nil {
		key = item.Descriptor().Key
	}
	art, err := c.artifacts.LogItem(ctx, c.execution(), item, opts...)
	return c.afterArtifact(ctx, key, art, err)
}

func (c *Context) afterArtifact(ctx context.Context, key string, art domain.Artifact, err error) (domain.Artifact, error) {
	if err != nil {
		c.logger.Error("log artifact failed", "artifact", key, "error", err)
		if !artifacts.IsStorageError(err) {
			return art, err
		}
	}
	c.softSync(ctx)
	return art, err
}

func (c *Context) Artifacts() []domain.Artifact { return c.artifacts.Outputs() }

// LogMetric forwards one point to the run DB. Nothing is kept locally.
func (c *Context) LogMetric(ctx context.Context, key string, value float64, ts time.Time, labels map[string]string) {
	c.LogMetrics(ctx, map[string]float64{key: value}, ts, labels)
}

func (c *Context) LogMetrics(ctx context.Context, points map[string]float64, ts time.Time, labels map[string]string) {
	if c.db == nil || len(points) == 0 {
		return
	}
	if ts.IsZero() {
		ts = c.now()
	}
	if err := c.db.StoreMetric(ctx, c.rec.EffectiveUID(), c.rec.Metadata.Project, points, ts, labels); err != nil {
		c.logger.Warn("store metrics failed", "error", &domain.StorageError{Op: "store metric", Err: err})
	}
}

// GetObject resolves an input object. An empty path falls back to the
// declared input, then to key, joined onto default_input_path when relative.
func (c *Context) GetObject(ctx context.Context, key string, path string) (*objectstore.DataItem, error) {
	if path == "" {
		for _, ref := range c.rec.Spec.InputObjects {
			if ref.Key == key {
				path = ref.Path
			}
		}
	}
	if path == "" {
		path = key
	}
	if in := c.rec.Spec.DefaultInputPath; in != "" && !strings.Contains(path, "://") && !filepath.IsAbs(path) {
		path = objectstore.JoinURL(in, path)
	}
	item, err := c.resolver.DataItem(key, path)
	if err != nil {
		return nil, err
	}
	found := false
	for i, ref := range c.rec.Spec.InputObjects {
		if ref.Key == key {
			c.rec.Spec.InputObjects[i].Path = path
			found = true
		}
	}
	if !found {
		c.rec.Spec.InputObjects = append(c.rec.Spec.InputObjects, domain.ObjectRef{Key: key, Path: path})
	}
	c.softSync(ctx)
	return item, nil
}

// SetState moves the run through its lifecycle. A non-empty errMsg forces the
// error state; error is sticky and later error calls only replace the message.
// Invalid transitions are ignored.
func (c *Context) SetState(ctx context.Context, state domain.RunState, errMsg string) {
	if errMsg != "" {
		c.rec.Status.State = domain.RunStateError
		c.rec.Status.Error = errMsg
		if err := c.sync(ctx, true); err != nil {
			c.logger.Warn("run sync failed", "error", err)
		}
		return
	}
	current := c.rec.Status.State
	if state == "" || state == current || !domain.CanTransitionRunState(current, state) {
		return
	}
	c.rec.Status.State = state
	if err := c.sync(ctx, state.IsTerminal()); err != nil {
		c.logger.Warn("run sync failed", "error", err)
	}
}

// Commit records message and writes the record to the run DB.
func (c *Context) Commit(ctx context.Context, message string) error {
	if message != "" {
		c.rec.Metadata.Annotations["message"] = message
		c.rec.Status.Commit = message
	}
	return c.sync(ctx, true)
}

// ToRecord returns a deep copy of the current record.
func (c *Context) ToRecord() domain.RunRecord {
	rec := c.rec.Clone()
	c.artifacts.ApplyTo(&rec)
	return rec
}

func (c *Context) ToJSON() ([]byte, error) { return domain.MarshalRecord(c.ToRecord(), domain.FormatJSON) }

func (c *Context) ToYAML() ([]byte, error) { return domain.MarshalRecord(c.ToRecord(), domain.FormatYAML) }

func (c *Context) softSync(ctx context.Context) {
	if err := c.sync(ctx, false); err != nil {
		c.logger.Warn("run sync failed", "error", err)
	}
}

// sync stamps last_update, enters running from created, writes the scratch
// snapshot and, when commit or autocommit is set, the run DB.
func (c *Context) sync(ctx context.Context, commit bool) error {
	c.rec.Status.LastUpdate = domain.FormatTime(c.now())
	if c.rec.Status.State == domain.RunStateCreated {
		c.rec.Status.State = domain.RunStateRunning
	}
	rec := c.ToRecord()

	var errs []error
	if c.tmpFile != "" {
		if err := writeSnapshot(c.tmpFile, rec); err != nil {
			errs = append(errs, &domain.StorageError{Op: "write snapshot", Err: err})
		}
	}
	if c.db != nil && (commit || c.autocommit) {
		if err := c.db.StoreRun(ctx, rec, rec.EffectiveUID(), rec.Metadata.Project, commit); err != nil {
			errs = append(errs, &domain.StorageError{Op: "store run " + rec.EffectiveUID(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func writeSnapshot(path string, rec domain.RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a record written through WithTmpFile.
func ReadSnapshot(path string) (domain.RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RunRecord{}, err
	}
	return domain.UnmarshalRecord(data, domain.FormatJSON)
}
