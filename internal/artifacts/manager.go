package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
)

// Execution is what the manager needs to know about the producing run.
type Execution struct {
	// Tree is the artifact version, usually the run's tag.
	Tree     string
	Project  string
	Producer domain.Producer
	Inputs   []domain.ObjectRef
}

type logOptions struct {
	body       []byte
	hasBody    bool
	targetPath string
	srcPath    string
	tag        string
	viewer     string
	upload     bool
	labels     map[string]string
}

type Option func(*logOptions)

func WithBody(body []byte) Option {
	return func(o *logOptions) { o.body, o.hasBody = body, true }
}

func WithTargetPath(p string) Option { return func(o *logOptions) { o.targetPath = p } }
func WithSrcPath(p string) Option    { return func(o *logOptions) { o.srcPath = p } }
func WithTag(tag string) Option      { return func(o *logOptions) { o.tag = tag } }
func WithViewer(v string) Option     { return func(o *logOptions) { o.viewer = v } }

// WithoutUpload records the descriptor without writing any content.
func WithoutUpload() Option { return func(o *logOptions) { o.upload = false } }

func WithLabels(labels map[string]string) Option {
	return func(o *logOptions) { o.labels = labels }
}

// Manager resolves artifact target paths, uploads content through the object
// store and registers descriptors in the artifact DB.
type Manager struct {
	resolver *objectstore.Resolver
	db       repo.RunDB
	calcHash bool

	outPath     string
	outputsSpec map[string]string
	specOrder   []string

	outputs map[string]domain.Artifact
	order   []string
}

// NewManager accepts a nil db; descriptors are then kept locally only.
func NewManager(resolver *objectstore.Resolver, db repo.RunDB) *Manager {
	if resolver == nil {
		resolver = objectstore.NewResolver(nil)
	}
	return &Manager{
		resolver:    resolver,
		db:          db,
		calcHash:    true,
		outputsSpec: map[string]string{},
		outputs:     map[string]domain.Artifact{},
	}
}

// SetHashing toggles content hashing.
func (m *Manager) SetHashing(enabled bool) { m.calcHash = enabled }

// LoadSpec reads the default output path and per-key path overrides.
func (m *Manager) LoadSpec(spec domain.RunSpec) {
	if spec.DefaultOutputPath != "" {
		m.outPath = spec.DefaultOutputPath
	}
	for _, ref := range spec.OutputArtifacts {
		if ref.Key == "" {
			continue
		}
		if _, ok := m.outputsSpec[ref.Key]; !ok {
			m.specOrder = append(m.specOrder, ref.Key)
		}
		m.outputsSpec[ref.Key] = ref.Path
	}
}

// LoadStatus restores previously logged artifacts.
func (m *Manager) LoadStatus(status domain.RunStatus) {
	for _, s := range status.OutputArtifacts {
		m.remember(domain.Artifact{ArtifactSummary: s})
	}
}

func (m *Manager) OutPath() string { return m.outPath }

func (m *Manager) SetOutPath(p string) { m.outPath = p }

// ApplyTo writes the manager state into rec.
func (m *Manager) ApplyTo(rec *domain.RunRecord) {
	rec.Spec.DefaultOutputPath = m.outPath
	rec.Spec.OutputArtifacts = nil
	for _, k := range m.specOrder {
		rec.Spec.OutputArtifacts = append(rec.Spec.OutputArtifacts, domain.ObjectRef{Key: k, Path: m.outputsSpec[k]})
	}
	rec.Status.OutputArtifacts = nil
	for _, k := range m.order {
		rec.Status.OutputArtifacts = append(rec.Status.OutputArtifacts, m.outputs[k].Summary())
	}
}

// Outputs returns logged artifacts in logging order.
func (m *Manager) Outputs() []domain.Artifact {
	out := make([]domain.Artifact, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.outputs[k])
	}
	return out
}

func (m *Manager) remember(art domain.Artifact) {
	if _, ok := m.outputs[art.Key]; !ok {
		m.order = append(m.order, art.Key)
	}
	m.outputs[art.Key] = art
}

// TargetPath resolves where key is written: explicit override from the run
// spec, then the given path, then default_output_path/key.
func (m *Manager) TargetPath(key, given string) string {
	if p := m.outputsSpec[key]; p != "" {
		return p
	}
	if given != "" {
		return given
	}
	return objectstore.JoinURL(m.outPath, key)
}

// LogKey logs an artifact identified only by key. Its content comes from
// WithBody or from the source file (WithSrcPath, defaulting to the key).
func (m *Manager) LogKey(ctx context.Context, exec Execution, key string, opts ...Option) (domain.Artifact, error) {
	o := collect(opts)
	if strings.TrimSpace(key) == "" {
		return domain.Artifact{}, domain.Validationf("artifact key is required")
	}
	if o.upload && !o.hasBody {
		src := o.srcPath
		if src == "" {
			src = key
		}
		if !isFile(src) {
			return domain.Artifact{}, domain.Validationf("artifact %s has no body and source path %q is not a file", key, src)
		}
	}
	item := NewBlob(key, o.body)
	return m.log(ctx, exec, item, o)
}

// LogItem logs a pre-built artifact. Items without a body and without a
// readable source file are recorded without upload.
func (m *Manager) LogItem(ctx context.Context, exec Execution, item Item, opts ...Option) (domain.Artifact, error) {
	if item == nil || item.Descriptor() == nil {
		return domain.Artifact{}, domain.Validationf("artifact item is required")
	}
	if strings.TrimSpace(item.Descriptor().Key) == "" {
		return domain.Artifact{}, domain.Validationf("artifact key is required")
	}
	o := collect(opts)
	if o.hasBody {
		return domain.Artifact{}, domain.Validationf("artifact %s: body must be set on the item", item.Descriptor().Key)
	}
	return m.log(ctx, exec, item, o)
}

func collect(opts []Option) logOptions {
	o := logOptions{upload: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (m *Manager) log(ctx context.Context, exec Execution, item Item, o logOptions) (domain.Artifact, error) {
	desc := item.Descriptor()
	key := desc.Key
	if o.srcPath != "" {
		desc.SrcPath = o.srcPath
	}
	if o.viewer != "" {
		desc.Viewer = o.viewer
	}
	given := o.targetPath
	if given == "" {
		given = desc.TargetPath
	}
	desc.TargetPath = m.TargetPath(key, given)
	desc.Tree = exec.Tree
	if len(o.labels) > 0 {
		if desc.Labels == nil {
			desc.Labels = map[string]string{}
		}
		for k, v := range o.labels {
			desc.Labels[k] = v
		}
	}

	if o.upload {
		if err := m.upload(ctx, item, desc); err != nil {
			return domain.Artifact{}, err
		}
	}
	m.remember(*desc)

	if m.db == nil {
		return *desc, nil
	}
	if len(desc.Sources) == 0 {
		desc.Sources = append([]domain.ObjectRef(nil), exec.Inputs...)
	}
	producer := exec.Producer
	desc.Producer = &producer
	if err := m.db.StoreArtifact(ctx, key, *desc, desc.Tree, o.tag, exec.Project); err != nil {
		return *desc, &domain.StorageError{Op: "store artifact " + key, Err: err}
	}
	return *desc, nil
}

func (m *Manager) upload(ctx context.Context, item Item, desc *domain.Artifact) error {
	body, err := item.Body()
	if err != nil {
		return fmt.Errorf("render artifact %s: %w", desc.Key, err)
	}
	if len(body) > 0 {
		if m.calcHash {
			desc.Hash = BlobHash(body)
		}
		desc.Size = int64(len(body))
		if err := m.resolver.WriteAll(ctx, desc.TargetPath, body); err != nil {
			return &domain.StorageError{Op: "upload " + desc.Key, Err: err}
		}
		return nil
	}
	src := desc.SrcPath
	if src == "" {
		src = desc.Key
	}
	if !isFile(src) {
		return nil
	}
	if m.calcHash {
		h, err := FileHash(src)
		if err != nil {
			return &domain.StorageError{Op: "hash " + src, Err: err}
		}
		desc.Hash = h
	}
	if fi, err := os.Stat(src); err == nil {
		desc.Size = fi.Size()
	}
	if err := m.resolver.Upload(ctx, src, desc.TargetPath); err != nil {
		return &domain.StorageError{Op: "upload " + desc.Key, Err: err}
	}
	return nil
}

// Keys returns the logged artifact keys, sorted.
func (m *Manager) Keys() []string {
	out := append([]string(nil), m.order...)
	sort.Strings(out)
	return out
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func BlobHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsStorageError reports whether err came from an upload or DB write.
func IsStorageError(err error) bool {
	var serr *domain.StorageError
	return errors.As(err, &serr)
}
