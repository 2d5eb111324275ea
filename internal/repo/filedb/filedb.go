// Package filedb stores run records and artifact descriptors as YAML or JSON
// documents on an object store:
//
//	runs/<project>/<uid>.<ext>
//	artifacts/<project>/<tree|tag>/<key>.<ext>
package filedb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
)

type DB struct {
	store  objectstore.Store
	bucket string
	prefix string
	format domain.Format
	now    func() time.Time
}

var _ repo.RunDB = (*DB)(nil)

// New returns a DB rooted at bucket/prefix on store.
func New(store objectstore.Store, bucket, prefix string, format domain.Format) (*DB, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if format == "" {
		format = domain.FormatYAML
	}
	return &DB{
		store:  store,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		format: format,
		now:    time.Now,
	}, nil
}

// NewLocal keeps documents under dir on the local filesystem.
func NewLocal(dir string, format domain.Format) (*DB, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("directory is required")
	}
	return New(objectstore.NewFileStore(dir), "", "", format)
}

func (db *DB) key(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts)+1)
	if db.prefix != "" {
		nonEmpty = append(nonEmpty, db.prefix)
	}
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return path.Join(nonEmpty...)
}

func (db *DB) runKey(uid, project string) (string, error) {
	if uid == "" {
		return "", domain.Validationf("run uid is required")
	}
	if err := checkSegments("uid", uid, "project", project); err != nil {
		return "", err
	}
	return db.key("runs", project, uid+"."+db.format.Ext()), nil
}

func (db *DB) artifactKey(key, tag, project string) (string, error) {
	if key == "" {
		return "", domain.Validationf("artifact key is required")
	}
	if err := checkSegments("artifact key", key, "tag", tag, "project", project); err != nil {
		return "", err
	}
	return db.key("artifacts", project, tag, key+"."+db.format.Ext()), nil
}

// checkSegments takes name/value pairs of identifiers that become single
// path segments of a document key.
func checkSegments(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := domain.CheckPathSegment(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) put(ctx context.Context, key string, data []byte) error {
	ct := "application/yaml"
	if db.format == domain.FormatJSON {
		ct = "application/json"
	}
	return db.store.Put(ctx, db.bucket, key, bytes.NewReader(data), int64(len(data)), ct)
}

func (db *DB) get(ctx context.Context, key string) ([]byte, error) {
	rc, _, err := db.store.Get(ctx, db.bucket, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotExist) {
			return nil, repo.NotFound("object", key)
		}
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (db *DB) del(ctx context.Context, key string) error {
	if err := db.store.Delete(ctx, db.bucket, key); err != nil {
		if errors.Is(err, objectstore.ErrNotExist) {
			return repo.NotFound("object", key)
		}
		return err
	}
	return nil
}

// list returns document keys under dir. With direct set, nested keys are skipped.
func (db *DB) list(ctx context.Context, dir string, direct bool) ([]string, error) {
	prefix := dir + "/"
	objs, err := db.store.List(ctx, db.bucket, prefix)
	if err != nil {
		return nil, err
	}
	ext := "." + db.format.Ext()
	out := make([]string, 0, len(objs))
	for _, obj := range objs {
		if !strings.HasSuffix(obj.Key, ext) {
			continue
		}
		if direct && strings.Contains(strings.TrimPrefix(obj.Key, prefix), "/") {
			continue
		}
		out = append(out, obj.Key)
	}
	return out, nil
}

func (db *DB) StoreRun(ctx context.Context, rec domain.RunRecord, uid string, project string, commit bool) error {
	if db == nil {
		return fmt.Errorf("file db not initialized")
	}
	key, err := db.runKey(uid, project)
	if err != nil {
		return err
	}
	data, err := domain.MarshalRecord(rec, db.format)
	if err != nil {
		return err
	}
	if err := db.put(ctx, key, data); err != nil {
		return fmt.Errorf("store run %s: %w", uid, err)
	}
	return nil
}

func (db *DB) ReadRun(ctx context.Context, uid string, project string) (domain.RunRecord, error) {
	if db == nil {
		return domain.RunRecord{}, fmt.Errorf("file db not initialized")
	}
	key, err := db.runKey(uid, project)
	if err != nil {
		return domain.RunRecord{}, err
	}
	data, err := db.get(ctx, key)
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("read run %s: %w", uid, err)
	}
	return domain.UnmarshalRecord(data, db.format)
}

func (db *DB) loadRuns(ctx context.Context, project string) (map[string]domain.RunRecord, []string, error) {
	if err := checkSegments("project", project); err != nil {
		return nil, nil, err
	}
	keys, err := db.list(ctx, db.key("runs", project), true)
	if err != nil {
		return nil, nil, fmt.Errorf("list runs: %w", err)
	}
	out := make(map[string]domain.RunRecord, len(keys))
	for _, k := range keys {
		data, err := db.get(ctx, k)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, nil, err
		}
		rec, err := domain.UnmarshalRecord(data, db.format)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = rec
	}
	return out, keys, nil
}

func (db *DB) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	if db == nil {
		return nil, fmt.Errorf("file db not initialized")
	}
	runs, keys, err := db.loadRuns(ctx, filter.Project)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RunRecord, 0, len(runs))
	for _, k := range keys {
		rec, ok := runs[k]
		if !ok {
			continue
		}
		match, err := repo.MatchRun(rec, filter, false)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, rec)
		}
	}
	return repo.SortAndTruncate(out, filter.Last), nil
}

func (db *DB) DelRun(ctx context.Context, uid string, project string) error {
	if db == nil {
		return fmt.Errorf("file db not initialized")
	}
	key, err := db.runKey(uid, project)
	if err != nil {
		return err
	}
	if err := db.del(ctx, key); err != nil {
		return fmt.Errorf("delete run %s: %w", uid, err)
	}
	return nil
}

func (db *DB) DelRuns(ctx context.Context, filter repo.RunFilter) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("file db not initialized")
	}
	if err := repo.ValidateDelete(filter); err != nil {
		return 0, err
	}
	runs, keys, err := db.loadRuns(ctx, filter.Project)
	if err != nil {
		return 0, err
	}
	now := db.now()
	deleted := 0
	for _, k := range keys {
		rec, ok := runs[k]
		if !ok {
			continue
		}
		match, err := repo.MatchDelete(rec, filter, now)
		if err != nil {
			return deleted, err
		}
		if !match {
			continue
		}
		if err := db.del(ctx, k); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", k, err)
		}
		deleted++
	}
	return deleted, nil
}

func (db *DB) StoreArtifact(ctx context.Context, key string, art domain.Artifact, tree string, tag string, project string) error {
	if db == nil {
		return fmt.Errorf("file db not initialized")
	}
	if tag == "" {
		tag = repo.LatestTag
	}
	tagKey, err := db.artifactKey(key, tag, project)
	if err != nil {
		return err
	}
	treeKey := ""
	if tree != "" {
		if treeKey, err = db.artifactKey(key, tree, project); err != nil {
			return err
		}
	}
	art.Key = key
	art.Tree = tree
	art.Updated = domain.FormatTime(db.now())
	data, err := domain.Marshal(art, db.format)
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", key, err)
	}
	if treeKey != "" {
		if err := db.put(ctx, treeKey, data); err != nil {
			return fmt.Errorf("store artifact %s: %w", key, err)
		}
	}
	if err := db.put(ctx, tagKey, data); err != nil {
		return fmt.Errorf("store artifact %s: %w", key, err)
	}
	return nil
}

func (db *DB) ReadArtifact(ctx context.Context, key string, tag string, project string) (domain.Artifact, error) {
	if db == nil {
		return domain.Artifact{}, fmt.Errorf("file db not initialized")
	}
	if tag == "" {
		tag = repo.LatestTag
	}
	docKey, err := db.artifactKey(key, tag, project)
	if err != nil {
		return domain.Artifact{}, err
	}
	data, err := db.get(ctx, docKey)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("read artifact %s: %w", key, err)
	}
	return domain.UnmarshalArtifact(data, db.format)
}

func (db *DB) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	if db == nil {
		return nil, fmt.Errorf("file db not initialized")
	}
	tag := filter.Tag
	if tag == "" {
		tag = repo.LatestTag
	}
	if err := checkSegments("project", filter.Project); err != nil {
		return nil, err
	}
	if tag != "*" {
		if err := checkSegments("tag", tag); err != nil {
			return nil, err
		}
	}
	dir := db.key("artifacts", filter.Project, tag)
	if tag == "*" {
		dir = db.key("artifacts", filter.Project)
	}
	keys, err := db.list(ctx, dir, false)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var out []domain.Artifact
	for _, k := range keys {
		data, err := db.get(ctx, k)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		art, err := domain.UnmarshalArtifact(data, db.format)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		match, err := repo.MatchArtifact(art, filter)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, art)
		}
	}
	return out, nil
}

func (db *DB) DelArtifact(ctx context.Context, key string, tag string, project string) error {
	if db == nil {
		return fmt.Errorf("file db not initialized")
	}
	if tag == "" {
		tag = repo.LatestTag
	}
	docKey, err := db.artifactKey(key, tag, project)
	if err != nil {
		return err
	}
	if err := db.del(ctx, docKey); err != nil {
		return fmt.Errorf("delete artifact %s: %w", key, err)
	}
	return nil
}

// StoreMetric accepts and drops points; documents hold no time series.
func (db *DB) StoreMetric(context.Context, string, string, map[string]float64, time.Time, map[string]string) error {
	return nil
}

func (db *DB) Close() error { return nil }
