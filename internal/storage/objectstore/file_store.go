package objectstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps objects on the local filesystem at Root/bucket/key.
// With an empty Root and bucket, keys are plain filesystem paths.
type FileStore struct {
	Root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

// path maps a key to its file. Under a root or bucket the result must stay
// inside that directory.
func (s *FileStore) path(bucket, key string) (string, error) {
	base := filepath.Join(s.Root, bucket)
	target := filepath.Join(base, filepath.FromSlash(key))
	if base == "" {
		return target, nil
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes %s", key, base)
	}
	return target, nil
}

func (s *FileStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if s == nil {
		return fmt.Errorf("file store not initialized")
	}
	target, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-"+filepath.Base(target)+"-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (s *FileStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if s == nil {
		return nil, ObjectInfo{}, fmt.Errorf("file store not initialized")
	}
	info, err := s.Stat(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	p, err := s.path(bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, ObjectInfo{}, mapFSError(err)
	}
	return f, info, nil
}

func (s *FileStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if s == nil {
		return ObjectInfo{}, fmt.Errorf("file store not initialized")
	}
	p, err := s.path(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return ObjectInfo{}, mapFSError(err)
	}
	if fi.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%s is a directory: %w", key, ErrNotExist)
	}
	return ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ETag:         etag(fi),
		LastModified: fi.ModTime(),
	}, nil
}

func (s *FileStore) Delete(ctx context.Context, bucket, key string) error {
	if s == nil {
		return fmt.Errorf("file store not initialized")
	}
	p, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return mapFSError(err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if s == nil {
		return nil, fmt.Errorf("file store not initialized")
	}
	base := filepath.Join(s.Root, bucket)
	start, err := s.path(bucket, prefix)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(start); err != nil || !fi.IsDir() {
		start = filepath.Dir(start)
	}
	var out []ObjectInfo
	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		key := filepath.ToSlash(p)
		if base != "" {
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			key = filepath.ToSlash(rel)
		}
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: key, Size: fi.Size(), ETag: etag(fi), LastModified: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func mapFSError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotExist, err)
	}
	return err
}

func etag(fi fs.FileInfo) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d-%d", fi.Size(), fi.ModTime().UnixNano())))
	return hex.EncodeToString(sum[:])
}
