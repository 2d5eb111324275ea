package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	platformstore "github.com/animus-labs/animus-runs/internal/platform/objectstore"
)

// Location is a URL resolved to a store and an object address.
type Location struct {
	Store  Store
	Scheme string
	Bucket string
	Key    string
}

// Resolver maps file://, bare paths and s3://bucket/key URLs to stores.
type Resolver struct {
	files Store

	once    sync.Once
	s3      Store
	s3Err   error
	newS3   func() (Store, error)
	buckets string
}

// NewResolver serves s3:// URLs from s3, which may be nil.
func NewResolver(s3 Store) *Resolver {
	r := &Resolver{files: NewFileStore("")}
	r.newS3 = func() (Store, error) {
		if s3 == nil {
			return nil, fmt.Errorf("s3 store not configured")
		}
		return s3, nil
	}
	return r
}

// NewResolverFromConfig creates the MinIO client on first s3:// use.
func NewResolverFromConfig(cfg platformstore.Config) *Resolver {
	r := &Resolver{files: NewFileStore(""), buckets: cfg.Bucket}
	r.newS3 = func() (Store, error) {
		return NewMinioStore(cfg)
	}
	return r
}

func (r *Resolver) s3Store() (Store, error) {
	r.once.Do(func() {
		r.s3, r.s3Err = r.newS3()
	})
	return r.s3, r.s3Err
}

// Resolve parses rawURL into a store location.
func (r *Resolver) Resolve(rawURL string) (Location, error) {
	if r == nil {
		return Location{}, fmt.Errorf("object store resolver not initialized")
	}
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return Location{}, fmt.Errorf("empty object url")
	}
	if !strings.Contains(rawURL, "://") {
		return Location{Store: r.files, Scheme: "file", Key: rawURL}, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Location{}, fmt.Errorf("parse object url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file":
		p := u.Path
		if u.Host != "" {
			p = u.Host + p
		}
		return Location{Store: r.files, Scheme: "file", Key: p}, nil
	case "s3":
		store, err := r.s3Store()
		if err != nil {
			return Location{}, err
		}
		bucket := u.Host
		if bucket == "" {
			bucket = r.buckets
		}
		if bucket == "" {
			return Location{}, fmt.Errorf("object url %q has no bucket", rawURL)
		}
		return Location{Store: store, Scheme: "s3", Bucket: bucket, Key: strings.TrimPrefix(u.Path, "/")}, nil
	default:
		return Location{}, fmt.Errorf("unsupported object url scheme %q", u.Scheme)
	}
}

func (r *Resolver) ReadAll(ctx context.Context, rawURL string) ([]byte, error) {
	loc, err := r.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	rc, _, err := loc.Store.Get(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (r *Resolver) WriteAll(ctx context.Context, rawURL string, data []byte) error {
	loc, err := r.Resolve(rawURL)
	if err != nil {
		return err
	}
	if err := loc.Store.Put(ctx, loc.Bucket, loc.Key, bytes.NewReader(data), int64(len(data)), contentTypeFor(loc.Key)); err != nil {
		return fmt.Errorf("put %s: %w", rawURL, err)
	}
	return nil
}

// Upload copies the local file src to rawURL.
func (r *Resolver) Upload(ctx context.Context, src string, rawURL string) error {
	loc, err := r.Resolve(rawURL)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if err := loc.Store.Put(ctx, loc.Bucket, loc.Key, f, fi.Size(), contentTypeFor(loc.Key)); err != nil {
		return fmt.Errorf("upload %s to %s: %w", src, rawURL, err)
	}
	return nil
}

func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// JoinURL joins name onto base. URL bases join with "/", local paths with the OS separator.
func JoinURL(base, name string) string {
	if base == "" {
		return name
	}
	if strings.Contains(name, "://") || filepath.IsAbs(name) {
		return name
	}
	if strings.Contains(base, "://") {
		return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(name, "/")
	}
	return filepath.Join(base, name)
}
