package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DataItem is an input object resolved from a run's input_objects.
type DataItem struct {
	Key string
	url string
	loc Location
}

func (r *Resolver) DataItem(key string, rawURL string) (*DataItem, error) {
	loc, err := r.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	return &DataItem{Key: key, url: rawURL, loc: loc}, nil
}

func (d *DataItem) URL() string {
	return d.url
}

// Get reads the whole object.
func (d *DataItem) Get(ctx context.Context) ([]byte, error) {
	rc, _, err := d.loc.Store.Get(ctx, d.loc.Bucket, d.loc.Key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", d.url, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (d *DataItem) Stat(ctx context.Context) (ObjectInfo, error) {
	return d.loc.Store.Stat(ctx, d.loc.Bucket, d.loc.Key)
}

// Download copies the object to the local path target.
func (d *DataItem) Download(ctx context.Context, target string) error {
	rc, _, err := d.loc.Store.Get(ctx, d.loc.Bucket, d.loc.Key)
	if err != nil {
		return fmt.Errorf("get %s: %w", d.url, err)
	}
	defer rc.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("download %s: %w", d.url, err)
	}
	return f.Close()
}
