// Package redisdb keeps run records and artifacts in Redis hashes and
// appends metric points to a stream.
package redisdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/go-redis/redis/v8"
)

// MetricsStream is the stream metric points are appended to.
const MetricsStream = "metrics"

type DB struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

var _ repo.RunDB = (*DB)(nil)

func New(rdb *redis.Client, prefix string) *DB {
	if rdb == nil {
		return nil
	}
	return &DB{rdb: rdb, prefix: prefix, now: time.Now}
}

// Open parses a redis:// URL and connects.
func Open(ctx context.Context, rawURL string) (*DB, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, ""), nil
}

func (db *DB) keyRuns(project string) string      { return db.prefix + "runs:" + project }
func (db *DB) keyArtifacts(project string) string { return db.prefix + "artifacts:" + project }
func (db *DB) keyMetrics() string                 { return db.prefix + MetricsStream }

func artifactField(key, tag string) string { return tag + "/" + key }

func (db *DB) StoreRun(ctx context.Context, rec domain.RunRecord, uid string, project string, commit bool) error {
	if db == nil || db.rdb == nil {
		return fmt.Errorf("redis db not initialized")
	}
	rec.Normalize()
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	if err := db.rdb.HSet(ctx, db.keyRuns(project), uid, string(b)).Err(); err != nil {
		return fmt.Errorf("redis HSET run: %w", err)
	}
	return nil
}

func (db *DB) ReadRun(ctx context.Context, uid string, project string) (domain.RunRecord, error) {
	if db == nil || db.rdb == nil {
		return domain.RunRecord{}, fmt.Errorf("redis db not initialized")
	}
	js, err := db.rdb.HGet(ctx, db.keyRuns(project), uid).Result()
	if err == redis.Nil {
		return domain.RunRecord{}, repo.NotFound("run", uid)
	}
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("redis HGET run: %w", err)
	}
	return domain.UnmarshalRecord([]byte(js), domain.FormatJSON)
}

func (db *DB) projectRuns(ctx context.Context, project string) (map[string]domain.RunRecord, error) {
	all, err := db.rdb.HGetAll(ctx, db.keyRuns(project)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL runs: %w", err)
	}
	out := make(map[string]domain.RunRecord, len(all))
	for uid, js := range all {
		rec, err := domain.UnmarshalRecord([]byte(js), domain.FormatJSON)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", uid, err)
		}
		out[uid] = rec
	}
	return out, nil
}

func (db *DB) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	if db == nil || db.rdb == nil {
		return nil, fmt.Errorf("redis db not initialized")
	}
	runs, err := db.projectRuns(ctx, filter.Project)
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(runs))
	for uid := range runs {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	out := make([]domain.RunRecord, 0, len(runs))
	for _, uid := range uids {
		ok, err := repo.MatchRun(runs[uid], filter, false)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, runs[uid])
		}
	}
	return repo.SortAndTruncate(out, filter.Last), nil
}

func (db *DB) DelRun(ctx context.Context, uid string, project string) error {
	if db == nil || db.rdb == nil {
		return fmt.Errorf("redis db not initialized")
	}
	n, err := db.rdb.HDel(ctx, db.keyRuns(project), uid).Result()
	if err != nil {
		return fmt.Errorf("redis HDEL run: %w", err)
	}
	if n == 0 {
		return repo.NotFound("run", uid)
	}
	return nil
}

func (db *DB) DelRuns(ctx context.Context, filter repo.RunFilter) (int, error) {
	if db == nil || db.rdb == nil {
		return 0, fmt.Errorf("redis db not initialized")
	}
	if err := repo.ValidateDelete(filter); err != nil {
		return 0, err
	}
	runs, err := db.projectRuns(ctx, filter.Project)
	if err != nil {
		return 0, err
	}
	now := db.now()
	var victims []string
	for uid, rec := range runs {
		ok, err := repo.MatchDelete(rec, filter, now)
		if err != nil {
			return 0, err
		}
		if ok {
			victims = append(victims, uid)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	n, err := db.rdb.HDel(ctx, db.keyRuns(filter.Project), victims...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis HDEL runs: %w", err)
	}
	return int(n), nil
}

func (db *DB) StoreArtifact(ctx context.Context, key string, art domain.Artifact, tree string, tag string, project string) error {
	if db == nil || db.rdb == nil {
		return fmt.Errorf("redis db not initialized")
	}
	art.Key = key
	art.Tree = tree
	art.Updated = domain.FormatTime(db.now())
	b, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if tag == "" {
		tag = repo.LatestTag
	}
	values := []any{artifactField(key, tag), string(b)}
	if tree != "" && tree != tag {
		values = append(values, artifactField(key, tree), string(b))
	}
	if err := db.rdb.HSet(ctx, db.keyArtifacts(project), values...).Err(); err != nil {
		return fmt.Errorf("redis HSET artifact: %w", err)
	}
	return nil
}

func (db *DB) ReadArtifact(ctx context.Context, key string, tag string, project string) (domain.Artifact, error) {
	if db == nil || db.rdb == nil {
		return domain.Artifact{}, fmt.Errorf("redis db not initialized")
	}
	if tag == "" {
		tag = repo.LatestTag
	}
	js, err := db.rdb.HGet(ctx, db.keyArtifacts(project), artifactField(key, tag)).Result()
	if err == redis.Nil {
		return domain.Artifact{}, repo.NotFound("artifact", key)
	}
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("redis HGET artifact: %w", err)
	}
	return domain.UnmarshalArtifact([]byte(js), domain.FormatJSON)
}

func (db *DB) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	if db == nil || db.rdb == nil {
		return nil, fmt.Errorf("redis db not initialized")
	}
	tag := filter.Tag
	if tag == "" {
		tag = repo.LatestTag
	}
	all, err := db.rdb.HGetAll(ctx, db.keyArtifacts(filter.Project)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL artifacts: %w", err)
	}
	fields := make([]string, 0, len(all))
	for field := range all {
		if tag == "*" || strings.HasPrefix(field, tag+"/") {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	var out []domain.Artifact
	for _, field := range fields {
		art, err := domain.UnmarshalArtifact([]byte(all[field]), domain.FormatJSON)
		if err != nil {
			return nil, fmt.Errorf("decode artifact %s: %w", field, err)
		}
		ok, err := repo.MatchArtifact(art, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, art)
		}
	}
	return out, nil
}

func (db *DB) DelArtifact(ctx context.Context, key string, tag string, project string) error {
	if db == nil || db.rdb == nil {
		return fmt.Errorf("redis db not initialized")
	}
	if tag == "" {
		tag = repo.LatestTag
	}
	n, err := db.rdb.HDel(ctx, db.keyArtifacts(project), artifactField(key, tag)).Result()
	if err != nil {
		return fmt.Errorf("redis HDEL artifact: %w", err)
	}
	if n == 0 {
		return repo.NotFound("artifact", key)
	}
	return nil
}

// StoreMetric appends one stream entry per point.
func (db *DB) StoreMetric(ctx context.Context, uid string, project string, points map[string]float64, ts time.Time, labels map[string]string) error {
	if db == nil || db.rdb == nil {
		return fmt.Errorf("redis db not initialized")
	}
	if ts.IsZero() {
		ts = db.now()
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	keys := make([]string, 0, len(points))
	for k := range points {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pipe := db.rdb.Pipeline()
	for _, k := range keys {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: db.keyMetrics(),
			Values: map[string]any{
				"project": project,
				"uid":     uid,
				"key":     k,
				"value":   strconv.FormatFloat(points[k], 'g', -1, 64),
				"ts":      strconv.FormatInt(ts.UnixMilli(), 10),
				"labels":  string(labelsJSON),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis XADD metrics: %w", err)
	}
	return nil
}

// Metric is one point read back from the metrics stream.
type Metric struct {
	Project string
	UID     string
	Key     string
	Value   float64
	Time    time.Time
	Labels  map[string]string
}

// ReadMetrics returns every point recorded for uid in project, oldest first.
func (db *DB) ReadMetrics(ctx context.Context, uid string, project string) ([]Metric, error) {
	if db == nil || db.rdb == nil {
		return nil, fmt.Errorf("redis db not initialized")
	}
	msgs, err := db.rdb.XRange(ctx, db.keyMetrics(), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redis XRANGE metrics: %w", err)
	}
	var out []Metric
	for _, msg := range msgs {
		if fmt.Sprint(msg.Values["uid"]) != uid || fmt.Sprint(msg.Values["project"]) != project {
			continue
		}
		value, _ := strconv.ParseFloat(fmt.Sprint(msg.Values["value"]), 64)
		ms, _ := strconv.ParseInt(fmt.Sprint(msg.Values["ts"]), 10, 64)
		m := Metric{
			Project: project,
			UID:     uid,
			Key:     fmt.Sprint(msg.Values["key"]),
			Value:   value,
			Time:    time.UnixMilli(ms),
		}
		if raw, ok := msg.Values["labels"].(string); ok && raw != "null" {
			_ = json.Unmarshal([]byte(raw), &m.Labels)
		}
		out = append(out, m)
	}
	return out, nil
}

func (db *DB) Close() error {
	if db == nil || db.rdb == nil {
		return nil
	}
	return db.rdb.Close()
}
