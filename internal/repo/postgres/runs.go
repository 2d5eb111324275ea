package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/platform/auditlog"
	"github.com/animus-labs/animus-runs/internal/repo"
)

const (
	upsertRunQuery = `INSERT INTO run_records (project, uid, name, state, start_time, labels, body, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (project, uid) DO UPDATE SET
			name = EXCLUDED.name,
			state = EXCLUDED.state,
			start_time = EXCLUDED.start_time,
			labels = EXCLUDED.labels,
			body = EXCLUDED.body,
			updated_at = now()`
	selectRunQuery       = `SELECT body FROM run_records WHERE project = $1 AND uid = $2`
	selectProjectRuns    = `SELECT uid, body FROM run_records WHERE project = $1 ORDER BY start_time DESC`
	deleteRunQuery       = `DELETE FROM run_records WHERE project = $1 AND uid = $2`
	insertMetricQuery    = `INSERT INTO run_metrics (project, uid, key, value, ts, labels) VALUES ($1,$2,$3,$4,$5,$6)`
	upsertArtifactQuery  = `INSERT INTO run_artifacts (project, key, tag, labels, body, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (project, key, tag) DO UPDATE SET labels = EXCLUDED.labels, body = EXCLUDED.body, updated_at = now()`
	selectArtifactQuery  = `SELECT body FROM run_artifacts WHERE project = $1 AND key = $2 AND tag = $3`
	selectArtifactsQuery = `SELECT body FROM run_artifacts WHERE project = $1 AND ($2 = '*' OR tag = $2) ORDER BY key, tag`
	deleteArtifactQuery  = `DELETE FROM run_artifacts WHERE project = $1 AND key = $2 AND tag = $3`
)

// RunDB stores run records and artifacts as jsonb documents. Deletions are
// recorded in the audit table under actor.
type RunDB struct {
	db     DB
	closer func() error
	now    func() time.Time
	actor  string
}

var _ repo.RunDB = (*RunDB)(nil)

func NewRunDB(db DB) *RunDB {
	if db == nil {
		return nil
	}
	r := &RunDB{db: db, now: time.Now, actor: "runs"}
	if c, ok := db.(*sql.DB); ok {
		r.closer = c.Close
	}
	return r
}

// SetActor names who deletions are attributed to.
func (s *RunDB) SetActor(actor string) {
	if s != nil && strings.TrimSpace(actor) != "" {
		s.actor = strings.TrimSpace(actor)
	}
}

func (s *RunDB) audit(ctx context.Context, action, project, resourceType, id string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := auditlog.Insert(ctx, s.db, auditlog.Event{
		OccurredAt:   s.now(),
		Actor:        s.actor,
		Action:       action,
		Project:      project,
		ResourceType: resourceType,
		ResourceID:   id,
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("audit %s %s: %w", action, id, err)
	}
	return nil
}

func (s *RunDB) StoreRun(ctx context.Context, rec domain.RunRecord, uid string, project string, commit bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run db not initialized")
	}
	if strings.TrimSpace(uid) == "" {
		return fmt.Errorf("run uid is required")
	}
	rec.Normalize()
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	labels, err := encodeLabels(rec.Metadata.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertRunQuery,
		project,
		uid,
		rec.Metadata.Name,
		string(rec.Status.State),
		rec.Status.StartTime,
		labels,
		body,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

func (s *RunDB) ReadRun(ctx context.Context, uid string, project string) (domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return domain.RunRecord{}, fmt.Errorf("run db not initialized")
	}
	var body []byte
	if err := s.db.QueryRowContext(ctx, selectRunQuery, project, uid).Scan(&body); err != nil {
		err = handleNotFound(err)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.RunRecord{}, repo.NotFound("run", uid)
		}
		return domain.RunRecord{}, fmt.Errorf("select run: %w", err)
	}
	return domain.UnmarshalRecord(body, domain.FormatJSON)
}

type storedRun struct {
	uid string
	rec domain.RunRecord
}

func (s *RunDB) projectRuns(ctx context.Context, project string) ([]storedRun, error) {
	rows, err := s.db.QueryContext(ctx, selectProjectRuns, project)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()

	var out []storedRun
	for rows.Next() {
		var uid string
		var body []byte
		if err := rows.Scan(&uid, &body); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec, err := domain.UnmarshalRecord(body, domain.FormatJSON)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", uid, err)
		}
		out = append(out, storedRun{uid: uid, rec: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *RunDB) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run db not initialized")
	}
	runs, err := s.projectRuns(ctx, filter.Project)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RunRecord, 0, len(runs))
	for _, r := range runs {
		ok, err := repo.MatchRun(r.rec, filter, false)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r.rec)
		}
	}
	return repo.SortAndTruncate(out, filter.Last), nil
}

func (s *RunDB) DelRun(ctx context.Context, uid string, project string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run db not initialized")
	}
	res, err := s.db.ExecContext(ctx, deleteRunQuery, project, uid)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.NotFound("run", uid)
	}
	return s.audit(ctx, auditlog.ActionRunDelete, project, "run", uid, nil)
}

func (s *RunDB) DelRuns(ctx context.Context, filter repo.RunFilter) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("run db not initialized")
	}
	if err := repo.ValidateDelete(filter); err != nil {
		return 0, err
	}
	runs, err := s.projectRuns(ctx, filter.Project)
	if err != nil {
		return 0, err
	}
	now := s.now()
	deleted := 0
	for _, r := range runs {
		ok, err := repo.MatchDelete(r.rec, filter, now)
		if err != nil {
			return deleted, err
		}
		if !ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, deleteRunQuery, filter.Project, r.uid); err != nil {
			return deleted, fmt.Errorf("delete run %s: %w", r.uid, err)
		}
		deleted++
		payload := map[string]any{
			"name":     r.rec.Metadata.Name,
			"state":    string(r.rec.Status.State),
			"days_ago": filter.DaysAgo,
		}
		if err := s.audit(ctx, auditlog.ActionRunDelete, filter.Project, "run", r.uid, payload); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (s *RunDB) StoreArtifact(ctx context.Context, key string, art domain.Artifact, tree string, tag string, project string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run db not initialized")
	}
	art.Key = key
	art.Tree = tree
	art.Updated = domain.FormatTime(s.now())
	body, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	labels, err := encodeLabels(art.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	if tag == "" {
		tag = repo.LatestTag
	}
	for _, t := range artifactTags(tree, tag) {
		if _, err := s.db.ExecContext(ctx, upsertArtifactQuery, project, key, t, labels, body); err != nil {
			return fmt.Errorf("upsert artifact %s/%s: %w", key, t, err)
		}
	}
	return nil
}

func artifactTags(tree, tag string) []string {
	if tree == "" || tree == tag {
		return []string{tag}
	}
	return []string{tree, tag}
}

func (s *RunDB) ReadArtifact(ctx context.Context, key string, tag string, project string) (domain.Artifact, error) {
	if s == nil || s.db == nil {
		return domain.Artifact{}, fmt.Errorf("run db not initialized")
	}
	if tag == "" {
		tag = repo.LatestTag
	}
	var body []byte
	if err := s.db.QueryRowContext(ctx, selectArtifactQuery, project, key, tag).Scan(&body); err != nil {
		err = handleNotFound(err)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Artifact{}, repo.NotFound("artifact", key)
		}
		return domain.Artifact{}, fmt.Errorf("select artifact: %w", err)
	}
	return domain.UnmarshalArtifact(body, domain.FormatJSON)
}

func (s *RunDB) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run db not initialized")
	}
	tag := filter.Tag
	if tag == "" {
		tag = repo.LatestTag
	}
	rows, err := s.db.QueryContext(ctx, selectArtifactsQuery, filter.Project, tag)
	if err != nil {
		return nil, fmt.Errorf("select artifacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Artifact
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		art, err := domain.UnmarshalArtifact(body, domain.FormatJSON)
		if err != nil {
			return nil, err
		}
		ok, err := repo.MatchArtifact(art, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, art)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *RunDB) DelArtifact(ctx context.Context, key string, tag string, project string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run db not initialized")
	}
	if tag == "" {
		tag = repo.LatestTag
	}
	res, err := s.db.ExecContext(ctx, deleteArtifactQuery, project, key, tag)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.NotFound("artifact", key)
	}
	return s.audit(ctx, auditlog.ActionArtifactDelete, project, "artifact", key, map[string]any{"tag": tag})
}

func (s *RunDB) StoreMetric(ctx context.Context, uid string, project string, points map[string]float64, ts time.Time, labels map[string]string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run db not initialized")
	}
	if ts.IsZero() {
		ts = s.now()
	}
	labelsJSON, err := encodeLabels(labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	keys := make([]string, 0, len(points))
	for k := range points {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, insertMetricQuery, project, uid, k, points[k], ts.UTC(), labelsJSON); err != nil {
			return fmt.Errorf("insert metric %s: %w", k, err)
		}
	}
	return nil
}

func (s *RunDB) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}
