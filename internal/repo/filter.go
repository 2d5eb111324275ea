package repo

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/animus-runs/internal/domain"
)

// MatchLabels evaluates every condition against labels.
//
//	k      label present and non-empty
//	k=v    equal
//	k!=v   not equal
//	k~=v   value contains v
func MatchLabels(labels map[string]string, conditions []string) (bool, error) {
	for _, cond := range conditions {
		cond = strings.TrimSpace(cond)
		if cond == "" {
			continue
		}
		var ok bool
		switch {
		case strings.Contains(cond, "~="):
			have, want, err := splitCondition(labels, cond, "~=")
			if err != nil {
				return false, err
			}
			ok = strings.Contains(have, want)
		case strings.Contains(cond, "!="):
			have, want, err := splitCondition(labels, cond, "!=")
			if err != nil {
				return false, err
			}
			ok = have != want
		case strings.Contains(cond, "="):
			have, want, err := splitCondition(labels, cond, "=")
			if err != nil {
				return false, err
			}
			ok = have == want
		default:
			ok = labels[cond] != ""
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func splitCondition(labels map[string]string, cond string, op string) (string, string, error) {
	parts := strings.Split(cond, op)
	if len(parts) != 2 {
		return "", "", domain.Validationf("illegal label condition %q", cond)
	}
	return labels[strings.TrimSpace(parts[0])], strings.TrimSpace(parts[1]), nil
}

// SplitLabels accepts a comma separated condition list.
func SplitLabels(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// MatchRun applies name (substring), labels and state. Deletion callers pass exactName.
func MatchRun(rec domain.RunRecord, f RunFilter, exactName bool) (bool, error) {
	if f.Name != "" {
		if exactName && rec.Metadata.Name != f.Name {
			return false, nil
		}
		if !exactName && !strings.Contains(rec.Metadata.Name, f.Name) {
			return false, nil
		}
	}
	if f.State != "" && rec.Status.State != f.State {
		return false, nil
	}
	return MatchLabels(rec.Metadata.Labels, f.Labels)
}

// StartedBefore reports whether the record's start_time precedes cutoff.
// Records without a parseable start time never match.
func StartedBefore(rec domain.RunRecord, cutoff time.Time) bool {
	t, err := domain.ParseTime(rec.Status.StartTime)
	if err != nil {
		return false
	}
	return t.Before(cutoff)
}

// ValidateDelete rejects filters that would delete every run.
func ValidateDelete(f RunFilter) error {
	if f.Name == "" && f.State == "" && f.DaysAgo <= 0 {
		return ErrFilterTooWide
	}
	return nil
}

// MatchDelete combines MatchRun (exact name) with the DaysAgo cutoff.
func MatchDelete(rec domain.RunRecord, f RunFilter, now time.Time) (bool, error) {
	ok, err := MatchRun(rec, f, true)
	if err != nil || !ok {
		return false, err
	}
	if f.DaysAgo > 0 && !StartedBefore(rec, now.AddDate(0, 0, -f.DaysAgo)) {
		return false, nil
	}
	return true, nil
}

// SortAndTruncate orders newest start_time first and applies Last.
func SortAndTruncate(runs []domain.RunRecord, last int) []domain.RunRecord {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].Status.StartTime > runs[j].Status.StartTime
	})
	if last == 0 {
		last = DefaultLast
	}
	if last > 0 && len(runs) > last {
		runs = runs[:last]
	}
	return runs
}

// MatchArtifact applies the name substring and label conditions.
func MatchArtifact(art domain.Artifact, f ArtifactFilter) (bool, error) {
	if f.Name != "" && !strings.Contains(art.Key, f.Name) {
		return false, nil
	}
	return MatchLabels(art.Labels, f.Labels)
}

// NotFound wraps ErrNotFound with the missing object's description.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}
