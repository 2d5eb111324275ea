// Package aggregate folds the child runs of a batch into a summary table and
// the parent's final state.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/animus-runs/internal/artifacts"
	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/execution/runctx"
)

// ResultsKey is the artifact the summary table is logged under.
const ResultsKey = "iteration_results.csv"

// Summary is the roll-up of a batch.
type Summary struct {
	Table  domain.IterationTable
	Failed int
	// Errors holds "iter: message" for each failed child, in iteration order.
	Errors []string
	// Best is the iteration chosen by a Selector, 0 when none.
	Best int
}

// State is error when any child failed, completed otherwise.
func (s Summary) State() domain.RunState {
	if s.Failed > 0 {
		return domain.RunStateError
	}
	return domain.RunStateCompleted
}

func (s Summary) ErrorMessage() string {
	if s.Failed == 0 {
		return ""
	}
	return fmt.Sprintf("%d tasks failed, check logs or db for details", s.Failed)
}

// Finalize is the post-run normalization: stamp last_update and mark the run
// completed unless it failed.
func Finalize(rec *domain.RunRecord, now time.Time) {
	rec.Status.LastUpdate = domain.FormatTime(now)
	if rec.Status.State != domain.RunStateError {
		rec.Status.State = domain.RunStateCompleted
	}
}

// Summarize builds one row per child sorted by iteration. Children that are
// not terminal yet are passed through finalize first; nil uses Finalize.
// children is modified in place.
func Summarize(children []domain.RunRecord, finalize func(*domain.RunRecord)) Summary {
	if finalize == nil {
		finalize = func(rec *domain.RunRecord) { Finalize(rec, time.Now()) }
	}
	for i := range children {
		if !children[i].Status.State.IsTerminal() {
			finalize(&children[i])
		}
	}
	sorted := make([]domain.RunRecord, len(children))
	copy(sorted, children)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Metadata.Iteration < sorted[j].Metadata.Iteration
	})

	params := map[string]struct{}{}
	outputs := map[string]struct{}{}
	for _, c := range sorted {
		for k := range c.Spec.Parameters {
			params[k] = struct{}{}
		}
		for k := range c.Status.Outputs {
			outputs[k] = struct{}{}
		}
	}
	paramKeys := sortedKeys(params)
	outputKeys := sortedKeys(outputs)

	header := make([]any, 0, len(paramKeys)+len(outputKeys)+2)
	for _, k := range paramKeys {
		header = append(header, "param."+k)
	}
	for _, k := range outputKeys {
		header = append(header, "output."+k)
	}
	header = append(header, "state", "iter")

	s := Summary{Table: domain.IterationTable{header}}
	for _, c := range sorted {
		row := make([]any, 0, len(header))
		for _, k := range paramKeys {
			row = append(row, domain.CloneValue(c.Spec.Parameters[k]))
		}
		for _, k := range outputKeys {
			row = append(row, domain.CloneValue(c.Status.Outputs[k]))
		}
		row = append(row, string(c.Status.State), c.Metadata.Iteration)
		s.Table = append(s.Table, row)
		if c.Status.State == domain.RunStateError {
			s.Failed++
			s.Errors = append(s.Errors, fmt.Sprintf("%d: %s", c.Metadata.Iteration, c.Status.Error))
		}
	}
	return s
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Apply writes the summary into the parent run: the iteration table, the
// results artifact, the best child's outputs when a selector picked one, and
// the final state.
func Apply(ctx context.Context, parent *runctx.Context, s Summary, children []domain.RunRecord) error {
	for _, msg := range s.Errors {
		parent.Logger().Error("batch task failed", "task", msg)
	}
	if s.Best > 0 {
		for _, c := range children {
			if c.Metadata.Iteration != s.Best {
				continue
			}
			if err := parent.LogResults(ctx, c.Status.Outputs); err != nil {
				return err
			}
			parent.LogResult(ctx, "best_iteration", s.Best)
		}
	}
	if err := parent.LogIterationResults(ctx, s.Table, false); err != nil {
		return err
	}
	tbl, err := artifacts.NewTableFromRows(ResultsKey, s.Table, true)
	if err != nil {
		return err
	}
	if _, err := parent.LogArtifactItem(ctx, tbl); err != nil && !artifacts.IsStorageError(err) {
		return err
	}
	parent.SetState(ctx, s.State(), s.ErrorMessage())
	return nil
}

// Selector picks the best child by an output value, e.g. "max.accuracy".
type Selector struct {
	Op  string
	Key string
}

func ParseSelector(criteria string) (Selector, error) {
	criteria = strings.TrimSpace(criteria)
	if criteria == "" {
		return Selector{}, nil
	}
	op, key, ok := strings.Cut(criteria, ".")
	if !ok || key == "" || (op != "max" && op != "min") {
		return Selector{}, domain.Validationf("selector %q must be max.<output> or min.<output>", criteria)
	}
	return Selector{Op: op, Key: key}, nil
}

// Best returns the iteration of the best completed child, 0 when none has a
// numeric value for the key.
func (sel Selector) Best(children []domain.RunRecord) int {
	if sel.Key == "" {
		return 0
	}
	best, found := 0, false
	var bestVal float64
	for _, c := range children {
		if c.Status.State == domain.RunStateError {
			continue
		}
		v, ok := toFloat(c.Status.Outputs[sel.Key])
		if !ok {
			continue
		}
		if !found || (sel.Op == "max" && v > bestVal) || (sel.Op == "min" && v < bestVal) {
			best, bestVal, found = c.Metadata.Iteration, v, true
		}
	}
	return best
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	default:
		return 0, false
	}
}
