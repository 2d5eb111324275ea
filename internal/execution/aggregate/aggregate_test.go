package aggregate

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/execution/runctx"
)

func childRun(iter int, state domain.RunState, params, outputs map[string]any) domain.RunRecord {
	rec := domain.NewRunRecord("sweep")
	rec.Metadata.UID = "parent"
	rec.Metadata.Iteration = iter
	rec.Spec.Parameters = params
	rec.Status.State = state
	if outputs != nil {
		rec.Status.Outputs = outputs
	}
	if state == domain.RunStateError {
		rec.Status.Error = "boom"
	}
	return rec
}

func fiveChildrenThirdFails() []domain.RunRecord {
	var children []domain.RunRecord
	for i := 5; i >= 1; i-- {
		state := domain.RunStateCompleted
		var out map[string]any
		if i == 3 {
			state = domain.RunStateError
		} else {
			out = map[string]any{"acc": float64(i) / 10}
		}
		children = append(children, childRun(i, state, map[string]any{"p": i}, out))
	}
	return children
}

func TestSummarizePartialFailure(t *testing.T) {
	s := Summarize(fiveChildrenThirdFails(), nil)
	if s.State() != domain.RunStateError || s.Failed != 1 {
		t.Fatalf("state=%s failed=%d", s.State(), s.Failed)
	}
	if s.ErrorMessage() != "1 tasks failed, check logs or db for details" {
		t.Fatalf("message = %q", s.ErrorMessage())
	}
	if got := s.Table.Header(); !reflect.DeepEqual(got, []string{"param.p", "output.acc", "state", "iter"}) {
		t.Fatalf("header = %v", got)
	}
	rows := s.Table.Rows()
	if len(rows) != 5 {
		t.Fatalf("rows = %d", len(rows))
	}
	stateCol, iterCol := s.Table.Column("state"), s.Table.Column("iter")
	for i, row := range rows {
		if row[iterCol] != i+1 {
			t.Fatalf("row %d iter = %v", i, row[iterCol])
		}
		want := "completed"
		if i+1 == 3 {
			want = "error"
		}
		if row[stateCol] != want {
			t.Fatalf("row %d state = %v", i, row[stateCol])
		}
	}
	if rows[2][s.Table.Column("output.acc")] != nil {
		t.Fatalf("missing output must be nil")
	}
	if !reflect.DeepEqual(s.Errors, []string{"3: boom"}) {
		t.Fatalf("errors = %v", s.Errors)
	}
}

func TestSummarizeFinalizesNonTerminal(t *testing.T) {
	children := []domain.RunRecord{
		childRun(1, domain.RunStateRunning, map[string]any{"a": 1}, nil),
		childRun(2, domain.RunStateCreated, map[string]any{"b": 2}, nil),
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)
	s := Summarize(children, func(rec *domain.RunRecord) { Finalize(rec, now) })
	if s.State() != domain.RunStateCompleted || s.ErrorMessage() != "" {
		t.Fatalf("state = %s", s.State())
	}
	for _, c := range children {
		if c.Status.State != domain.RunStateCompleted || c.Status.LastUpdate != domain.FormatTime(now) {
			t.Fatalf("child not finalized: %#v", c.Status)
		}
	}
	if got := s.Table.Header(); !reflect.DeepEqual(got, []string{"param.a", "param.b", "state", "iter"}) {
		t.Fatalf("header = %v", got)
	}
	if s.Table[1][1] != nil || s.Table[2][0] != nil {
		t.Fatalf("union columns must hold nil for missing params: %v", s.Table)
	}
}

func TestSelector(t *testing.T) {
	children := fiveChildrenThirdFails()
	sel, err := ParseSelector("max.acc")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	if got := sel.Best(children); got != 5 {
		t.Fatalf("best = %d", got)
	}
	sel, _ = ParseSelector("min.acc")
	if got := sel.Best(children); got != 1 {
		t.Fatalf("best = %d", got)
	}
	if _, err := ParseSelector("avg.acc"); err == nil {
		t.Fatalf("expected error")
	}
	empty, _ := ParseSelector("")
	if empty.Best(children) != 0 {
		t.Fatalf("empty selector picked a child")
	}
}

func TestApplyUpdatesParent(t *testing.T) {
	ctx := context.Background()
	rec := domain.NewRunRecord("sweep")
	rec.Metadata.UID = "parent"
	rec.Spec.DefaultOutputPath = t.TempDir()
	parent, err := runctx.New(ctx, rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	children := fiveChildrenThirdFails()
	s := Summarize(children, nil)
	sel, _ := ParseSelector("max.acc")
	s.Best = sel.Best(children)

	if err := Apply(ctx, parent, s, children); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	out := parent.ToRecord()
	if out.Status.State != domain.RunStateError || out.Status.Error != s.ErrorMessage() {
		t.Fatalf("parent status = %#v", out.Status)
	}
	if len(out.Status.Iterations) != 6 {
		t.Fatalf("iterations = %d", len(out.Status.Iterations))
	}
	if out.Status.Outputs["best_iteration"] != 5 || out.Status.Outputs["acc"] != 0.5 {
		t.Fatalf("outputs = %v", out.Status.Outputs)
	}
	if len(out.Status.OutputArtifacts) != 1 {
		t.Fatalf("artifacts = %#v", out.Status.OutputArtifacts)
	}
	art := out.Status.OutputArtifacts[0]
	if art.Key != ResultsKey || art.Viewer != "table" || art.Kind != domain.ArtifactKindTable || len(art.Header) != 4 {
		t.Fatalf("artifact = %#v", art)
	}
}
