package generator

import (
	"errors"
	"reflect"
	"testing"

	"github.com/animus-labs/animus-runs/internal/domain"
)

func baseRecord() domain.RunRecord {
	rec := domain.NewRunRecord("sweep")
	rec.Metadata.UID = "base"
	rec.Spec.Parameters["a"] = 1
	rec.Spec.Parameters["nested"] = map[string]any{"k": "v"}
	rec.Status.State = domain.RunStateRunning
	rec.Status.Outputs["stale"] = 1
	return rec
}

func collect(g Generator, base domain.RunRecord) []domain.RunRecord {
	var out []domain.RunRecord
	for rec := range g.Generate(base) {
		out = append(out, rec)
	}
	return out
}

func TestGridOrderFirstParamFastest(t *testing.T) {
	g, err := NewGrid([]Hyperparam{
		{Name: "b", Values: []any{1, 2}},
		{Name: "c", Values: []any{10, 20}},
	})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	children := collect(g, baseRecord())
	want := [][2]int{{1, 10}, {2, 10}, {1, 20}, {2, 20}}
	if len(children) != len(want) || g.Len() != 4 {
		t.Fatalf("got %d children, Len=%d", len(children), g.Len())
	}
	for i, rec := range children {
		p := rec.Spec.Parameters
		if p["a"] != 1 || p["b"] != want[i][0] || p["c"] != want[i][1] {
			t.Fatalf("child %d params = %v", i, p)
		}
		if rec.Metadata.Iteration != i+1 {
			t.Fatalf("child %d iteration = %d", i, rec.Metadata.Iteration)
		}
		if rec.Status.State != domain.RunStateCreated || len(rec.Status.Outputs) != 0 {
			t.Fatalf("child %d status not reset: %#v", i, rec.Status)
		}
	}
}

func TestGridIndexFormula(t *testing.T) {
	params := []Hyperparam{
		{Name: "x", Values: []any{"a", "b", "c"}},
		{Name: "y", Values: []any{1, 2}},
		{Name: "z", Values: []any{true, false, nil, 4.5}},
	}
	g, err := NewGrid(params)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	children := collect(g, baseRecord())
	if len(children) != 3*2*4 {
		t.Fatalf("got %d children", len(children))
	}
	for i, rec := range children {
		prefix := 1
		for _, p := range params {
			want := p.Values[(i/prefix)%len(p.Values)]
			if got := rec.Spec.Parameters[p.Name]; got != want {
				t.Fatalf("child %d %s = %v, want %v", i, p.Name, got, want)
			}
			prefix *= len(p.Values)
		}
	}
}

func TestGridValidation(t *testing.T) {
	tests := []struct {
		name   string
		params []Hyperparam
	}{
		{"none", nil},
		{"empty list", []Hyperparam{{Name: "a", Values: []any{1}}, {Name: "b"}}},
		{"no name", []Hyperparam{{Values: []any{1}}}},
		{"duplicate", []Hyperparam{{Name: "a", Values: []any{1}}, {Name: "a", Values: []any{2}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGrid(tt.params)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestChildrenDoNotAlias(t *testing.T) {
	g, _ := NewGrid([]Hyperparam{{Name: "b", Values: []any{1, 2}}})
	base := baseRecord()
	children := collect(g, base)
	children[0].Spec.Parameters["nested"].(map[string]any)["k"] = "changed"
	children[0].Metadata.Labels["x"] = "y"
	if children[1].Spec.Parameters["nested"].(map[string]any)["k"] != "v" {
		t.Fatalf("children share nested parameters")
	}
	if base.Spec.Parameters["nested"].(map[string]any)["k"] != "v" || len(base.Metadata.Labels) != 0 {
		t.Fatalf("base mutated")
	}
	if _, ok := base.Spec.Parameters["b"]; ok {
		t.Fatalf("base parameters mutated")
	}
}

func TestGenerateIsLazyAndRestartable(t *testing.T) {
	g, _ := NewGrid([]Hyperparam{{Name: "b", Values: []any{1, 2, 3}}})
	n := 0
	for range g.Generate(baseRecord()) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("early stop yielded %d", n)
	}
	if got := len(collect(g, baseRecord())); got != 3 {
		t.Fatalf("restart yielded %d", got)
	}
}

func TestParseGridKeepsOrder(t *testing.T) {
	params, err := ParseGrid([]byte("zeta: [1, 2]\nalpha: [0.5, 1.5]\nmid: [x]\n"))
	if err != nil {
		t.Fatalf("ParseGrid: %v", err)
	}
	var names []string
	for _, p := range params {
		names = append(names, p.Name)
	}
	if !reflect.DeepEqual(names, []string{"zeta", "alpha", "mid"}) {
		t.Fatalf("names = %v", names)
	}
	if !reflect.DeepEqual(params[1].Values, []any{0.5, 1.5}) {
		t.Fatalf("alpha = %#v", params[1].Values)
	}

	jsonParams, err := ParseGrid([]byte(`{"b": [1, 2], "a": ["x"]}`))
	if err != nil {
		t.Fatalf("ParseGrid json: %v", err)
	}
	if jsonParams[0].Name != "b" || jsonParams[0].Values[1] != 2 {
		t.Fatalf("json params = %#v", jsonParams)
	}

	if _, err := ParseGrid([]byte("- 1\n- 2\n")); err == nil {
		t.Fatalf("expected error for non-mapping")
	}
}

func TestParseGridFlags(t *testing.T) {
	params, err := ParseGridFlags([]string{"lr=0.1,0.01", "opt=adam,sgd", "deep=true"})
	if err != nil {
		t.Fatalf("ParseGridFlags: %v", err)
	}
	want := []Hyperparam{
		{Name: "lr", Values: []any{0.1, 0.01}},
		{Name: "opt", Values: []any{"adam", "sgd"}},
		{Name: "deep", Values: []any{true}},
	}
	if !reflect.DeepEqual(params, want) {
		t.Fatalf("got %#v", params)
	}
	if _, err := ParseGridFlags([]string{"novalue"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTableGenerator(t *testing.T) {
	tbl, err := NewTable([]byte("lr,epochs,tag\n0.1,3,a\n0.2,,b\n"))
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	children := collect(tbl, baseRecord())
	if len(children) != 2 || tbl.Len() != 2 {
		t.Fatalf("got %d children", len(children))
	}
	first := children[0].Spec.Parameters
	if first["lr"] != 0.1 || first["epochs"] != 3 || first["tag"] != "a" || first["a"] != 1 {
		t.Fatalf("first = %v", first)
	}
	if v, ok := children[1].Spec.Parameters["epochs"]; !ok || v != nil {
		t.Fatalf("empty cell = %#v", v)
	}
	if children[1].Metadata.Iteration != 2 {
		t.Fatalf("iteration = %d", children[1].Metadata.Iteration)
	}
}

func TestTableValidation(t *testing.T) {
	for _, data := range []string{"", "a,b\n1\n", "a,,c\n1,2,3\n"} {
		_, err := NewTable([]byte(data))
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("NewTable(%q): expected ValidationError, got %v", data, err)
		}
	}
	if _, err := NewTableFromRows([]string{"a"}, [][]any{{1, 2}}); err == nil {
		t.Fatalf("expected ragged row error")
	}
}

func TestParseScalar(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", nil},
		{"7", 7},
		{"-2.5", -2.5},
		{"TRUE", true},
		{"false", false},
		{"adam", "adam"},
	}
	for _, tt := range tests {
		if got := ParseScalar(tt.in); got != tt.want {
			t.Fatalf("ParseScalar(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}
