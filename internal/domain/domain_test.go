package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func sampleRecord() RunRecord {
	rec := NewRunRecord("train")
	rec.Metadata.UID = "abc123"
	rec.Metadata.Project = "default"
	rec.Metadata.Labels["owner"] = "alice"
	rec.Spec.Parameters["lr"] = 0.1
	rec.Spec.Parameters["epochs"] = 3
	rec.Spec.Parameters["name"] = "resnet"
	rec.Spec.Parameters["nested"] = map[string]any{"depth": 2, "tags": []any{"a", "b"}}
	rec.Status.State = RunStateCompleted
	rec.Status.Outputs["accuracy"] = 0.91
	rec.Status.Outputs["ok"] = true
	rec.Status.StartTime = "2024-01-02 03:04:05.000006"
	rec.Status.Iterations = IterationTable{
		{"param.lr", "output.accuracy", "state", "iter"},
		{0.1, 0.91, "completed", 1},
		{0.2, nil, "error", 2},
	}
	rec.Status.OutputArtifacts = []ArtifactSummary{{Key: "model", TargetPath: "/tmp/model.bin", Hash: "deadbeef", Header: []string{"a"}}}
	return rec
}

func TestRecordRoundTrip(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(f), func(t *testing.T) {
			rec := sampleRecord()
			data, err := MarshalRecord(rec, f)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := UnmarshalRecord(data, f)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, rec) {
				t.Fatalf("round trip mismatch\n got: %#v\nwant: %#v", got, rec)
			}
		})
	}
}

func TestUnmarshalNormalizesNumbers(t *testing.T) {
	data := []byte(`{"metadata":{"uid":"u"},"spec":{"parameters":{"a":1,"b":2.5,"c":3.0}},"status":{"state":"running"}}`)
	rec, err := UnmarshalRecord(data, FormatJSON)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := rec.Spec.Parameters["a"].(int); !ok || v != 1 {
		t.Fatalf("a = %#v", rec.Spec.Parameters["a"])
	}
	if v, ok := rec.Spec.Parameters["b"].(float64); !ok || v != 2.5 {
		t.Fatalf("b = %#v", rec.Spec.Parameters["b"])
	}
	if v, ok := rec.Spec.Parameters["c"].(float64); !ok || v != 3 {
		t.Fatalf("c = %#v", rec.Spec.Parameters["c"])
	}
	if rec.Metadata.Labels == nil || rec.Status.Outputs == nil {
		t.Fatalf("expected maps to be initialized")
	}
}

func TestIntegralFloatsSurviveRoundTrip(t *testing.T) {
	rec := sampleRecord()
	rec.Spec.Parameters["lr"] = 2.0
	rec.Spec.Parameters["grid"] = []any{1.0, 0.5, 3}
	rec.Status.Outputs["loss"] = 0.0
	rec.Status.Outputs["big"] = 1e21
	rec.Status.Iterations[1][0] = 1.0

	encoders := map[string]func(RunRecord) ([]byte, Format, error){
		"json": func(r RunRecord) ([]byte, Format, error) {
			b, err := MarshalRecord(r, FormatJSON)
			return b, FormatJSON, err
		},
		"yaml": func(r RunRecord) ([]byte, Format, error) {
			b, err := MarshalRecord(r, FormatYAML)
			return b, FormatYAML, err
		},
		"json.Marshal": func(r RunRecord) ([]byte, Format, error) {
			b, err := json.Marshal(r)
			return b, FormatJSON, err
		},
	}
	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			data, f, err := encode(rec)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := UnmarshalRecord(data, f)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, rec) {
				t.Fatalf("round trip mismatch\n got: %#v\nwant: %#v", got, rec)
			}
		})
	}
	if _, ok := rec.Spec.Parameters["lr"].(float64); !ok {
		t.Fatalf("marshal changed the source record: %#v", rec.Spec.Parameters["lr"])
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	rec := sampleRecord()
	cp := rec.Clone()

	cp.Metadata.Labels["owner"] = "bob"
	cp.Spec.Parameters["lr"] = 0.5
	cp.Spec.Parameters["nested"].(map[string]any)["depth"] = 9
	cp.Status.Iterations[1][0] = 99
	cp.Status.OutputArtifacts[0].Header[0] = "z"

	if rec.Metadata.Labels["owner"] != "alice" {
		t.Fatalf("labels aliased")
	}
	if rec.Spec.Parameters["lr"] != 0.1 {
		t.Fatalf("parameters aliased")
	}
	if rec.Spec.Parameters["nested"].(map[string]any)["depth"] != 2 {
		t.Fatalf("nested parameters aliased")
	}
	if rec.Status.Iterations[1][0] != 0.1 {
		t.Fatalf("iterations aliased")
	}
	if rec.Status.OutputArtifacts[0].Header[0] != "a" {
		t.Fatalf("artifact header aliased")
	}
}

func TestEffectiveUID(t *testing.T) {
	if got := EffectiveUID("x", 0); got != "x" {
		t.Fatalf("got %q", got)
	}
	if got := EffectiveUID("x", 3); got != "x-3" {
		t.Fatalf("got %q", got)
	}
}

func TestCanTransitionRunState(t *testing.T) {
	tests := []struct {
		from, to RunState
		want     bool
	}{
		{RunStateCreated, RunStateRunning, true},
		{RunStateRunning, RunStateCompleted, true},
		{RunStateCreated, RunStateError, true},
		{RunStateRunning, RunStateCreated, false},
		{RunStateCompleted, RunStateRunning, false},
		{RunStateError, RunStateCompleted, false},
		{RunStateError, RunStateError, true},
		{RunStateCompleted, RunStateError, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransitionRunState(tt.from, tt.to); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	base := errors.New("disk full")
	var err error = fmt.Errorf("sync: %w", &StorageError{Op: "write", Err: base})

	var serr *StorageError
	if !errors.As(err, &serr) || serr.Op != "write" {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause")
	}

	verr := &ValidationError{}
	if verr.OrNil() != nil {
		t.Fatalf("empty validation error should be nil")
	}
	verr.Add("")
	verr.Add("x is required")
	if verr.OrNil() == nil || len(verr.Issues) != 1 {
		t.Fatalf("unexpected issues: %v", verr.Issues)
	}

	rerr := &RunExecutionError{Kind: "local", Err: base}
	if rerr.Error() != "run execution failed (local): disk full" {
		t.Fatalf("got %q", rerr.Error())
	}
}

func TestRecordValidate(t *testing.T) {
	rec := NewRunRecord("x")
	if err := rec.Validate(); err == nil {
		t.Fatalf("expected error for missing uid")
	}
	rec.Metadata.UID = "u"
	if err := rec.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.Status.State = "bogus"
	var verr *ValidationError
	if err := rec.Validate(); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	for _, tt := range []struct{ uid, project string }{
		{"../u", "default"},
		{"u", "../../tmp/x"},
		{"u", `a\b`},
		{"..", ""},
		{"u", "."},
	} {
		rec := NewRunRecord("x")
		rec.Metadata.UID = tt.uid
		rec.Metadata.Project = tt.project
		if err := rec.Validate(); !errors.As(err, &verr) {
			t.Fatalf("uid=%q project=%q: expected ValidationError, got %v", tt.uid, tt.project, err)
		}
	}
}
