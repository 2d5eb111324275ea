package runctx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/animus-labs/animus-runs/internal/artifacts"
	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/repo"
)

type storedRun struct {
	rec    domain.RunRecord
	uid    string
	commit bool
}

type fakeDB struct {
	runs    []storedRun
	metrics []map[string]float64
	failRun error
	closed  bool
}

func (f *fakeDB) StoreRun(_ context.Context, rec domain.RunRecord, uid string, _ string, commit bool) error {
	if f.failRun != nil {
		return f.failRun
	}
	f.runs = append(f.runs, storedRun{rec: rec, uid: uid, commit: commit})
	return nil
}

func (f *fakeDB) ReadRun(context.Context, string, string) (domain.RunRecord, error) {
	return domain.RunRecord{}, repo.ErrNotFound
}

func (f *fakeDB) ListRuns(context.Context, repo.RunFilter) ([]domain.RunRecord, error) {
	return nil, nil
}

func (f *fakeDB) DelRun(context.Context, string, string) error { return nil }

func (f *fakeDB) DelRuns(context.Context, repo.RunFilter) (int, error) { return 0, nil }

func (f *fakeDB) StoreArtifact(context.Context, string, domain.Artifact, string, string, string) error {
	return nil
}

func (f *fakeDB) ReadArtifact(context.Context, string, string, string) (domain.Artifact, error) {
	return domain.Artifact{}, repo.ErrNotFound
}

func (f *fakeDB) ListArtifacts(context.Context, repo.ArtifactFilter) ([]domain.Artifact, error) {
	return nil, nil
}

func (f *fakeDB) DelArtifact(context.Context, string, string, string) error { return nil }

func (f *fakeDB) StoreMetric(_ context.Context, _ string, _ string, points map[string]float64, _ time.Time, _ map[string]string) error {
	f.metrics = append(f.metrics, points)
	return nil
}

func (f *fakeDB) Close() error {
	f.closed = true
	return nil
}

func (f *fakeDB) last() storedRun {
	return f.runs[len(f.runs)-1]
}

func newRecord() domain.RunRecord {
	rec := domain.NewRunRecord("train")
	rec.Metadata.UID = "u1"
	rec.Metadata.Project = "proj"
	return rec
}

func TestNewEntersRunningWithCommittedSync(t *testing.T) {
	db := &fakeDB{}
	c, err := New(context.Background(), newRecord(), WithDB(db))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.State() != domain.RunStateRunning {
		t.Fatalf("state = %s", c.State())
	}
	if len(db.runs) != 1 || !db.runs[0].commit || db.runs[0].uid != "u1" {
		t.Fatalf("runs = %#v", db.runs)
	}
	if c.ToRecord().Status.StartTime == "" {
		t.Fatalf("start time not set")
	}
}

func TestNewAssignsUIDAndResetsStatus(t *testing.T) {
	rec := domain.NewRunRecord("x")
	rec.Status.State = domain.RunStateError
	rec.Status.Outputs["old"] = 1
	c, err := New(context.Background(), rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(c.UID()) != 32 {
		t.Fatalf("uid = %q", c.UID())
	}
	if c.State() != domain.RunStateRunning || len(c.Outputs()) != 0 {
		t.Fatalf("status not reset: %#v", c.ToRecord().Status)
	}

	kept, err := New(context.Background(), rec, WithStatus())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if kept.State() != domain.RunStateError || kept.Outputs()["old"] != 1 {
		t.Fatalf("status not kept: %#v", kept.ToRecord().Status)
	}
}

func TestGetParamFirstReadWins(t *testing.T) {
	c, _ := New(context.Background(), newRecord())
	ctx := context.Background()
	if got := c.GetParam(ctx, "lr", 0.1); got != 0.1 {
		t.Fatalf("first = %v", got)
	}
	if got := c.GetParam(ctx, "lr", 0.5); got != 0.1 {
		t.Fatalf("second = %v", got)
	}
	params := c.Parameters()
	if len(params) != 1 || params["lr"] != 0.1 {
		t.Fatalf("params = %v", params)
	}
}

func TestLogResultIdempotent(t *testing.T) {
	c, _ := New(context.Background(), newRecord())
	ctx := context.Background()
	c.LogResult(ctx, "acc", 0.9)
	c.LogResult(ctx, "acc", 0.9)
	if !reflect.DeepEqual(c.Outputs(), map[string]any{"acc": 0.9}) {
		t.Fatalf("outputs = %v", c.Outputs())
	}
	if err := c.LogResults(ctx, nil); err == nil {
		t.Fatalf("expected error for nil results")
	}
	if err := c.LogResults(ctx, map[string]any{"loss": 2.0, "steps": int64(2)}); err != nil {
		t.Fatalf("LogResults: %v", err)
	}
	if v, ok := c.Outputs()["loss"].(float64); !ok || v != 2 {
		t.Fatalf("loss = %#v", c.Outputs()["loss"])
	}
	if v, ok := c.Outputs()["steps"].(int64); !ok || v != 2 {
		t.Fatalf("steps = %#v", c.Outputs()["steps"])
	}
}

func TestGetParamKeepsDefaultType(t *testing.T) {
	c, _ := New(context.Background(), newRecord())
	ctx := context.Background()
	lr, ok := c.GetParam(ctx, "lr", 1.0).(float64)
	if !ok || lr != 1 {
		t.Fatalf("lr = %#v", c.GetParam(ctx, "lr", 1.0))
	}
	if _, ok := c.Parameters()["lr"].(float64); !ok {
		t.Fatalf("stored lr = %#v", c.Parameters()["lr"])
	}

	data, err := c.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	rec, err := domain.UnmarshalRecord(data, domain.FormatJSON)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := rec.Spec.Parameters["lr"].(float64); !ok || v != 1 {
		t.Fatalf("reloaded lr = %#v", rec.Spec.Parameters["lr"])
	}
}

func TestAutocommitWritesOnSoftSync(t *testing.T) {
	db := &fakeDB{}
	c, _ := New(context.Background(), newRecord(), WithDB(db))
	c.LogResult(context.Background(), "a", 1)
	if len(db.runs) != 1 {
		t.Fatalf("without autocommit soft sync must not write, got %d", len(db.runs))
	}

	auto := &fakeDB{}
	c2, _ := New(context.Background(), newRecord(), WithDB(auto), WithAutocommit(true))
	c2.LogResult(context.Background(), "a", 1)
	if len(auto.runs) != 2 || auto.last().commit {
		t.Fatalf("runs = %#v", auto.runs)
	}
	if auto.last().rec.Status.Outputs["a"] != 1 {
		t.Fatalf("stored outputs = %v", auto.last().rec.Status.Outputs)
	}
}

func TestErrorStateIsSticky(t *testing.T) {
	db := &fakeDB{}
	c, _ := New(context.Background(), newRecord(), WithDB(db))
	ctx := context.Background()
	c.SetState(ctx, "", "boom")
	c.SetState(ctx, domain.RunStateCompleted, "")
	rec := c.ToRecord()
	if rec.Status.State != domain.RunStateError || rec.Status.Error != "boom" {
		t.Fatalf("status = %#v", rec.Status)
	}
	c.SetState(ctx, "", "second")
	if c.ToRecord().Status.Error != "second" {
		t.Fatalf("error message not replaced")
	}
	if !db.last().commit || db.last().rec.Status.State != domain.RunStateError {
		t.Fatalf("error state not committed")
	}
}

func TestCompletedCannotGoBack(t *testing.T) {
	c, _ := New(context.Background(), newRecord())
	ctx := context.Background()
	c.SetState(ctx, domain.RunStateCompleted, "")
	c.SetState(ctx, domain.RunStateRunning, "")
	c.LogResult(ctx, "x", 1)
	if c.State() != domain.RunStateCompleted {
		t.Fatalf("state = %s", c.State())
	}
}

func TestCommitSetsMessageAndReportsStorageError(t *testing.T) {
	db := &fakeDB{}
	c, _ := New(context.Background(), newRecord(), WithDB(db))
	if err := c.Commit(context.Background(), "final"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got := db.last().rec
	if got.Status.Commit != "final" || got.Metadata.Annotations["message"] != "final" {
		t.Fatalf("commit not recorded: %#v", got)
	}

	db.failRun = errors.New("unreachable")
	c.LogResult(context.Background(), "kept", 1)
	err := c.Commit(context.Background(), "again")
	var serr *domain.StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if c.Outputs()["kept"] != 1 {
		t.Fatalf("in-memory state lost after storage failure")
	}
}

func TestTmpFileSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	c, _ := New(context.Background(), newRecord(), WithTmpFile(path))
	c.LogResult(context.Background(), "acc", 0.5)
	rec, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if rec.Status.Outputs["acc"] != 0.5 || rec.Status.State != domain.RunStateRunning {
		t.Fatalf("snapshot = %#v", rec.Status)
	}
}

func TestTmpFileFailureDoesNotPoisonState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "meta.json")
	c, err := New(context.Background(), newRecord(), WithTmpFile(path))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.LogResult(context.Background(), "acc", 1)
	if c.Outputs()["acc"] != 1 {
		t.Fatalf("outputs = %v", c.Outputs())
	}
}

func TestLogIterationResultsRequiresHeader(t *testing.T) {
	c, _ := New(context.Background(), newRecord())
	var verr *domain.ValidationError
	if err := c.LogIterationResults(context.Background(), nil, false); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	table := domain.IterationTable{{"param.a", "state", "iter"}, {1, "completed", 1}}
	if err := c.LogIterationResults(context.Background(), table, true); err != nil {
		t.Fatalf("LogIterationResults: %v", err)
	}
	table[1][0] = 99
	if got := c.ToRecord().Status.Iterations[1][0]; got != 1 {
		t.Fatalf("iterations aliased: %v", got)
	}
}

func TestLogMetricsPassThrough(t *testing.T) {
	c, _ := New(context.Background(), newRecord())
	c.LogMetric(context.Background(), "loss", 0.3, time.Time{}, nil)

	db := &fakeDB{}
	c2, _ := New(context.Background(), newRecord(), WithDB(db))
	c2.LogMetrics(context.Background(), map[string]float64{"loss": 0.3}, time.Now(), map[string]string{"step": "1"})
	if len(db.metrics) != 1 || db.metrics[0]["loss"] != 0.3 {
		t.Fatalf("metrics = %v", db.metrics)
	}
	if _, ok := c2.Outputs()["loss"]; ok {
		t.Fatalf("metrics must not be kept as outputs")
	}
}

func TestLogArtifact(t *testing.T) {
	rec := newRecord()
	rec.Spec.DefaultOutputPath = t.TempDir()
	c, _ := New(context.Background(), rec)
	ctx := context.Background()

	if _, err := c.LogArtifact(ctx, "no-such-file"); err == nil {
		t.Fatalf("expected validation error")
	}
	art, err := c.LogArtifact(ctx, "report.txt", artifacts.WithBody([]byte("ok")))
	if err != nil {
		t.Fatalf("LogArtifact: %v", err)
	}
	if art.Tree != "u1" {
		t.Fatalf("tree = %q", art.Tree)
	}
	summaries := c.ToRecord().Status.OutputArtifacts
	if len(summaries) != 1 || summaries[0].Key != "report.txt" || summaries[0].Hash == "" {
		t.Fatalf("summaries = %#v", summaries)
	}
}

func TestGetObjectJoinsInputPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.csv"), []byte("a,b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := newRecord()
	rec.Spec.DefaultInputPath = dir
	c, _ := New(context.Background(), rec)
	item, err := c.GetObject(context.Background(), "data", "data.csv")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	body, err := item.Get(context.Background())
	if err != nil || string(body) != "a,b\n" {
		t.Fatalf("body = %q, %v", body, err)
	}
	inputs := c.ToRecord().Spec.InputObjects
	if len(inputs) != 1 || inputs[0].Path != filepath.Join(dir, "data.csv") {
		t.Fatalf("inputs = %#v", inputs)
	}
}

func TestLabelsAndAnnotations(t *testing.T) {
	c, _ := New(context.Background(), newRecord())
	c.SetLabel("owner", "alice", false)
	c.SetLabel("owner", "bob", false)
	if c.Labels()["owner"] != "alice" {
		t.Fatalf("label replaced without replace flag")
	}
	c.SetLabel("owner", "bob", true)
	if c.Labels()["owner"] != "bob" {
		t.Fatalf("label not replaced")
	}
	c.SetLabel(domain.LabelWorkflow, "wf1", true)
	if c.Tag() != "wf1" {
		t.Fatalf("tag = %q", c.Tag())
	}
	c.SetAnnotation("note", "x", true)
	c.Labels()["owner"] = "mutated"
	if c.Labels()["owner"] != "bob" || c.Annotations()["note"] != "x" {
		t.Fatalf("accessors must return copies")
	}
}

func TestSecretsFromSpec(t *testing.T) {
	rec := newRecord()
	rec.Spec.SecretSources = []domain.SecretSource{{Kind: "inline", Source: map[string]any{"TOKEN": "abc"}}}
	c, err := New(context.Background(), rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v, ok := c.GetSecret("TOKEN"); !ok || v != "abc" {
		t.Fatalf("secret = %q, %v", v, ok)
	}

	rec.Spec.SecretSources = []domain.SecretSource{{Kind: "vault"}}
	if _, err := New(context.Background(), rec); err == nil {
		t.Fatalf("expected error for unknown secret kind")
	}
}

func TestRoundTripThroughEncodings(t *testing.T) {
	c, _ := New(context.Background(), newRecord())
	ctx := context.Background()
	c.GetParam(ctx, "p", 3)
	c.LogResult(ctx, "r", 0.25)
	want := c.ToRecord()
	js, err := c.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	ym, err := c.ToYAML()
	if err != nil {
		t.Fatalf("ToYAML: %v", err)
	}
	fromJSON, _ := domain.UnmarshalRecord(js, domain.FormatJSON)
	fromYAML, _ := domain.UnmarshalRecord(ym, domain.FormatYAML)
	if !reflect.DeepEqual(fromJSON, want) || !reflect.DeepEqual(fromYAML, want) {
		t.Fatalf("round trip mismatch")
	}
}

func TestFromEnv(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, "meta.json")
	t.Setenv(EnvExecConfig, `{"metadata":{"uid":"abc","iteration":2,"project":"p"},"spec":{"parameters":{"lr":0.1}}}`)
	t.Setenv(EnvTmpFile, tmp)
	t.Setenv(EnvDBPath, filepath.Join(dir, "db"))

	c, err := FromEnv(context.Background(), "job")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	defer c.Close()
	if c.UID() != "abc" || c.Iteration() != 2 || c.Name() != "job" {
		t.Fatalf("record = %#v", c.ToRecord().Metadata)
	}
	if c.GetParam(context.Background(), "lr", 1.0) != 0.1 {
		t.Fatalf("parameter not loaded")
	}
	if _, err := os.Stat(tmp); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "db", "runs", "p", "abc-2.yaml")); err != nil {
		t.Fatalf("run not stored in db: %v", err)
	}
}

func TestFromEnvFresh(t *testing.T) {
	t.Setenv(EnvExecConfig, "")
	t.Setenv(EnvTmpFile, "")
	t.Setenv(EnvDBPath, "")
	c, err := FromEnv(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.UID() == "" || c.Name() != "fresh" || c.Labels()[domain.LabelHost] == "" {
		t.Fatalf("record = %#v", c.ToRecord().Metadata)
	}
}
