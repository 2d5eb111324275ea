package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/execution/runctx"
	"github.com/animus-labs/animus-runs/internal/jobs/trainer"
	"github.com/animus-labs/animus-runs/internal/platform/logging"
	"github.com/animus-labs/animus-runs/internal/repo"
	"github.com/animus-labs/animus-runs/internal/repo/filedb"
	"github.com/animus-labs/animus-runs/internal/runtimeexec"
	"github.com/animus-labs/animus-runs/internal/storage/objectstore"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWithDB(t, nil)
}

func newTestServerWithDB(t *testing.T, db repo.RunDB) *httptest.Server {
	t.Helper()
	registry := runtimeexec.NewRegistry()
	registry.Register(trainer.Name, trainer.Train)
	registry.Register("echo", func(ctx context.Context, rc *runctx.Context) error {
		rc.Logger().Info("echo called", "x", rc.GetParam(ctx, "x", 0))
		rc.LogResult(ctx, "x", rc.GetParam(ctx, "x", 0))
		return nil
	})
	registry.Register("boom", func(ctx context.Context, rc *runctx.Context) error {
		rc.LogResult(ctx, "partial", 1)
		return errors.New("boom")
	})

	api := newFunctionAPI(logging.Discard(), registry, "echo", db, objectstore.NewResolver(nil))
	api.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	mux := http.NewServeMux()
	api.register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func invoke(t *testing.T, url string, rec domain.RunRecord, level string) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, url+"/", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set(runtimeexec.HeaderLogLevel, level)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp, buf.Bytes()
}

func TestInvokeCompletes(t *testing.T) {
	srv := newTestServer(t)
	rec := domain.NewRunRecord("echo")
	rec.Metadata.UID = "u1"
	rec.Spec.Parameters["x"] = 7

	resp, body := invoke(t, srv.URL, rec, "debug")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	out, err := domain.UnmarshalRecord(body, domain.FormatJSON)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status.State != domain.RunStateCompleted || out.Status.Outputs["x"] != 7 {
		t.Fatalf("status = %+v", out.Status)
	}
	if out.Status.LastUpdate == "" {
		t.Fatalf("last_update not set")
	}

	lines, err := runtimeexec.ParseLogs(resp.Header.Get(runtimeexec.HeaderLogs))
	if err != nil {
		t.Fatalf("ParseLogs: %v", err)
	}
	found := false
	for _, l := range lines {
		if l.Message == "echo called" {
			found = true
		}
	}
	if !found {
		t.Fatalf("captured logs = %+v", lines)
	}
}

func TestInvokeHandlerFailureKeepsOutputs(t *testing.T) {
	srv := newTestServer(t)
	rec := domain.NewRunRecord("boom")
	rec.Metadata.UID = "u2"
	rec.Spec.Runtime.Handler = "boom"

	resp, body := invoke(t, srv.URL, rec, "info")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	out, err := domain.UnmarshalRecord(body, domain.FormatJSON)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status.State != domain.RunStateError || out.Status.Error != "boom" {
		t.Fatalf("status = %+v", out.Status)
	}
	if out.Status.Outputs["partial"] != 1 {
		t.Fatalf("outputs = %v", out.Status.Outputs)
	}
}

func TestInvokeRejectsBadInput(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	rec := domain.NewRunRecord("echo")
	rec.Metadata.Iteration = -1
	resp, body := invoke(t, srv.URL, rec, "info")
	if resp.StatusCode != http.StatusBadRequest || !bytes.Contains(body, []byte("invalid_record")) {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
}

func TestInvokeJobParameterErrorIsRunState(t *testing.T) {
	srv := newTestServer(t)
	rec := domain.NewRunRecord("train")
	rec.Metadata.UID = "u8"
	rec.Spec.Runtime.Handler = trainer.Name
	rec.Spec.Parameters["lr"] = -1
	resp, body := invoke(t, srv.URL, rec, "info")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	out, err := domain.UnmarshalRecord(body, domain.FormatJSON)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status.State != domain.RunStateError || !strings.Contains(out.Status.Error, "lr must be positive") {
		t.Fatalf("status = %+v", out.Status)
	}
}

func TestInvokeRejectsPathLikeIdentifiers(t *testing.T) {
	dir := t.TempDir()
	db, err := filedb.NewLocal(filepath.Join(dir, "db"), domain.FormatYAML)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	srv := newTestServerWithDB(t, db)

	tests := []struct {
		name    string
		project string
		uid     string
	}{
		{"project escapes", "../../escape", "u9"},
		{"uid escapes", "default", "../../../escape"},
		{"backslash", `..\escape`, "u9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := domain.NewRunRecord("echo")
			rec.Metadata.UID = tt.uid
			rec.Metadata.Project = tt.project
			resp, body := invoke(t, srv.URL, rec, "info")
			if resp.StatusCode != http.StatusBadRequest || !bytes.Contains(body, []byte("invalid_record")) {
				t.Fatalf("status = %d body=%s", resp.StatusCode, body)
			}
		})
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "db" {
			t.Fatalf("unexpected entry %q next to the db root", e.Name())
		}
	}
}

func TestRemoteExecutorAgainstFunctionHost(t *testing.T) {
	srv := newTestServer(t)
	exec, err := runtimeexec.New(runtimeexec.KindRemote, runtimeexec.Config{URL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ok := domain.NewRunRecord("echo")
	ok.Metadata.UID = "u3"
	ok.Spec.Parameters["x"] = 3
	fail := ok.Clone()
	fail.Metadata.UID = "u4"
	fail.Spec.Runtime.Handler = "boom"

	out, err := exec.Execute(context.Background(), ok)
	if err != nil || out.Status.Outputs["x"] != 3 {
		t.Fatalf("out = %+v err = %v", out.Status, err)
	}
	out, err = exec.Execute(context.Background(), fail)
	var rerr *domain.RunExecutionError
	if !errors.As(err, &rerr) || rerr.Message != "boom" {
		t.Fatalf("expected RunExecutionError, got %v", err)
	}
	if out.Status.State != domain.RunStateError {
		t.Fatalf("state = %s", out.Status.State)
	}
}

func TestListHandlers(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/handlers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Handlers []string `json:"handlers"`
		Default  string   `json:"default"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Default != "echo" || len(body.Handlers) != 3 {
		t.Fatalf("body = %+v", body)
	}
}
