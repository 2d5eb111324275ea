package runtimeexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/execution/runctx"
)

const outputTail = 2048

// SubprocessExecutor runs the job as a child process. The record travels in
// RUNS_EXEC_CONFIG and comes back through the scratch file in
// RUNS_META_TMPFILE.
type SubprocessExecutor struct {
	cfg Config
}

func (e *SubprocessExecutor) Kind() Kind { return KindLocal }

func (e *SubprocessExecutor) command(rec domain.RunRecord) (string, []string) {
	if rec.Spec.Runtime.Command != "" {
		return rec.Spec.Runtime.Command, rec.Spec.Runtime.Args
	}
	return e.cfg.Command, e.cfg.Args
}

func (e *SubprocessExecutor) Precheck(rec domain.RunRecord) error {
	if command, _ := e.command(rec); strings.TrimSpace(command) == "" {
		return domain.Validationf("local runtime requires a command")
	}
	return nil
}

func (e *SubprocessExecutor) Execute(ctx context.Context, rec domain.RunRecord) (domain.RunRecord, error) {
	if err := e.Precheck(rec); err != nil {
		return rec.Clone(), err
	}
	command, args := e.command(rec)

	spec, err := json.Marshal(rec)
	if err != nil {
		return rec.Clone(), fmt.Errorf("encode run spec: %w", err)
	}
	dir, err := os.MkdirTemp("", "runs-exec-")
	if err != nil {
		return rec.Clone(), &domain.StorageError{Op: "create scratch dir", Err: err}
	}
	defer os.RemoveAll(dir)
	tmpFile := filepath.Join(dir, "meta.json")

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = e.cfg.Dir
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.Env = append(cmd.Env,
		runctx.EnvExecConfig+"="+string(spec),
		runctx.EnvTmpFile+"="+tmpFile,
	)
	if e.cfg.DBURL != "" {
		cmd.Env = append(cmd.Env, runctx.EnvDBPath+"="+e.cfg.DBURL)
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	logger := e.cfg.Logger.With("run_id", rec.EffectiveUID(), "command", command)
	logger.Debug("starting subprocess")
	runErr := cmd.Run()
	if output.Len() > 0 {
		logger.Info("subprocess output", "output", tail(output.String()))
	}

	out, readErr := runctx.ReadSnapshot(tmpFile)
	if readErr != nil {
		if !errors.Is(readErr, os.ErrNotExist) {
			logger.Warn("read subprocess snapshot failed", "error", readErr)
		}
		out = rec.Clone()
	}
	if runErr != nil {
		msg := runErr.Error()
		if t := tail(output.String()); t != "" {
			msg += ": " + t
		}
		return out, &domain.RunExecutionError{Kind: string(KindLocal), Message: msg, Err: runErr}
	}
	return out, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > outputTail {
		s = s[len(s)-outputTail:]
	}
	return s
}
