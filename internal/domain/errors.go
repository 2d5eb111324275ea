package domain

import (
	"fmt"
	"strings"
)

// ValidationError aggregates input validation issues. Callers fail fast on it.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Validationf builds a single-issue ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Issues: []string{fmt.Sprintf(format, args...)}}
}

// CheckPathSegment rejects identifiers that would not stay a single segment
// of a storage path. Empty values pass; callers decide if they are required.
func CheckPathSegment(field, value string) error {
	if issue := segmentIssue(field, value); issue != "" {
		return &ValidationError{Issues: []string{issue}}
	}
	return nil
}

func segmentIssue(field, value string) string {
	if value == "." || value == ".." || strings.ContainsAny(value, "/\\\x00") {
		return fmt.Sprintf("%s %q must not contain path separators or be a dot segment", field, value)
	}
	return ""
}

// RunExecutionError reports that the job itself failed on a backend.
type RunExecutionError struct {
	Kind    string
	Message string
	Err     error
}

func (e *RunExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Kind == "" {
		return "run execution failed: " + msg
	}
	return fmt.Sprintf("run execution failed (%s): %s", e.Kind, msg)
}

func (e *RunExecutionError) Unwrap() error { return e.Err }

// StorageError reports a failed write or read against the run DB or scratch file.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "storage " + e.Op + " failed"
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
