package domain

import "strings"

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunStateCreated   RunState = "created"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateError     RunState = "error"
)

// NormalizeRunState maps free-form status values to canonical run states.
func NormalizeRunState(value string) RunState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStateCreated), "pending":
		return RunStateCreated
	case string(RunStateRunning):
		return RunStateRunning
	case string(RunStateCompleted), "succeeded":
		return RunStateCompleted
	case string(RunStateError), "failed":
		return RunStateError
	default:
		return ""
	}
}

// IsTerminal reports whether no further transitions are expected.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateError
}

// CanTransitionRunState enforces created -> running -> {completed | error}.
// Error is reachable from any state and can never be left.
func CanTransitionRunState(current, next RunState) bool {
	if current == "" || next == "" {
		return false
	}
	if current == RunStateError {
		return next == RunStateError
	}
	if next == RunStateError || current == next {
		return true
	}
	return runStateOrder(current) < runStateOrder(next)
}

func runStateOrder(state RunState) int {
	switch state {
	case RunStateCreated:
		return 1
	case RunStateRunning:
		return 2
	case RunStateCompleted, RunStateError:
		return 3
	default:
		return 0
	}
}
