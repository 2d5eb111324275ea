package domain

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the wire format of status timestamps.
const TimeLayout = "2006-01-02 15:04:05.000000"

// Well-known label keys.
const (
	LabelOwner    = "owner"
	LabelHost     = "host"
	LabelRuntime  = "runtime"
	LabelWorkflow = "workflow"
)

// RunRecord is the canonical representation of one execution.
type RunRecord struct {
	Metadata RunMetadata `json:"metadata" yaml:"metadata"`
	Spec     RunSpec     `json:"spec" yaml:"spec"`
	Status   RunStatus   `json:"status" yaml:"status"`
}

type RunMetadata struct {
	Name        string            `json:"name" yaml:"name"`
	UID         string            `json:"uid" yaml:"uid"`
	Iteration   int               `json:"iteration" yaml:"iteration"`
	Project     string            `json:"project" yaml:"project"`
	Labels      map[string]string `json:"labels" yaml:"labels"`
	Annotations map[string]string `json:"annotations" yaml:"annotations"`
}

// Runtime describes which backend runs the job and how it is invoked.
type Runtime struct {
	Kind    string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Handler string   `json:"handler,omitempty" yaml:"handler,omitempty"`
}

// ObjectRef maps a logical key to a physical path.
type ObjectRef struct {
	Key  string `json:"key" yaml:"key"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// SecretSource names one place secrets are read from.
type SecretSource struct {
	Kind   string `json:"kind" yaml:"kind"`
	Source any    `json:"source,omitempty" yaml:"source,omitempty"`
}

type RunSpec struct {
	Runtime           Runtime        `json:"runtime" yaml:"runtime"`
	LogLevel          string         `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Parameters        map[string]any `json:"parameters" yaml:"parameters"`
	InputObjects      []ObjectRef    `json:"input_objects,omitempty" yaml:"input_objects,omitempty"`
	OutputArtifacts   []ObjectRef    `json:"output_artifacts,omitempty" yaml:"output_artifacts,omitempty"`
	DefaultInputPath  string         `json:"default_input_path,omitempty" yaml:"default_input_path,omitempty"`
	DefaultOutputPath string         `json:"default_output_path,omitempty" yaml:"default_output_path,omitempty"`
	SecretSources     []SecretSource `json:"secret_sources,omitempty" yaml:"secret_sources,omitempty"`
}

type RunStatus struct {
	State           RunState          `json:"state" yaml:"state"`
	Outputs         map[string]any    `json:"outputs" yaml:"outputs"`
	OutputArtifacts []ArtifactSummary `json:"output_artifacts,omitempty" yaml:"output_artifacts,omitempty"`
	StartTime       string            `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	LastUpdate      string            `json:"last_update,omitempty" yaml:"last_update,omitempty"`
	Error           string            `json:"error,omitempty" yaml:"error,omitempty"`
	Commit          string            `json:"commit,omitempty" yaml:"commit,omitempty"`
	Iterations      IterationTable    `json:"iterations,omitempty" yaml:"iterations,omitempty"`
}

// NewRunRecord returns a record with empty, non-nil maps and state created.
func NewRunRecord(name string) RunRecord {
	return RunRecord{
		Metadata: RunMetadata{
			Name:        name,
			Labels:      map[string]string{},
			Annotations: map[string]string{},
		},
		Spec: RunSpec{
			Parameters: map[string]any{},
		},
		Status: RunStatus{
			State:   RunStateCreated,
			Outputs: map[string]any{},
		},
	}
}

// EffectiveUID is the id a record is stored under: batch children get the iteration suffix.
func (r RunRecord) EffectiveUID() string {
	return EffectiveUID(r.Metadata.UID, r.Metadata.Iteration)
}

func EffectiveUID(uid string, iteration int) string {
	if iteration > 0 {
		return fmt.Sprintf("%s-%d", uid, iteration)
	}
	return uid
}

// Validate checks the fields every persisted record needs.
func (r RunRecord) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(r.Metadata.UID) == "" {
		verr.Add("metadata.uid is required")
	}
	if r.Metadata.Iteration < 0 {
		verr.Add("metadata.iteration must be >= 0")
	}
	verr.Add(segmentIssue("metadata.uid", r.Metadata.UID))
	verr.Add(segmentIssue("metadata.project", r.Metadata.Project))
	if r.Status.State != "" && NormalizeRunState(string(r.Status.State)) == "" {
		verr.Add(fmt.Sprintf("status.state %q is not a known state", r.Status.State))
	}
	return verr.OrNil()
}

// Normalize fills nil maps so encoders emit {} instead of null.
func (r *RunRecord) Normalize() {
	if r.Metadata.Labels == nil {
		r.Metadata.Labels = map[string]string{}
	}
	if r.Metadata.Annotations == nil {
		r.Metadata.Annotations = map[string]string{}
	}
	if r.Spec.Parameters == nil {
		r.Spec.Parameters = map[string]any{}
	}
	if r.Status.Outputs == nil {
		r.Status.Outputs = map[string]any{}
	}
	if r.Status.State == "" {
		r.Status.State = RunStateCreated
	}
}

// FormatTime renders t in the record timestamp layout.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// ParseTime parses a record timestamp in the local time zone.
func ParseTime(value string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, strings.TrimSpace(value), time.Local)
}
