package domain

import (
	"errors"
	"strings"
)

// Artifact kinds understood by the artifact manager.
const (
	ArtifactKindFile  = ""
	ArtifactKindTable = "table"
	ArtifactKindChart = "chart"
	ArtifactKindPlot  = "plot"
	ArtifactKindModel = "model"
)

// ArtifactSummary is the artifact view embedded in status.output_artifacts.
type ArtifactSummary struct {
	Key         string   `json:"key" yaml:"key"`
	Kind        string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Tree        string   `json:"tree,omitempty" yaml:"tree,omitempty"`
	SrcPath     string   `json:"src_path,omitempty" yaml:"src_path,omitempty"`
	TargetPath  string   `json:"target_path,omitempty" yaml:"target_path,omitempty"`
	Hash        string   `json:"hash,omitempty" yaml:"hash,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Viewer      string   `json:"viewer,omitempty" yaml:"viewer,omitempty"`
	Inline      string   `json:"inline,omitempty" yaml:"inline,omitempty"`
	Format      string   `json:"format,omitempty" yaml:"format,omitempty"`
	Header      []string `json:"header,omitempty" yaml:"header,omitempty"`
	Schema      any      `json:"schema,omitempty" yaml:"schema,omitempty"`
	Size        int64    `json:"size,omitempty" yaml:"size,omitempty"`
}

// Producer identifies the run that wrote an artifact.
type Producer struct {
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind" yaml:"kind"`
	URI      string `json:"uri" yaml:"uri"`
	Owner    string `json:"owner,omitempty" yaml:"owner,omitempty"`
	Workflow string `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

// Artifact is the full descriptor registered in the artifact DB.
type Artifact struct {
	ArtifactSummary `json:",inline" yaml:",inline"`
	Labels          map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Annotations     map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	Producer        *Producer         `json:"producer,omitempty" yaml:"producer,omitempty"`
	Sources         []ObjectRef       `json:"sources,omitempty" yaml:"sources,omitempty"`
	Updated         string            `json:"updated,omitempty" yaml:"updated,omitempty"`
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.Key) == "" {
		return errors.New("artifact key is required")
	}
	if strings.TrimSpace(a.TargetPath) == "" && a.Inline == "" {
		return errors.New("artifact target path is required")
	}
	return nil
}

// Summary returns the subset embedded in run status.
func (a Artifact) Summary() ArtifactSummary {
	s := a.ArtifactSummary
	s.Header = append([]string(nil), a.Header...)
	return s
}
