// Package generator expands a base run into a batch of child runs, either
// over a hyperparameter grid or over the rows of a parameter table.
package generator

import (
	"iter"

	"github.com/animus-labs/animus-runs/internal/domain"
)

// Generator yields child records lazily. Each call to Generate starts a
// fresh sequence.
type Generator interface {
	Generate(base domain.RunRecord) iter.Seq[domain.RunRecord]
	Len() int
}

// child deep-copies base, applies params and resets the status.
func child(base domain.RunRecord, iteration int, params map[string]any) domain.RunRecord {
	rec := base.Clone()
	if rec.Spec.Parameters == nil {
		rec.Spec.Parameters = make(map[string]any, len(params))
	}
	for k, v := range params {
		rec.Spec.Parameters[k] = domain.CloneValue(v)
	}
	rec.Metadata.Iteration = iteration
	rec.Status = domain.RunStatus{State: domain.RunStateCreated}
	rec.Normalize()
	return rec
}
