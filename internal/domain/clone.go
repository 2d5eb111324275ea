package domain

// Clone returns a deep copy; the result shares no maps or slices with r.
func (r RunRecord) Clone() RunRecord {
	out := r
	out.Metadata.Labels = cloneStrings(r.Metadata.Labels)
	out.Metadata.Annotations = cloneStrings(r.Metadata.Annotations)

	out.Spec.Runtime.Args = append([]string(nil), r.Spec.Runtime.Args...)
	out.Spec.Parameters = CloneMap(r.Spec.Parameters)
	out.Spec.InputObjects = append([]ObjectRef(nil), r.Spec.InputObjects...)
	out.Spec.OutputArtifacts = append([]ObjectRef(nil), r.Spec.OutputArtifacts...)
	if r.Spec.SecretSources != nil {
		out.Spec.SecretSources = make([]SecretSource, len(r.Spec.SecretSources))
		for i, src := range r.Spec.SecretSources {
			out.Spec.SecretSources[i] = SecretSource{Kind: src.Kind, Source: CloneValue(src.Source)}
		}
	}

	out.Status.Outputs = CloneMap(r.Status.Outputs)
	if r.Status.OutputArtifacts != nil {
		out.Status.OutputArtifacts = make([]ArtifactSummary, len(r.Status.OutputArtifacts))
		for i, a := range r.Status.OutputArtifacts {
			a.Header = append([]string(nil), a.Header...)
			a.Schema = CloneValue(a.Schema)
			out.Status.OutputArtifacts[i] = a
		}
	}
	if r.Status.Iterations != nil {
		out.Status.Iterations = make(IterationTable, len(r.Status.Iterations))
		for i, row := range r.Status.Iterations {
			cp := make([]any, len(row))
			for j, cell := range row {
				cp[j] = CloneValue(cell)
			}
			out.Status.Iterations[i] = cp
		}
	}
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case map[string]string:
		return cloneStrings(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = CloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
