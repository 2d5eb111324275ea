package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the serialization of a persisted record.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml or yml; empty means yaml.
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", Validationf("unsupported format %q", value)
	}
}

func (f Format) Ext() string {
	if f == FormatJSON {
		return "json"
	}
	return "yaml"
}

// Marshal encodes any value in format f.
func Marshal(v any, f Format) ([]byte, error) {
	if f == FormatJSON {
		return json.MarshalIndent(v, "", "  ")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalRecord encodes a record after filling nil maps.
func MarshalRecord(rec RunRecord, f Format) ([]byte, error) {
	rec.Normalize()
	out, err := Marshal(rec, f)
	if err != nil {
		return nil, fmt.Errorf("encode run %s: %w", rec.EffectiveUID(), err)
	}
	return out, nil
}

// UnmarshalRecord decodes a record in format f. Numbers without a fraction or
// exponent come back as int, everything else as float64.
func UnmarshalRecord(data []byte, f Format) (RunRecord, error) {
	var rec RunRecord
	if err := Unmarshal(data, f, &rec); err != nil {
		return RunRecord{}, err
	}
	rec.Spec.Parameters = NormalizeMap(rec.Spec.Parameters)
	rec.Status.Outputs = NormalizeMap(rec.Status.Outputs)
	for i, row := range rec.Status.Iterations {
		for j, cell := range row {
			rec.Status.Iterations[i][j] = NormalizeValue(cell)
		}
	}
	for i := range rec.Spec.SecretSources {
		rec.Spec.SecretSources[i].Source = NormalizeValue(rec.Spec.SecretSources[i].Source)
	}
	for i := range rec.Status.OutputArtifacts {
		rec.Status.OutputArtifacts[i].Schema = NormalizeValue(rec.Status.OutputArtifacts[i].Schema)
	}
	rec.Normalize()
	return rec, nil
}

// Unmarshal decodes data into v. JSON numbers land in `any` fields as json.Number.
func Unmarshal(data []byte, f Format, v any) error {
	if f == FormatJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// UnmarshalArtifact decodes an artifact descriptor.
func UnmarshalArtifact(data []byte, f Format) (Artifact, error) {
	var a Artifact
	if err := Unmarshal(data, f, &a); err != nil {
		return Artifact{}, err
	}
	a.Schema = NormalizeValue(a.Schema)
	return a, nil
}

func NormalizeMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	for k, v := range in {
		in[k] = NormalizeValue(v)
	}
	return in
}

// NormalizeValue converts decoder-specific scalar types to int, float64, bool or string.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.Atoi(t.String()); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case float32:
		return float64(t)
	case int64:
		return int(t)
	case int32:
		return int(t)
	case uint64:
		return int(t)
	case map[string]any:
		return NormalizeMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = NormalizeValue(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = NormalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}

// recordFields has the fields of RunRecord without its marshal methods.
type recordFields RunRecord

// MarshalJSON writes integral float values with a fraction so they decode
// back as float64.
func (r RunRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordFields(r.markFloats()))
}

func (r RunRecord) MarshalYAML() (any, error) {
	return recordFields(r.markFloats()), nil
}

func (r RunRecord) markFloats() RunRecord {
	out := r.Clone()
	for k, v := range out.Spec.Parameters {
		out.Spec.Parameters[k] = markFloat(v)
	}
	for k, v := range out.Status.Outputs {
		out.Status.Outputs[k] = markFloat(v)
	}
	for _, row := range out.Status.Iterations {
		for j, cell := range row {
			row[j] = markFloat(cell)
		}
	}
	for i, src := range out.Spec.SecretSources {
		out.Spec.SecretSources[i].Source = markFloat(src.Source)
	}
	for i, a := range out.Status.OutputArtifacts {
		out.Status.OutputArtifacts[i].Schema = markFloat(a.Schema)
	}
	return out
}

func markFloat(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return wholeFloat(t)
		}
		return t
	case float32:
		return markFloat(float64(t))
	case map[string]any:
		for k, val := range t {
			t[k] = markFloat(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = markFloat(t[i])
		}
		return t
	default:
		return v
	}
}

// wholeFloat is an integral float64 that keeps its fractional marker on the wire.
type wholeFloat float64

func (f wholeFloat) text() string {
	s := strconv.FormatFloat(float64(f), 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func (f wholeFloat) MarshalJSON() ([]byte, error) { return []byte(f.text()), nil }

func (f wholeFloat) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: f.text()}, nil
}
