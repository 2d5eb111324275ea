package generator

import (
	"fmt"
	"iter"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-runs/internal/domain"
)

// Hyperparam is one named grid axis. Declaration order is significant.
type Hyperparam struct {
	Name   string
	Values []any
}

// Grid enumerates the Cartesian product of its axes. The first declared
// axis changes fastest.
type Grid struct {
	params []Hyperparam
	total  int
}

func NewGrid(params []Hyperparam) (*Grid, error) {
	verr := &domain.ValidationError{}
	if len(params) == 0 {
		verr.Add("grid requires at least one hyperparameter")
	}
	seen := map[string]bool{}
	total := 1
	for _, p := range params {
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			verr.Add("hyperparameter name is required")
		case seen[name]:
			verr.Add(fmt.Sprintf("hyperparameter %s declared twice", name))
		case len(p.Values) == 0:
			verr.Add(fmt.Sprintf("hyperparameter %s has no values", name))
		}
		seen[name] = true
		total *= len(p.Values)
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	cp := make([]Hyperparam, len(params))
	for i, p := range params {
		cp[i] = Hyperparam{Name: strings.TrimSpace(p.Name), Values: append([]any(nil), p.Values...)}
	}
	return &Grid{params: cp, total: total}, nil
}

func (g *Grid) Len() int { return g.total }

// Params returns the combination at position i (0-based).
func (g *Grid) Params(i int) map[string]any {
	out := make(map[string]any, len(g.params))
	stride := 1
	for _, p := range g.params {
		n := len(p.Values)
		out[p.Name] = p.Values[(i/stride)%n]
		stride *= n
	}
	return out
}

func (g *Grid) Generate(base domain.RunRecord) iter.Seq[domain.RunRecord] {
	return func(yield func(domain.RunRecord) bool) {
		for i := 0; i < g.total; i++ {
			if !yield(child(base, i+1, g.Params(i))) {
				return
			}
		}
	}
}

// ParseGrid reads a YAML or JSON mapping of name to value list, keeping the
// declaration order of the keys.
func ParseGrid(data []byte) ([]Hyperparam, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domain.Validationf("parse hyperparameters: %v", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, domain.Validationf("hyperparameters document is empty")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, domain.Validationf("hyperparameters must be a mapping of name to list")
	}
	out := make([]Hyperparam, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		var values []any
		if err := root.Content[i+1].Decode(&values); err != nil {
			return nil, domain.Validationf("hyperparameter %s must be a list: %v", name, err)
		}
		for j := range values {
			values[j] = domain.NormalizeValue(values[j])
		}
		out = append(out, Hyperparam{Name: name, Values: values})
	}
	return out, nil
}

// ParseGridFlags parses "name=v1,v2" flags in order.
func ParseGridFlags(flags []string) ([]Hyperparam, error) {
	out := make([]Hyperparam, 0, len(flags))
	for _, f := range flags {
		name, raw, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, domain.Validationf("hyperparameter %q must be name=v1,v2", f)
		}
		var values []any
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, ParseScalar(v))
			}
		}
		out = append(out, Hyperparam{Name: strings.TrimSpace(name), Values: values})
	}
	return out, nil
}
