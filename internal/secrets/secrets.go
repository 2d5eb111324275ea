// Package secrets resolves the secret sources attached to a run.
package secrets

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/animus-labs/animus-runs/internal/domain"
)

// Source kinds.
const (
	KindInline = "inline"
	KindEnv    = "env"
	KindFile   = "file"
)

// Store holds resolved secret values plus the sources they came from.
// Later sources override earlier ones.
type Store struct {
	sources []domain.SecretSource
	values  map[string]string
}

func New() *Store {
	return &Store{values: map[string]string{}}
}

// FromSources resolves every source in order.
func FromSources(sources []domain.SecretSource) (*Store, error) {
	s := New()
	for _, src := range sources {
		if err := s.AddSource(src.Kind, src.Source); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddSource resolves one source. inline takes a map, env a comma separated
// list of variable names, file a path to KEY=VALUE lines.
func (s *Store) AddSource(kind string, source any) error {
	if s == nil {
		return fmt.Errorf("secrets store not initialized")
	}
	var resolved map[string]string
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindInline:
		m, err := inlineValues(source)
		if err != nil {
			return err
		}
		resolved = m
	case KindEnv:
		names, ok := source.(string)
		if !ok {
			return domain.Validationf("env secret source must be a string, got %T", source)
		}
		resolved = map[string]string{}
		for _, name := range strings.Split(names, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if v, ok := os.LookupEnv(name); ok {
				resolved[name] = v
			}
		}
	case KindFile:
		p, ok := source.(string)
		if !ok {
			return domain.Validationf("file secret source must be a path, got %T", source)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read secrets file %s: %w", p, err)
		}
		resolved = ParseEnvFile(data)
	default:
		return domain.Validationf("unsupported secret source kind %q", kind)
	}
	for k, v := range resolved {
		s.values[k] = v
	}
	s.sources = append(s.sources, domain.SecretSource{Kind: strings.ToLower(kind), Source: source})
	return nil
}

func (s *Store) Get(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the sorted secret names.
func (s *Store) Keys() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Sources returns the sources for forwarding to another process.
func (s *Store) Sources() []domain.SecretSource {
	if s == nil {
		return nil
	}
	out := make([]domain.SecretSource, len(s.sources))
	for i, src := range s.sources {
		out[i] = domain.SecretSource{Kind: src.Kind, Source: domain.CloneValue(src.Source)}
	}
	return out
}

func inlineValues(source any) (map[string]string, error) {
	out := map[string]string{}
	switch m := source.(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			out[k] = fmt.Sprint(v)
		}
	default:
		return nil, domain.Validationf("inline secret source must be a map, got %T", source)
	}
	return out, nil
}

// ParseEnvFile reads KEY=VALUE lines, skipping blanks and # comments.
func ParseEnvFile(data []byte) map[string]string {
	out := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return out
}
