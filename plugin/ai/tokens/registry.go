// Package tokens estimates token cost of text and resolves model context limits.
package tokens

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultContextLimit is used when a model is unknown or the registry is unreachable.
const DefaultContextLimit = 32000

// ErrUnknownModel indicates the registry has no context limit for a model.
var ErrUnknownModel = errors.New("unknown model context limit")

//go:embed model_limits.yaml
var defaultLimitsYAML []byte

// Registry resolves the context window of a model.
// Implementations may be remote; the Counter caches their answers.
type Registry interface {
	// ContextLimit returns the limit in tokens, or ErrUnknownModel.
	ContextLimit(ctx context.Context, model string) (int, error)
}

type limitsFile struct {
	Default int            `yaml:"default"`
	Models  map[string]int `yaml:"models"`
}

// StaticRegistry is a Registry backed by a fixed model table.
type StaticRegistry struct {
	fallback int
	limits   map[string]int
}

// NewStaticRegistry parses a YAML model table. An empty document yields the
// built-in table.
func NewStaticRegistry(doc []byte) (*StaticRegistry, error) {
	if len(doc) == 0 {
		doc = defaultLimitsYAML
	}

	var f limitsFile
	if err := yaml.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model limits: %w", err)
	}

	r := &StaticRegistry{
		fallback: f.Default,
		limits:   make(map[string]int, len(f.Models)),
	}
	if r.fallback <= 0 {
		r.fallback = DefaultContextLimit
	}
	for name, limit := range f.Models {
		if limit <= 0 {
			return nil, fmt.Errorf("model %q has non-positive limit %d", name, limit)
		}
		r.limits[strings.ToLower(name)] = limit
	}
	return r, nil
}

// DefaultRegistry returns the built-in model table.
func DefaultRegistry() *StaticRegistry {
	r, err := NewStaticRegistry(nil)
	if err != nil {
		// The embedded table is compiled in; failing to parse it is a build defect.
		panic(err)
	}
	return r
}

// Fallback returns the table's default limit.
func (r *StaticRegistry) Fallback() int {
	return r.fallback
}

// ContextLimit looks up a model by exact name, then by the longest known prefix.
func (r *StaticRegistry) ContextLimit(_ context.Context, model string) (int, error) {
	name := NormalizeModel(model)
	if name == "" {
		return 0, ErrUnknownModel
	}

	if limit, ok := r.limits[name]; ok {
		return limit, nil
	}

	best, bestLen := 0, 0
	for key, limit := range r.limits {
		if strings.HasPrefix(name, key) && len(key) > bestLen {
			best, bestLen = limit, len(key)
		}
	}
	if bestLen == 0 {
		return 0, ErrUnknownModel
	}
	return best, nil
}

// NormalizeModel strips a provider prefix ("openai/gpt-4o") and lowercases.
func NormalizeModel(model string) string {
	model = strings.TrimSpace(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	return strings.ToLower(model)
}

var _ Registry = (*StaticRegistry)(nil)
