// Package modelregistry computes the effective generation parameters for an
// outbound provider request by merging layered defaults with caller params.
//
// Precedence, later wins: provider-wide defaults, pattern-match defaults,
// exact-match defaults, caller params. Streaming and health-check overlays
// are applied on top when relevant. Constraints then clamp or warn, rename
// keys to provider-native names, and drop unsupported keys.
package modelregistry

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Constraint bounds a numeric parameter.
type Constraint struct {
	Min   *float64 `json:"min" mapstructure:"min"`
	Max   *float64 `json:"max" mapstructure:"max"`
	Clamp bool     `json:"clamp" mapstructure:"clamp"`
}

// Rules is one layer of model defaults.
type Rules struct {
	// Params are default parameter values, keyed by wire name.
	Params map[string]any `json:"params" mapstructure:"params"`

	// Constraints validate numeric params after the merge.
	Constraints map[string]Constraint `json:"constraints" mapstructure:"constraints"`

	// UnsupportedParams are deleted from the merged set.
	UnsupportedParams []string `json:"unsupportedParams" mapstructure:"unsupportedParams"`

	// ParameterMappings rename keys to provider-native names
	// (e.g. stop -> stop_sequences for Anthropic). A string value is
	// wrapped in a single-element array on rename.
	ParameterMappings map[string]string `json:"parameterMappings" mapstructure:"parameterMappings"`
}

type patternRule struct {
	glob  string
	re    *regexp.Regexp
	rules Rules
}

// Registry holds layered model defaults. Built once at startup, read-only
// afterwards, so no locking.
type Registry struct {
	provider map[string]Rules
	patterns []patternRule
	exact    map[string]Rules
	log      *slog.Logger
}

// New creates a Registry pre-seeded with known provider quirks.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		provider: make(map[string]Rules),
		exact:    make(map[string]Rules),
		log:      log,
	}
	r.seed()
	return r
}

// seed installs defaults for provider families with non-OpenAI semantics.
func (r *Registry) seed() {
	min01, max20 := 0.1, 2.0

	// Alibaba DashScope models want incremental output for streaming and
	// bound temperature more tightly than OpenAI.
	_ = r.AddPattern("qwen*", Rules{
		Params: map[string]any{"incremental_output": true},
		Constraints: map[string]Constraint{
			"temperature": {Min: &min01, Max: &max20, Clamp: true},
		},
	})

	// Anthropic uses stop_sequences and rejects OpenAI penalty params.
	r.AddProviderDefaults("anthropic", Rules{
		UnsupportedParams: []string{"frequency_penalty", "presence_penalty", "logit_bias"},
		ParameterMappings: map[string]string{"stop": "stop_sequences"},
	})
}

// AddProviderDefaults registers provider-wide defaults, keyed by kind.
func (r *Registry) AddProviderDefaults(kind string, rules Rules) {
	r.provider[strings.ToLower(kind)] = rules
}

// AddPattern registers defaults for models matching a glob (case-insensitive).
func (r *Registry) AddPattern(glob string, rules Rules) error {
	re, err := globToRegexp(glob)
	if err != nil {
		return fmt.Errorf("modelregistry: pattern %q: %w", glob, err)
	}
	r.patterns = append(r.patterns, patternRule{glob: glob, re: re, rules: rules})
	return nil
}

// AddExact registers defaults for one model name.
func (r *Registry) AddExact(model string, rules Rules) {
	r.exact[strings.ToLower(model)] = rules
}

// globToRegexp converts a glob pattern to an anchored case-insensitive regexp.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, c := range glob {
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Input describes one merge request.
type Input struct {
	ProviderKind string
	Model        string
	Caller       map[string]any
	Streaming    map[string]any
	HealthCheck  map[string]any

	// UseDefaults false skips the registry entirely; only caller params
	// (plus overlays) are sent.
	UseDefaults bool
}

// EffectiveParams merges all applicable layers and applies constraints.
func (r *Registry) EffectiveParams(in Input) map[string]any {
	merged := make(map[string]any)
	var layers []Rules

	if in.UseDefaults {
		if rules, ok := r.provider[strings.ToLower(in.ProviderKind)]; ok {
			layers = append(layers, rules)
		}
		for _, p := range r.patterns {
			if p.re.MatchString(in.Model) {
				layers = append(layers, p.rules)
			}
		}
		if rules, ok := r.exact[strings.ToLower(in.Model)]; ok {
			layers = append(layers, rules)
		}
		for _, l := range layers {
			for k, v := range l.Params {
				merged[k] = v
			}
		}
	}

	for k, v := range in.Caller {
		merged[k] = v
	}
	for k, v := range in.Streaming {
		merged[k] = v
	}
	for k, v := range in.HealthCheck {
		merged[k] = v
	}

	if in.UseDefaults {
		r.applyConstraints(in.Model, merged, layers)
		for _, l := range layers {
			for _, k := range l.UnsupportedParams {
				delete(merged, k)
			}
		}
		for _, l := range layers {
			for from, to := range l.ParameterMappings {
				v, ok := merged[from]
				if !ok {
					continue
				}
				delete(merged, from)
				// OpenAI accepts a bare string where the provider-native
				// name (stop_sequences) takes an array; wrap scalars.
				if s, isStr := v.(string); isStr {
					v = []any{s}
				}
				merged[to] = v
			}
		}
	}
	return merged
}

// applyConstraints validates numeric params against each layer's
// constraints. Later layers win per key.
func (r *Registry) applyConstraints(model string, merged map[string]any, layers []Rules) {
	constraints := make(map[string]Constraint)
	for _, l := range layers {
		for k, c := range l.Constraints {
			constraints[k] = c
		}
	}

	for key, c := range constraints {
		raw, ok := merged[key]
		if !ok {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			continue
		}

		out := v
		if c.Min != nil && v < *c.Min {
			out = *c.Min
		}
		if c.Max != nil && v > *c.Max {
			out = *c.Max
		}
		if out == v {
			continue
		}

		if c.Clamp {
			merged[key] = out
			r.log.Warn("parameter clamped to model bounds",
				slog.String("model", model),
				slog.String("param", key),
				slog.Float64("value", v),
				slog.Float64("clamped", out),
			)
		} else {
			r.log.Warn("parameter outside model bounds",
				slog.String("model", model),
				slog.String("param", key),
				slog.Float64("value", v),
			)
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
