// Package precedence resolves the four configuration layers of a run into one
// frozen parameter set. Layers win in the order force override > request body
// > standing policy > built-in defaults, and the resolver records which layer
// supplied every field so audits can diff planned against effective values.
//
// The field set is fixed. Unknown keys in the request layer are rejected
// instead of ignored so a typo never silently falls through to a default.
package precedence

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Layer identifies where an effective value came from.
type Layer string

const (
	LayerForce    Layer = "force_override"
	LayerRequest  Layer = "request"
	LayerPolicy   Layer = "policy"
	LayerDefaults Layer = "defaults"
)

// ErrUnknownField flags a request key outside the fixed parameter schema.
var ErrUnknownField = errors.New("precedence: unknown field")

// FieldError reports a value that could not be coerced or validated.
type FieldError struct {
	Field string
	Layer Layer
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("precedence: field %q from %s: %v", e.Field, e.Layer, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Params is the complete tunable surface of a run.
type Params struct {
	// Concurrency is the number of probe workers per phase.
	Concurrency int `json:"concurrency"`
	// BatchSize is the number of candidate documents requested per probe.
	BatchSize int `json:"batch_size"`
	// TargetQPS paces the probe workers collectively; zero means unpaced.
	TargetQPS float64 `json:"target_qps"`
	// Phase durations.
	WarmupDuration   time.Duration `json:"warmup_duration"`
	BaselineDuration time.Duration `json:"baseline_duration"`
	TripDuration     time.Duration `json:"trip_duration"`
	RecoveryDuration time.Duration `json:"recovery_duration"`
	// CandidateK and RerankK size the retrieval request issued per probe.
	CandidateK int `json:"candidate_k"`
	RerankK    int `json:"rerank_k"`
	// InducedDelay is injected into probes during the trip phase.
	InducedDelay time.Duration `json:"induced_delay"`
	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration `json:"probe_timeout"`
}

// Entry records the winning layer for one resolved field.
type Entry struct {
	Field  string `json:"field"`
	Winner Layer  `json:"winning_layer"`
}

// EffectiveConfig is the frozen result of resolution for one run.
type EffectiveConfig struct {
	Params Params  `json:"params"`
	Chain  []Entry `json:"precedence_chain"`
}

// Defaults returns the built-in bottom layer.
func Defaults() Params {
	return Params{
		Concurrency:      4,
		BatchSize:        10,
		TargetQPS:        50,
		WarmupDuration:   30 * time.Second,
		BaselineDuration: 60 * time.Second,
		TripDuration:     60 * time.Second,
		RecoveryDuration: 60 * time.Second,
		CandidateK:       100,
		RerankK:          20,
		InducedDelay:     250 * time.Millisecond,
		ProbeTimeout:     5 * time.Second,
	}
}

// WireMap flattens the params into the wire field names shared by the
// request and policy layers, suitable for the config introspection endpoint.
func (p Params) WireMap() map[string]any {
	return map[string]any{
		"concurrency":      p.Concurrency,
		"batch_size":       p.BatchSize,
		"target_qps":       p.TargetQPS,
		"warmup_seconds":   p.WarmupDuration.Seconds(),
		"baseline_seconds": p.BaselineDuration.Seconds(),
		"trip_seconds":     p.TripDuration.Seconds(),
		"recovery_seconds": p.RecoveryDuration.Seconds(),
		"candidate_k":      p.CandidateK,
		"rerank_k":         p.RerankK,
		"induced_delay_ms": float64(p.InducedDelay) / float64(time.Millisecond),
		"probe_timeout_ms": float64(p.ProbeTimeout) / float64(time.Millisecond),
	}
}

type fieldSpec struct {
	name   string
	assign func(*Params, any) error
}

// registry fixes both the parameter schema and the chain ordering. Resolve
// walks it in order, which is what makes the precedence_chain deterministic.
var registry = []fieldSpec{
	{"concurrency", func(p *Params, v any) error { return assignPositiveInt(&p.Concurrency, v) }},
	{"batch_size", func(p *Params, v any) error { return assignPositiveInt(&p.BatchSize, v) }},
	{"target_qps", func(p *Params, v any) error { return assignNonNegativeFloat(&p.TargetQPS, v) }},
	{"warmup_seconds", func(p *Params, v any) error { return assignSeconds(&p.WarmupDuration, v) }},
	{"baseline_seconds", func(p *Params, v any) error { return assignSeconds(&p.BaselineDuration, v) }},
	{"trip_seconds", func(p *Params, v any) error { return assignSeconds(&p.TripDuration, v) }},
	{"recovery_seconds", func(p *Params, v any) error { return assignSeconds(&p.RecoveryDuration, v) }},
	{"candidate_k", func(p *Params, v any) error { return assignPositiveInt(&p.CandidateK, v) }},
	{"rerank_k", func(p *Params, v any) error { return assignPositiveInt(&p.RerankK, v) }},
	{"induced_delay_ms", func(p *Params, v any) error { return assignMillis(&p.InducedDelay, v) }},
	{"probe_timeout_ms", func(p *Params, v any) error { return assignMillis(&p.ProbeTimeout, v) }},
}

// FieldNames lists the schema in chain order.
func FieldNames() []string {
	names := make([]string, len(registry))
	for i, spec := range registry {
		names[i] = spec.name
	}
	return names
}

// Resolve merges the four layers. It is pure: identical inputs yield an
// identical EffectiveConfig and chain ordering.
func Resolve(defaults Params, policy, request, force map[string]any) (EffectiveConfig, error) {
	known := make(map[string]struct{}, len(registry))
	for _, spec := range registry {
		known[spec.name] = struct{}{}
	}
	for key := range request {
		if _, ok := known[key]; !ok {
			return EffectiveConfig{}, fmt.Errorf("%w: %q", ErrUnknownField, key)
		}
	}

	layers := []struct {
		layer  Layer
		values map[string]any
	}{
		{LayerForce, force},
		{LayerRequest, request},
		{LayerPolicy, policy},
	}

	params := defaults
	chain := make([]Entry, 0, len(registry))
	for _, spec := range registry {
		winner := LayerDefaults
		for _, l := range layers {
			value, ok := l.values[spec.name]
			if !ok {
				continue
			}
			if err := spec.assign(&params, value); err != nil {
				return EffectiveConfig{}, &FieldError{Field: spec.name, Layer: l.layer, Err: err}
			}
			winner = l.layer
			break
		}
		chain = append(chain, Entry{Field: spec.name, Winner: winner})
	}
	return EffectiveConfig{Params: params, Chain: chain}, nil
}

func assignPositiveInt(dst *int, v any) error {
	n, err := toInt(v)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	*dst = n
	return nil
}

func assignNonNegativeFloat(dst *float64, v any) error {
	f, err := toFloat(v)
	if err != nil {
		return err
	}
	if f < 0 {
		return fmt.Errorf("must not be negative, got %v", f)
	}
	*dst = f
	return nil
}

func assignSeconds(dst *time.Duration, v any) error {
	f, err := toFloat(v)
	if err != nil {
		return err
	}
	if f <= 0 {
		return fmt.Errorf("must be positive, got %v", f)
	}
	*dst = time.Duration(f * float64(time.Second))
	return nil
}

func assignMillis(dst *time.Duration, v any) error {
	f, err := toFloat(v)
	if err != nil {
		return err
	}
	if f < 0 {
		return fmt.Errorf("must not be negative, got %v", f)
	}
	*dst = time.Duration(f * float64(time.Millisecond))
	return nil
}

// toInt accepts the representations the layers actually produce: JSON numbers
// decode as float64, YAML as int, and force overrides arrive as CLI strings.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
