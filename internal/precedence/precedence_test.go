package precedence_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"pkt.systems/tripd/internal/precedence"
)

func TestLayerOrderWins(t *testing.T) {
	t.Parallel()

	defaults := precedence.Defaults()
	policy := map[string]any{
		"concurrency": 8,
		"batch_size":  32,
		"target_qps":  100,
	}
	request := map[string]any{
		"batch_size": float64(64), // JSON numbers decode as float64
		"target_qps": float64(200),
	}
	force := map[string]any{
		"target_qps": "300", // operator overrides arrive as CLI strings
	}

	eff, err := precedence.Resolve(defaults, policy, request, force)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eff.Params.Concurrency != 8 {
		t.Fatalf("policy should win concurrency, got %d", eff.Params.Concurrency)
	}
	if eff.Params.BatchSize != 64 {
		t.Fatalf("request should win batch_size, got %d", eff.Params.BatchSize)
	}
	if eff.Params.TargetQPS != 300 {
		t.Fatalf("force should win target_qps, got %v", eff.Params.TargetQPS)
	}
	if eff.Params.WarmupDuration != defaults.WarmupDuration {
		t.Fatalf("defaults should win warmup, got %v", eff.Params.WarmupDuration)
	}

	winners := map[string]precedence.Layer{}
	for _, entry := range eff.Chain {
		winners[entry.Field] = entry.Winner
	}
	if winners["concurrency"] != precedence.LayerPolicy {
		t.Fatalf("chain: concurrency winner %v", winners["concurrency"])
	}
	if winners["batch_size"] != precedence.LayerRequest {
		t.Fatalf("chain: batch_size winner %v", winners["batch_size"])
	}
	if winners["target_qps"] != precedence.LayerForce {
		t.Fatalf("chain: target_qps winner %v", winners["target_qps"])
	}
	if winners["warmup_seconds"] != precedence.LayerDefaults {
		t.Fatalf("chain: warmup_seconds winner %v", winners["warmup_seconds"])
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	t.Parallel()

	defaults := precedence.Defaults()
	policy := map[string]any{"warmup_seconds": 5, "trip_seconds": 10}
	request := map[string]any{"concurrency": float64(2)}

	first, err := precedence.Resolve(defaults, policy, request, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := precedence.Resolve(defaults, policy, request, nil)
		if err != nil {
			t.Fatalf("resolve #%d: %v", i, err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("resolution not deterministic:\nfirst %+v\nagain %+v", first, again)
		}
	}
	if len(first.Chain) != len(precedence.FieldNames()) {
		t.Fatalf("chain must cover every field, got %d entries", len(first.Chain))
	}
	for i, name := range precedence.FieldNames() {
		if first.Chain[i].Field != name {
			t.Fatalf("chain order diverges at %d: %s != %s", i, first.Chain[i].Field, name)
		}
	}
}

func TestUnknownRequestFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := precedence.Resolve(precedence.Defaults(), nil, map[string]any{"concurency": 4}, nil)
	if !errors.Is(err, precedence.ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
}

func TestUnknownPolicyFieldIgnored(t *testing.T) {
	t.Parallel()

	// Policy documents may carry fields for newer or older builds; only the
	// request layer is strict.
	eff, err := precedence.Resolve(precedence.Defaults(), map[string]any{"future_knob": 1}, nil, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eff.Params != precedence.Defaults() {
		t.Fatalf("unexpected params %+v", eff.Params)
	}
}

func TestValueValidation(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]any{
		"negative concurrency":  {"concurrency": -1},
		"zero warmup":           {"warmup_seconds": 0},
		"fractional candidates": {"candidate_k": 1.5},
		"garbage string":        {"target_qps": "fast"},
		"wrong type":            {"batch_size": []any{1}},
	}
	for name, request := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := precedence.Resolve(precedence.Defaults(), nil, request, nil)
			var fieldErr *precedence.FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %v", err)
			}
		})
	}
}

func TestDurationCoercion(t *testing.T) {
	t.Parallel()

	eff, err := precedence.Resolve(precedence.Defaults(), nil, map[string]any{
		"warmup_seconds":   2.5,
		"induced_delay_ms": float64(150),
	}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if eff.Params.WarmupDuration != 2500*time.Millisecond {
		t.Fatalf("warmup = %v", eff.Params.WarmupDuration)
	}
	if eff.Params.InducedDelay != 150*time.Millisecond {
		t.Fatalf("induced delay = %v", eff.Params.InducedDelay)
	}
}
