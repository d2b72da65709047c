package pricing

import (
	"encoding/json"
	"testing"
)

func TestResolve_UnknownToolUsesDefault(t *testing.T) {
	r := NewResolver(nil)
	if got := r.Resolve("unknown-tool", nil); got != DefaultPrice {
		t.Fatalf("expected default price %d, got %d", DefaultPrice, got)
	}
}

func TestResolve_FlatPrice(t *testing.T) {
	r := NewResolver(map[string]Rule{
		"search": {BasePrice: 3},
	})
	if got := r.Resolve("search", nil); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestResolve_ScalesByUnitField(t *testing.T) {
	r := NewResolver(map[string]Rule{
		"pdf-extract": {BasePrice: 2, PerUnit: 1, UnitField: "pages"},
	})
	args, _ := json.Marshal(map[string]int{"pages": 10})
	if got := r.Resolve("pdf-extract", args); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
}

func TestResolve_ClampsToMinMax(t *testing.T) {
	r := NewResolver(map[string]Rule{
		"pdf-extract": {BasePrice: 2, PerUnit: 5, UnitField: "pages", MaxPrice: 20},
	})
	args, _ := json.Marshal(map[string]int{"pages": 100})
	if got := r.Resolve("pdf-extract", args); got != 20 {
		t.Fatalf("expected price clamped to 20, got %d", got)
	}
}

func TestResolve_NeverNegative(t *testing.T) {
	r := NewResolver(map[string]Rule{
		"free-tool": {BasePrice: -5},
	})
	if got := r.Resolve("free-tool", nil); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
