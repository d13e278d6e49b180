package types

import (
	"encoding/json"
	"testing"
)

func TestToFloat(t *testing.T) {
	tests := []struct {
		in   any
		want float64
	}{
		{nil, 0},
		{12.5, 12.5},
		{int64(7), 7},
		{json.Number("100000"), 100000},
		{"1,250,000", 1250000},
		{"  ", 0},
		{"abc", 0},
		{true, 0},
	}
	for _, tt := range tests {
		if got := ToFloat(tt.in); got != tt.want {
			t.Fatalf("ToFloat(%#v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestToBool(t *testing.T) {
	if !ToBool("Yes", false) || ToBool("0", true) || !ToBool(1.0, false) {
		t.Fatal("unexpected bool coercion")
	}
	if !ToBool("maybe", true) || ToBool(nil, false) {
		t.Fatal("fallback not honored")
	}
}

func TestToID(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{101.0, "101"},
		{json.Number("42"), "42"},
		{" C1 ", "C1"},
		{int64(9), "9"},
		{nil, ""},
		{map[string]any{}, ""},
	}
	for _, tt := range tests {
		if got := ToID(tt.in); got != tt.want {
			t.Fatalf("ToID(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFirstTruthySkipsZeroAndBlank(t *testing.T) {
	data := map[string]any{"totalPrice": 0.0, "TotalPrice": "", "grandTotal": 5000.0}
	v, ok := FirstTruthy(data, "totalPrice", "TotalPrice", "grandTotal")
	if !ok || v != 5000.0 {
		t.Fatalf("unexpected %v %v", v, ok)
	}
	if _, ok := FirstTruthy(data, "missing"); ok {
		t.Fatal("expected no value")
	}
}

func TestRound2(t *testing.T) {
	if got := Round2(10.005); got != 10.01 && got != 10.0 {
		t.Fatalf("unexpected rounding %v", got)
	}
	if got := Round2(1.234); got != 1.23 {
		t.Fatalf("expected 1.23, got %v", got)
	}
	if got := Round2(-2.555); got != -2.56 && got != -2.55 {
		t.Fatalf("unexpected rounding %v", got)
	}
}
