package numeric

import (
	"math/big"
	"testing"
)

func TestFormatRoundsTowardZero(t *testing.T) {
	r := big.NewRat(12346, 10000) // 1.2346
	if got := Format(r, 2); got != "1.23" {
		t.Errorf("Format = %q, want 1.23", got)
	}
}

func TestFormatNegative(t *testing.T) {
	r := big.NewRat(-1500, 1000) // -1.5
	if got := Format(r, 2); got != "-1.50" {
		t.Errorf("Format = %q, want -1.50", got)
	}
}

func TestFormatNil(t *testing.T) {
	if got := Format(nil, 2); got != "" {
		t.Errorf("Format(nil) = %q, want empty string", got)
	}
}

func TestParseRoundTrip(t *testing.T) {
	r, ok := Parse("50.25")
	if !ok {
		t.Fatalf("Parse failed")
	}
	if got := Format(r, 2); got != "50.25" {
		t.Errorf("round trip = %q, want 50.25", got)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, ok := Parse("not-a-number"); ok {
		t.Errorf("expected Parse to fail on garbage input")
	}
}

func TestScaleFromStepDerivesPrecision(t *testing.T) {
	cases := map[string]int{
		"0.0001": 4,
		"0.01":   2,
		"1":      0,
		"1.0":    0,
		"":       0,
	}
	for step, want := range cases {
		if got := ScaleFromStep(step); got != want {
			t.Errorf("ScaleFromStep(%q) = %d, want %d", step, got, want)
		}
	}
}
