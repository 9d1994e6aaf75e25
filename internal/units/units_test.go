package units

import (
	"math"
	"testing"
)

func TestIsValid(t *testing.T) {
	for _, u := range ValidUnits {
		if !IsValid(u) {
			t.Errorf("IsValid(%q) = false, want true", u)
		}
	}
	if IsValid("knots") {
		t.Error("IsValid(knots) = true, want false")
	}
	if IsValid("") {
		t.Error("IsValid(\"\") = true, want false")
	}
}

func TestConvertSpeed(t *testing.T) {
	cases := []struct {
		mps   float64
		units string
		want  float64
	}{
		{10, MPS, 10},
		{10, MPH, 22.369362920544},
		{10, KMPH, 36},
		{10, KPH, 36},
		{10, "bogus", 10},
		{0, MPH, 0},
	}

	for _, c := range cases {
		got := ConvertSpeed(c.mps, c.units)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("ConvertSpeed(%v, %q) = %v, want %v", c.mps, c.units, got, c.want)
		}
	}
}

func TestFormatDistance(t *testing.T) {
	cases := []struct {
		meters float64
		units  string
		want   string
	}{
		{42, KPH, "42 m"},
		{999, MPS, "999 m"},
		{1500, KPH, "1.50 km"},
		{1609.344, MPH, "1.00 mi"},
		{30, MPH, "98 ft"},
	}

	for _, c := range cases {
		if got := FormatDistance(c.meters, c.units); got != c.want {
			t.Errorf("FormatDistance(%v, %q) = %q, want %q", c.meters, c.units, got, c.want)
		}
	}
}
