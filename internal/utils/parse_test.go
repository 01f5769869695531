package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		// empty -> default
		{"", 10, 10},
		// valid ints
		{"42", 0, 42},
		{"-13", 1, -13},
		{"0012", 99, 12},
		// invalid -> default (no trim)
		{"x", 5, 5},
		{" 42", 7, 7},
		// overflow -> default
		{"999999999999999999999999", -1, -1},
	}

	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestClampInt(t *testing.T) {
	if ClampInt(-3, 1, 100) != 1 || ClampInt(9999, 1, 100) != 100 || ClampInt(20, 1, 100) != 20 {
		t.Fatal("ClampInt bounds")
	}
}

func TestParseBoolDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  bool
		want bool
	}{
		{"", true, true},
		{"true", false, true},
		{" 1 ", false, true},
		{"0", true, false},
		{"FALSE", true, false},
		{"maybe", true, true},
	}
	for _, tc := range cases {
		if got := ParseBoolDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("ParseBoolDefault(%q, %v) = %v; want %v", tc.s, tc.def, got, tc.want)
		}
	}
}
