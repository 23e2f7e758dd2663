package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		in   string
		def  int
		want int
	}{
		{"", 50, 50},
		{"3", 50, 3},
		{"-2", 1, -2}, // negative values pass through, callers clamp
		{"abc", 7, 7},
		{"2.5", 7, 7},
		{" 4", 7, 7}, // no trimming, a padded value is not a number
	}
	for _, tc := range cases {
		if got := AtoiDefault(tc.in, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d, want %d", tc.in, tc.def, got, tc.want)
		}
	}
}
