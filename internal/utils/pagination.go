// Package utils contains small parsing helpers shared by the HTTP handlers.
package utils

import "strconv"

// AtoiDefault parses an integer query parameter such as ?page or ?per_page,
// returning def when the value is absent or not a number. Range clamping is
// the caller's job; this only decides between "a number" and "the default".
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
