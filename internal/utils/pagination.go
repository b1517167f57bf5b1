// Package utils holds small helpers shared by the HTTP layer that carry no
// domain knowledge.
package utils

import (
	"errors"
	"strconv"
	"strings"
)

// ErrNotInteger is returned when a query value is present but is not a
// base-10 integer.
var ErrNotInteger = errors.New("not an integer")

// QueryInt parses an optional integer query value. An empty or all-blank
// value yields def; anything else must parse or ErrNotInteger is returned.
// Range checks are left to the caller.
func QueryInt(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ErrNotInteger
	}
	return n, nil
}

// TotalPages returns the number of pages of size needed for total rows.
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
