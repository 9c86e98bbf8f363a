package watcher

import "strconv"

// isSentinel reports whether a stored cursor means "no history"
func isSentinel(cursor string) bool {
	return cursor == "" || cursor == "0"
}

// compareCursors orders paging tokens. Tokens are compared numerically when
// both are unsigned integers, otherwise by length and then lexicographically.
func compareCursors(a, b string) int {
	ai, aErr := strconv.ParseUint(a, 10, 64)
	bi, bErr := strconv.ParseUint(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}

	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
