package util

import "strconv"

// FormatHz renders a frequency or sample rate for logs and labels.
func FormatHz(hz float64) string {
	switch {
	case hz >= 1e6:
		return trimZero(hz/1e6) + " MHz"
	case hz >= 1e3:
		return trimZero(hz/1e3) + " kHz"
	default:
		return trimZero(hz) + " Hz"
	}
}

func trimZero(v float64) string {
	s := strconv.FormatFloat(v, 'f', 1, 64)
	if len(s) > 2 && s[len(s)-2:] == ".0" {
		return s[:len(s)-2]
	}
	return s
}

// ClosestRate picks the supported rate nearest to target. Returns target
// when the candidate list is empty.
func ClosestRate(target int, supported []int) int {
	if len(supported) == 0 {
		return target
	}
	best := supported[0]
	for _, rate := range supported[1:] {
		if abs(rate-target) < abs(best-target) {
			best = rate
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
