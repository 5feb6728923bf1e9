package utils

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

const gib = 1 << 30

// HumanBytes formats a byte count with binary units, e.g. "1.5 GiB"
func HumanBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

// GiBString renders bytes as GiB with at most two decimals and no trailing
// zeros ("10.5", "0").
func GiBString(n int64) string {
	if n <= 0 {
		return "0"
	}
	s := strconv.FormatFloat(float64(n)/gib, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// GiBToBytes converts a GiB amount to bytes; non-positive means unlimited
func GiBToBytes(g float64) int64 {
	if g <= 0 {
		return 0
	}
	return int64(g * gib)
}
