// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC = 100_000_000

// ParseUint parses a decimal-string integer as used in request bodies and
// persisted records.
func ParseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty integer string")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	return v, nil
}

// FormatUint renders v the way ParseUint reads it.
func FormatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// ApplyPPM returns amount*ppm/1e6 rounded down.
func ApplyPPM(amount, ppm uint64) uint64 {
	v := new(big.Int).Mul(new(big.Int).SetUint64(amount), new(big.Int).SetUint64(ppm))
	v.Div(v, big.NewInt(1_000_000))
	return v.Uint64()
}
