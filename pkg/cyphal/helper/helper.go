// Package helper holds the small free functions the rest of the module
// reaches for repeatedly: GenerateUID and MaxValue-style reductions.
package helper

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateUID returns a random 32-character hex identifier, for values
// that need a unique label outside the node's own identifier space.
func GenerateUID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failures are only possible if the OS entropy
		// source is broken; there is nothing this layer can recover.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// MaxUint64 returns the largest value in values, or zero for an empty
// slice.
func MaxUint64(values []uint64) uint64 {
	var v uint64
	for _, e := range values {
		if e > v {
			v = e
		}
	}
	return v
}

// MinInt returns the smaller of a and b.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
