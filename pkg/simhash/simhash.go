// Package simhash computes 64-bit locality-sensitive fingerprints used for
// near-duplicate detection at ingest.
package simhash

import (
	"fmt"
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

// Hash computes the 64-bit simhash of content. The input is normalised
// (lower-cased, punctuation stripped, whitespace collapsed) before hashing,
// so the fingerprint is deterministic for semantically identical content.
func Hash(content string) uint64 {
	tokens := Tokenize(content)
	if len(tokens) == 0 {
		return 0
	}

	var weights [64]int
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var out uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			out |= 1 << uint(bit)
		}
	}
	return out
}

// HashHex returns the simhash as a 16-character hex string, the form stored
// on the memory row.
func HashHex(content string) string {
	return fmt.Sprintf("%016x", Hash(content))
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Near reports whether two fingerprints are within maxDistance bits of
// each other.
func Near(a, b uint64, maxDistance int) bool {
	return Distance(a, b) <= maxDistance
}

// Tokenize normalises content into lower-case word tokens. Shared with the
// keyword scorer so fingerprints and keyword overlap agree on tokens.
func Tokenize(content string) []string {
	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}
