// Package idgen generates opaque, content-derived identifiers for commits
// and values.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// base36Alphabet is the character set used for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 converts a byte slice to a base36 string of the given length,
// left-padded with zeros or truncated (keeping the least significant digits)
// to fit exactly.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var result strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// NewCommitID derives a commit identifier from its predecessors and
// timestamp plus a random nonce, so that two commits created at the same
// instant with the same parents never collide. 20 base36 characters give
// ~103 bits, fewer than the 122 random bits of a UUID4.
func NewCommitID(predecessorIDs []string, at time.Time) string {
	var nonce [16]byte
	_, _ = rand.Read(nonce[:])

	h := sha256.New()
	for _, p := range predecessorIDs {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "%d", at.UnixNano())
	h.Write(nonce[:])

	sum := h.Sum(nil)
	return EncodeBase36(sum[:13], 20)
}

// NewValueID derives a content-addressed identifier for a value's payload.
// Identical bytes always yield the same id. Payloads are still stored
// per (value id, commit id), so equal payloads written by different
// commits are not deduplicated.
func NewValueID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return EncodeBase36(sum[:13], 20)
}
