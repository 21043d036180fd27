// Package merklex provides content hashing and Merkle proof helpers.
//
// Hashes are lower-case hex SHA-256 strings. Pair hashing uses the
// sorted-pair convention: the two child hashes are ordered
// lexicographically before concatenation, on both the generating and the
// verifying side, so a proof never needs left/right flags.
package merklex

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent returns the hex-encoded SHA-256 of data. Pure; the output is
// always 64 hex characters.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashPair(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return HashContent([]byte(a + b))
}

// Root computes the Merkle root of leaves. A single leaf is its own root;
// odd levels duplicate their last node. Empty input yields "".
func Root(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([]string, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// GenerateProof returns the sibling path for the leaf at index. The proof
// is ordered bottom-up. Returns nil when index is out of range.
func GenerateProof(leaves []string, index int) []string {
	if index < 0 || index >= len(leaves) {
		return nil
	}
	proof := make([]string, 0)
	level := make([]string, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		sibling := index ^ 1
		proof = append(proof, level[sibling])
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		index /= 2
	}
	return proof
}

// VerifyProof folds leaf through the sibling path and compares against root.
func VerifyProof(leaf string, proof []string, root string) bool {
	current := leaf
	for _, sibling := range proof {
		current = hashPair(current, sibling)
	}
	return current == root
}
