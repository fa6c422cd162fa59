package durable

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// StepPath returns the unhashed call-site path of the seq-th operation
// (1-indexed) created under parentPath. Root operations are "1", "2", ...;
// operations inside the child context "3" are "3-1", "3-2", ...
//
// The path depends only on the order in which operations are created, never
// on completion order, wall-clock time or randomness.
func StepPath(parentPath string, seq int) string {
	if parentPath == "" {
		return strconv.Itoa(seq)
	}
	return parentPath + "-" + strconv.Itoa(seq)
}

// HashID derives the durable operation id from a step path. The result is
// stable across processes and replays.
//
// Example:
//
//	HashID("1")   // first root operation
//	HashID("3-2") // second operation inside child context "3"
func HashID(path string) string {
	if path == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:16])
}
