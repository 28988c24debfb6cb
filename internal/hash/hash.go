package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Size is the length of a hex encoded content hash.
const Size = sha256.Size * 2

func CalculateBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func CalculateString(data string) string {
	return CalculateBytes([]byte(data))
}

// Valid reports whether s looks like a hex encoded content hash.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// MerkleTree computes an order independent digest over a set of content
// hashes. Two stores holding the same operations share the same root.
type MerkleTree struct {
	leaves []string
}

func NewMerkleTree() *MerkleTree {
	return &MerkleTree{
		leaves: make([]string, 0),
	}
}

func (mt *MerkleTree) AddLeafHash(hash string) {
	mt.leaves = append(mt.leaves, hash)
}

func (mt *MerkleTree) GetRoot() string {
	if len(mt.leaves) == 0 {
		return ""
	}

	sortedLeaves := make([]string, len(mt.leaves))
	copy(sortedLeaves, mt.leaves)
	sort.Strings(sortedLeaves)

	return mt.calculateRoot(sortedLeaves)
}

func (mt *MerkleTree) calculateRoot(hashes []string) string {
	if len(hashes) == 1 {
		return hashes[0]
	}

	var nextLevel []string

	for i := 0; i < len(hashes); i += 2 {
		var combined string
		if i+1 < len(hashes) {
			combined = hashes[i] + hashes[i+1]
		} else {
			combined = hashes[i] + hashes[i]
		}
		nextLevel = append(nextLevel, CalculateString(combined))
	}

	return mt.calculateRoot(nextLevel)
}

func (mt *MerkleTree) LeafCount() int {
	return len(mt.leaves)
}
