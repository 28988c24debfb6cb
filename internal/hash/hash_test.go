package hash

import (
	"testing"
)

func TestCalculateBytes(t *testing.T) {
	data := []byte("operation header")

	hash1 := CalculateBytes(data)
	hash2 := CalculateBytes(data)

	if hash1 != hash2 {
		t.Error("Same data should produce same hash")
	}

	if len(hash1) != Size {
		t.Errorf("Expected hash length %d, got %d", Size, len(hash1))
	}

	if CalculateBytes([]byte("other header")) == hash1 {
		t.Error("Different data should produce different hashes")
	}
}

func TestCalculateString(t *testing.T) {
	if CalculateString("test string") != CalculateBytes([]byte("test string")) {
		t.Error("String and byte hashing should agree")
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"hash", CalculateString("x"), true},
		{"empty", "", false},
		{"short", "abcd", false},
		{"not hex", CalculateString("x")[:Size-1] + "z", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.in); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMerkleTree(t *testing.T) {
	mt := NewMerkleTree()

	if mt.LeafCount() != 0 {
		t.Error("New tree should have 0 leaves")
	}

	h1 := CalculateString("a")
	h2 := CalculateString("b")
	h3 := CalculateString("c")

	mt.AddLeafHash(h1)
	mt.AddLeafHash(h2)
	mt.AddLeafHash(h3)

	if mt.LeafCount() != 3 {
		t.Errorf("Expected 3 leaves, got %d", mt.LeafCount())
	}

	root1 := mt.GetRoot()
	if root1 == "" {
		t.Error("Root should not be empty")
	}

	mt2 := NewMerkleTree()
	mt2.AddLeafHash(h3)
	mt2.AddLeafHash(h1)
	mt2.AddLeafHash(h2)

	if root1 != mt2.GetRoot() {
		t.Error("Merkle tree should be order-independent (sorted internally)")
	}

	mt3 := NewMerkleTree()
	mt3.AddLeafHash(h1)
	mt3.AddLeafHash(h2)

	if root1 == mt3.GetRoot() {
		t.Error("Different leaf sets should produce different roots")
	}
}

func TestMerkleTreeEmpty(t *testing.T) {
	mt := NewMerkleTree()

	if mt.LeafCount() != 0 {
		t.Error("Expected 0 leaves in a new tree")
	}

	if mt.GetRoot() != "" {
		t.Error("Root of an empty tree should be empty")
	}
}

func TestMerkleTreeSingleLeaf(t *testing.T) {
	mt := NewMerkleTree()
	leaf := CalculateString("single")
	mt.AddLeafHash(leaf)

	if mt.GetRoot() != leaf {
		t.Error("Root of a single leaf tree should be the leaf")
	}
}
