// Package merklex implements the binary hash tree used to seal audit
// batches. Leaf and interior hashes are domain-separated (RFC 6962 style) so
// a leaf can never be confused for an interior node.
package merklex

import (
	"crypto/sha256"
	"errors"
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// HashSize is the size of every digest in the tree.
const HashSize = sha256.Size

var ErrEmptyTree = errors.New("merklex: tree has no leaves")

// Tree is an immutable Merkle tree built over a fixed set of leaves.
// levels[0] holds the leaf hashes; the last level holds the single root.
type Tree struct {
	levels [][][]byte
}

// LeafHash computes the domain-separated hash of a single leaf.
func LeafHash(data []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// New builds a tree over the given leaves. Odd levels promote the last node
// unchanged rather than duplicating it, so a single-leaf tree's root is just
// its leaf hash.
func New(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = LeafHash(leaf)
	}

	t := &Tree{levels: [][][]byte{level}}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}

	return t, nil
}

// Root returns the tree root.
func (t *Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// ProofStep is one sibling hash on the path from a leaf to the root.
type ProofStep struct {
	Hash []byte
	Left bool // sibling sits to the left of the current node
}

// Proof returns the inclusion proof for leaf index i.
func (t *Tree) Proof(i int) ([]ProofStep, error) {
	if i < 0 || i >= len(t.levels[0]) {
		return nil, errors.New("merklex: leaf index out of range")
	}

	var proof []ProofStep
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := i ^ 1
		if sibling < len(level) {
			proof = append(proof, ProofStep{
				Hash: level[sibling],
				Left: sibling < i,
			})
		}
		i /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from a leaf and its inclusion proof and
// reports whether it matches the expected root.
func VerifyProof(root, leaf []byte, proof []ProofStep) bool {
	current := LeafHash(leaf)
	for _, step := range proof {
		if step.Left {
			current = nodeHash(step.Hash, current)
		} else {
			current = nodeHash(current, step.Hash)
		}
	}
	return len(root) == HashSize && string(current) == string(root)
}
