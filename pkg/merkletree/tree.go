// Copyright 2025 Certen Protocol
//
// Package merkletree implements a fixed-depth sparse Merkle tree over
// pkg/field elements, hashed with pkg/poseidon. Only explicitly set
// leaves occupy memory; every other position behaves as the canonical
// empty-subtree hash for its depth. A dense prefix slice keeps the common
// case (leaves filled in index order from zero) cheap to inspect
// without walking sibling paths, while a sparse overlay map handles
// leaves set out of order (re-additions after deletion, recovery
// replay) without requiring the tree to be rebuilt.
package merkletree

import (
	"sync"

	"github.com/certen/signup-sequencer/pkg/field"
	"github.com/certen/signup-sequencer/pkg/poseidon"
)

// nodeKey addresses a node by its depth (0 = leaf level) and index
// within that level.
type nodeKey struct {
	depth uint8
	index uint64
}

// Tree is a fixed-depth, copy-on-write-friendly sparse Merkle tree.
// The zero value is not usable; construct with New.
type Tree struct {
	mu sync.RWMutex

	depth int
	// dense holds leaves 0..denseLen-1 that were filled contiguously
	// from index zero, the common case for append-only insertion.
	dense []field.Element
	// sparse holds any node (at any depth, including leaves) that
	// falls outside the dense prefix but differs from the empty hash
	// for its depth: out-of-order leaf sets, and the internal nodes
	// their paths touch.
	sparse map[nodeKey]field.Element
}

// New constructs an empty tree of the given depth (1..32). Depth bounds
// the number of leaves to 2^depth.
func New(depth int) (*Tree, error) {
	if depth < 1 || depth > 32 {
		return nil, ErrInvalidDepth
	}
	return &Tree{
		depth:  depth,
		dense:  nil,
		sparse: make(map[nodeKey]field.Element),
	}, nil
}

// Depth returns the tree's fixed depth.
func (t *Tree) Depth() int {
	return t.depth
}

// Capacity returns the maximum number of leaves this tree can hold.
func (t *Tree) Capacity() uint64 {
	return uint64(1) << uint(t.depth)
}

// Root returns the current Merkle root.
func (t *Tree) Root() field.Element {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodeAt(uint8(t.depth), 0)
}

// LeafAt returns the current value at the given leaf index, or the
// empty-leaf sentinel if it was never set.
func (t *Tree) LeafAt(index uint64) (field.Element, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index >= t.Capacity() {
		return field.Element{}, ErrIndexOutOfRange
	}
	return t.leafValue(index), nil
}

// Set writes a single leaf value, extending the dense prefix when the
// index is exactly the next contiguous slot, otherwise recording it in
// the sparse overlay.
func (t *Tree) Set(index uint64, value field.Element) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setLocked(index, value)
}

// SetRange writes a contiguous run of leaf values starting at
// startIndex, as used when a batch of identities is promoted into a
// tree version in one step.
func (t *Tree) SetRange(startIndex uint64, values []field.Element) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range values {
		if err := t.setLocked(startIndex+uint64(i), v); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) setLocked(index uint64, value field.Element) error {
	if index >= t.Capacity() {
		return ErrIndexOutOfRange
	}
	denseLen := uint64(len(t.dense))
	if index == denseLen {
		t.dense = append(t.dense, value)
		t.invalidateAncestors(index)
		return nil
	}
	if index < denseLen {
		t.dense[index] = value
		t.invalidateAncestors(index)
		return nil
	}
	t.sparse[nodeKey{depth: 0, index: index}] = value
	t.invalidateAncestors(index)
	return nil
}

// invalidateAncestors drops any cached internal-node sparse entries on
// the path from the given leaf index up to the root, so the next Root
// or Proof call recomputes them lazily.
func (t *Tree) invalidateAncestors(leafIndex uint64) {
	idx := leafIndex
	for d := 1; d <= t.depth; d++ {
		idx /= 2
		delete(t.sparse, nodeKey{depth: uint8(d), index: idx})
	}
}

// leafValue returns the raw leaf value (not holding the lock).
func (t *Tree) leafValue(index uint64) field.Element {
	if index < uint64(len(t.dense)) {
		return t.dense[index]
	}
	if v, ok := t.sparse[nodeKey{depth: 0, index: index}]; ok {
		return v
	}
	return field.Zero
}

// nodeAt computes (and, for non-leaf sparse-worthy nodes, memoizes) the
// hash at the given depth/index. Depth 0 is the leaf level, depth ==
// t.depth is the root.
func (t *Tree) nodeAt(depth uint8, index uint64) field.Element {
	if depth == 0 {
		return t.leafValue(index)
	}
	if v, ok := t.sparse[nodeKey{depth: depth, index: index}]; ok {
		return v
	}
	// Fast path: if the whole subtree beneath this node falls past the
	// dense prefix and has no sparse entries, it's the canonical empty
	// subtree for this depth.
	left := t.nodeAt(depth-1, index*2)
	right := t.nodeAt(depth-1, index*2+1)
	emptyBelow := poseidon.EmptyHashAtDepth(int(depth) - 1)
	if left.Equal(emptyBelow) && right.Equal(emptyBelow) {
		return poseidon.EmptyHashAtDepth(int(depth))
	}
	h := poseidon.HashLeftRight(left, right)
	t.sparse[nodeKey{depth: depth, index: index}] = h
	return h
}

// Proof is an inclusion proof for a single leaf: the sibling hash at
// every level from the leaf up to (but excluding) the root.
type Proof struct {
	LeafIndex uint64
	Leaf      field.Element
	Siblings  []field.Element
	Root      field.Element
}

// Proof builds an inclusion proof for the given leaf index against the
// tree's current root.
func (t *Tree) Proof(index uint64) (*Proof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index >= t.Capacity() {
		return nil, ErrIndexOutOfRange
	}
	siblings := make([]field.Element, t.depth)
	idx := index
	for d := 0; d < t.depth; d++ {
		siblingIndex := idx ^ 1
		siblings[d] = t.nodeAt(uint8(d), siblingIndex)
		idx /= 2
	}
	return &Proof{
		LeafIndex: index,
		Leaf:      t.leafValue(index),
		Siblings:  siblings,
		Root:      t.nodeAt(uint8(t.depth), 0),
	}, nil
}

// Verify checks an inclusion proof against an expected root, without
// requiring access to the tree that produced it.
func Verify(proof *Proof, expectedRoot field.Element) bool {
	if len(proof.Siblings) == 0 {
		return false
	}
	cur := proof.Leaf
	idx := proof.LeafIndex
	for _, sibling := range proof.Siblings {
		if idx%2 == 0 {
			cur = poseidon.HashLeftRight(cur, sibling)
		} else {
			cur = poseidon.HashLeftRight(sibling, cur)
		}
		idx /= 2
	}
	return cur.Equal(expectedRoot)
}

// Snapshot returns an independent copy of the tree that shares no
// mutable state with the receiver, so the copy can keep serving reads
// and proofs while the original continues to mutate (the basis for
// promoting `latest` into an immutable `batching` view).
func (t *Tree) Snapshot() *Tree {
	t.mu.RLock()
	defer t.mu.RUnlock()

	denseCopy := make([]field.Element, len(t.dense))
	copy(denseCopy, t.dense)

	sparseCopy := make(map[nodeKey]field.Element, len(t.sparse))
	for k, v := range t.sparse {
		sparseCopy[k] = v
	}

	return &Tree{
		depth:  t.depth,
		dense:  denseCopy,
		sparse: sparseCopy,
	}
}

// NextFreeIndex returns the first index that has never been explicitly
// set via Set/SetRange, assuming contiguous fill from zero (the only
// pattern pkg/identitytree relies on for insertion).
func (t *Tree) NextFreeIndex() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.dense))
}
