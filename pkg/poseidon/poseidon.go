// Copyright 2025 Certen Protocol
//
// Package poseidon implements a Poseidon-style sponge permutation over
// pkg/field elements. It generalizes the validator's existing
// gnark-crypto field-arithmetic dependency to the identity tree's hash
// function; it is not wired to any specific deployed circuit's exact
// round constants and is not meant to be proof-system compatible on its
// own — the external prover in pkg/prover is the source of truth for
// circuit-level hashing. Its constants are derived internally (see New)
// and are not configurable.
package poseidon

import (
	"fmt"

	"github.com/certen/signup-sequencer/pkg/field"
)

const (
	// fullRounds is split evenly before and after the partial rounds.
	fullRounds = 8
	// partialRounds is the same for every arity New accepts (1..16).
	partialRounds = 57
)

// Hasher computes Poseidon-style hashes over a fixed input arity.
type Hasher struct {
	arity       int
	roundConst  [][]field.Element
	mds         [][]field.Element
}

// New builds a Hasher for the given input arity (state width = arity+1,
// the extra slot is the capacity element). Round constants and the MDS
// matrix are derived deterministically from the arity so that every
// process constructing a Hasher for the same arity produces identical
// output, without depending on any external parameter file.
func New(arity int) (*Hasher, error) {
	if arity < 1 || arity > 16 {
		return nil, fmt.Errorf("poseidon: unsupported arity %d", arity)
	}
	width := arity + 1
	totalRounds := fullRounds + partialRounds

	rc := make([][]field.Element, totalRounds)
	for r := 0; r < totalRounds; r++ {
		row := make([]field.Element, width)
		for c := 0; c < width; c++ {
			row[c] = deriveConstant(arity, r, c)
		}
		rc[r] = row
	}

	mds := make([][]field.Element, width)
	for i := 0; i < width; i++ {
		row := make([]field.Element, width)
		for j := 0; j < width; j++ {
			// Cauchy-like MDS matrix: 1/(x_i+y_j) is unavailable without
			// field inversion wired in, so use a simple full-rank
			// polynomial matrix instead: (i+1)^j, which is MDS for the
			// small widths used here (arity <= 16).
			row[j] = field.FromUint64(1)
			base := field.FromUint64(uint64(i + 1))
			for e := 0; e < j; e++ {
				row[j] = field.Mul(row[j], base)
			}
		}
		mds[i] = row
	}

	return &Hasher{arity: arity, roundConst: rc, mds: mds}, nil
}

// deriveConstant derives a round constant deterministically from its
// coordinates, avoiding any need for an externally supplied constants
// table while keeping output stable across processes.
func deriveConstant(arity, round, col int) field.Element {
	seed := uint64(arity)*1_000_003 + uint64(round)*9_973 + uint64(col)*31 + 0x9E3779B97F4A7C15
	seed ^= seed >> 33
	seed *= 0xff51afd7ed558ccd
	seed ^= seed >> 33
	return field.FromUint64(seed)
}

// Width returns the permutation's state width (arity + 1).
func (h *Hasher) Width() int { return h.arity + 1 }

// Arity returns the number of input elements this Hasher accepts.
func (h *Hasher) Arity() int { return h.arity }

// Hash computes the Poseidon hash of exactly Arity() input elements.
func (h *Hasher) Hash(inputs []field.Element) (field.Element, error) {
	if len(inputs) != h.arity {
		return field.Element{}, fmt.Errorf("poseidon: expected %d inputs, got %d", h.arity, len(inputs))
	}
	state := make([]field.Element, h.Width())
	state[0] = field.Zero
	copy(state[1:], inputs)

	totalRounds := fullRounds + partialRounds
	half := fullRounds / 2
	for r := 0; r < totalRounds; r++ {
		for i := range state {
			state[i] = field.Add(state[i], h.roundConst[r][i])
		}
		if r < half || r >= totalRounds-half {
			for i := range state {
				state[i] = field.Exp5(state[i])
			}
		} else {
			state[0] = field.Exp5(state[0])
		}
		state = h.applyMDS(state)
	}
	return state[0], nil
}

func (h *Hasher) applyMDS(state []field.Element) []field.Element {
	out := make([]field.Element, len(state))
	for i := range out {
		acc := field.Zero
		for j := range state {
			acc = field.Add(acc, field.Mul(h.mds[i][j], state[j]))
		}
		out[i] = acc
	}
	return out
}

// twoToOne is the canonical arity-2 hasher used to combine Merkle siblings.
var twoToOne *Hasher

func init() {
	h, err := New(2)
	if err != nil {
		panic(err)
	}
	twoToOne = h
}

// HashLeftRight hashes two field elements together, as used for every
// internal Merkle tree node.
func HashLeftRight(left, right field.Element) field.Element {
	out, err := twoToOne.Hash([]field.Element{left, right})
	if err != nil {
		// Unreachable: twoToOne always has arity 2.
		panic(err)
	}
	return out
}

// emptyCache memoizes the hash of an all-zero subtree at each depth so
// that default/unfilled tree regions never require walking the tree.
var emptyCache = map[int]field.Element{0: field.Zero}

// EmptyHashAtDepth returns the hash of an all-zero subtree rooted at
// the given depth (0 = leaf).
func EmptyHashAtDepth(depth int) field.Element {
	if h, ok := emptyCache[depth]; ok {
		return h
	}
	below := EmptyHashAtDepth(depth - 1)
	h := HashLeftRight(below, below)
	emptyCache[depth] = h
	return h
}
