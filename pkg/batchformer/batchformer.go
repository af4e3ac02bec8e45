// Copyright 2025 Certen Protocol
//
// Package batchformer promotes pending updates from the latest tree
// into the batching tree, grouping them into same-kind (insertion-only
// or deletion-only, never mixed) batches sized from a configured list
// of allowed sizes, padding insertion batches out to the chosen size
// with the zero-commitment sentinel, and computing the prover input
// hash the external prover is expected to reproduce.
package batchformer

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/certen/signup-sequencer/pkg/field"
	"github.com/certen/signup-sequencer/pkg/identitytree"
	"github.com/certen/signup-sequencer/pkg/store"
)

// deletionSentinel marks an unused packed-deletion-index slot; the
// prover skips any slot carrying this value. It equals 2^depth, which
// is always out of range for a real leaf index.
func deletionSentinel(depth int) uint32 {
	return uint32(1) << uint(depth)
}

// Config tunes batch formation.
type Config struct {
	// AllowedSizes lists the batch sizes the on-chain contract and
	// prover circuits are compiled for, e.g. [1, 10, 100]. The formed
	// batch uses the largest allowed size not exceeding the number of
	// pending same-kind updates, falling back to the smallest size
	// (padding as needed) once MaxWait has elapsed with fewer updates
	// pending than the smallest size.
	AllowedSizes []int
	MaxWait      time.Duration
	PollInterval time.Duration
}

// DefaultConfig mirrors the batch sizing worldcoin's sequencer ships
// with by default: small, medium and large batches.
func DefaultConfig() Config {
	return Config{
		AllowedSizes: []int{1, 10, 100},
		MaxWait:      5 * time.Second,
		PollInterval: 250 * time.Millisecond,
	}
}

// FormedBatch is a just-closed batch ready for the prover.
type FormedBatch struct {
	ID              uuid.UUID
	Kind            identitytree.UpdateKind
	PriorRoot       field.Element
	PostRoot        field.Element
	ProverInputHash field.Element
	LeafIndices     []uint64
	Commitments     []field.Element
	MerkleProofs    [][]field.Element // one sibling path per Commitments entry

	// StartIndex is populated for insertion batches: the first leaf
	// index the batch writes, per the insertion input-hash formula.
	StartIndex uint32

	// PackedDeletionIndices is populated for deletion batches: each
	// real deletion's leaf index as a big-endian uint32, padded out to
	// the batch's width with the deletion sentinel.
	PackedDeletionIndices []byte
}

// BatchFormer owns the promotion loop from latest into batching.
type BatchFormer struct {
	cfg    Config
	tree   *identitytree.Versions
	repos  *store.Repositories
	logger *log.Logger
	out    chan FormedBatch
}

// New constructs a BatchFormer. out is the capacity-1 handoff channel
// to pkg/submitter; the batch former blocks on a send until the
// previous batch has been consumed, so at most one formed batch is
// ever in flight.
func New(cfg Config, tree *identitytree.Versions, repos *store.Repositories, out chan FormedBatch) *BatchFormer {
	sizes := append([]int(nil), cfg.AllowedSizes...)
	sort.Ints(sizes)
	cfg.AllowedSizes = sizes
	return &BatchFormer{
		cfg:    cfg,
		tree:   tree,
		repos:  repos,
		logger: log.New(log.Writer(), "[BatchFormer] ", log.LstdFlags),
		out:    out,
	}
}

// Run polls for promotable updates until ctx is cancelled.
func (b *BatchFormer) Run(ctx context.Context) error {
	waitStart := time.Time{}
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			batch, formed, err := b.tryForm(ctx, &waitStart)
			if err != nil {
				return err
			}
			if !formed {
				continue
			}
			select {
			case b.out <- *batch:
				waitStart = time.Time{}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (b *BatchFormer) tryForm(ctx context.Context, waitStart *time.Time) (*FormedBatch, bool, error) {
	maxPeek := b.cfg.AllowedSizes[len(b.cfg.AllowedSizes)-1]
	pending := b.tree.PeekNextUpdates(maxPeek)
	if len(pending) == 0 {
		*waitStart = time.Time{}
		return nil, false, nil
	}

	kind := pending[0].Kind
	homogeneous := pending
	for i, u := range pending {
		if u.Kind != kind {
			homogeneous = pending[:i]
			break
		}
	}

	size := largestAllowedSize(b.cfg.AllowedSizes, len(homogeneous))
	if size == 0 {
		// Fewer pending updates than even the smallest allowed size;
		// only proceed once MaxWait has elapsed, padding out the batch.
		if waitStart.IsZero() {
			*waitStart = time.Now()
			return nil, false, nil
		}
		if time.Since(*waitStart) < b.cfg.MaxWait {
			return nil, false, nil
		}
		size = b.cfg.AllowedSizes[0]
	}
	if size > len(homogeneous) {
		size = len(homogeneous) // only true when forced by timeout and size is the smallest slot
	}

	selected := homogeneous
	if len(selected) > size {
		selected = selected[:size]
	}

	targetSize := size
	if len(b.cfg.AllowedSizes) > 0 {
		targetSize = largestAllowedSizeOrSmallest(b.cfg.AllowedSizes, len(selected))
	}

	priorRoot := b.tree.Batching().Root()

	leafIndices := make([]uint64, len(selected))
	commitments := make([]field.Element, len(selected))
	proofs := make([][]field.Element, len(selected))
	for i, u := range selected {
		leafIndices[i] = u.LeafIndex
		commitments[i] = u.Commitment
		// Pre-state proof: the path each leaf held in batching before
		// this batch's updates are applied. For an insertion this
		// proves the slot was empty; for a deletion it proves the
		// commitment being removed.
		proof, err := b.tree.Batching().Proof(u.LeafIndex)
		if err != nil {
			return nil, false, fmt.Errorf("batchformer: pre-state proof for leaf %d: %w", u.LeafIndex, err)
		}
		proofs[i] = proof.Siblings
	}

	if err := b.tree.ApplyNextUpdates(len(selected)); err != nil {
		return nil, false, err
	}
	postRoot := b.tree.Batching().Root()

	var (
		startIndex uint32
		packedDel  []byte
	)

	switch kind {
	case identitytree.Insertion:
		startIndex = uint32(leafIndices[0])
		// Pad an under-sized insertion batch with the zero-commitment
		// sentinel so the prover always sees a fixed-width circuit
		// input. Padding proofs are taken from the post-state of the
		// batch, at the consecutive indices immediately following the
		// real members.
		for len(commitments) < targetSize {
			padIndex := leafIndices[0] + uint64(len(commitments))
			proof, err := b.tree.Batching().Proof(padIndex)
			if err != nil {
				return nil, false, fmt.Errorf("batchformer: post-state padding proof for leaf %d: %w", padIndex, err)
			}
			commitments = append(commitments, field.Zero)
			proofs = append(proofs, proof.Siblings)
		}
	case identitytree.Deletion:
		// Deletions are never padded with zero leaves; unused slots in
		// the packed-index payload carry the out-of-range sentinel
		// instead, and the prover skips them.
		sentinel := deletionSentinel(b.tree.Batching().Depth())
		packedDel = make([]byte, targetSize*4)
		for i := 0; i < targetSize; i++ {
			var v uint32
			if i < len(leafIndices) {
				v = uint32(leafIndices[i])
			} else {
				v = sentinel
				commitments = append(commitments, field.Zero)
				proofs = append(proofs, make([]field.Element, len(proofs[0])))
			}
			binary.BigEndian.PutUint32(packedDel[i*4:], v)
		}
	}

	inputHash := proverInputHash(kind, startIndex, priorRoot, postRoot, commitments, packedDel)

	batchID := uuid.New()
	record := store.BatchRecord{
		ID:              batchID,
		Kind:            kindLabel(kind),
		PriorRoot:       priorRoot.Hex(),
		PostRoot:        postRoot.Hex(),
		ProverInputHash: inputHash.Hex(),
		Status:          "pending",
	}
	if b.repos != nil {
		if err := b.repos.InsertBatch(ctx, record, leafIndices); err != nil {
			return nil, false, fmt.Errorf("batchformer: persist batch: %w", err)
		}
	}

	b.logger.Printf("formed %s batch %s: %d members, root %s -> %s",
		kindLabel(kind), batchID, len(selected), priorRoot.Hex(), postRoot.Hex())

	return &FormedBatch{
		ID:                    batchID,
		Kind:                  kind,
		PriorRoot:             priorRoot,
		PostRoot:              postRoot,
		ProverInputHash:       inputHash,
		LeafIndices:           leafIndices,
		Commitments:           commitments,
		MerkleProofs:          proofs,
		StartIndex:            startIndex,
		PackedDeletionIndices: packedDel,
	}, true, nil
}

func kindLabel(k identitytree.UpdateKind) string {
	return k.String()
}

// largestAllowedSize returns the largest configured size that does not
// exceed n, or 0 if even the smallest configured size exceeds n.
func largestAllowedSize(sizes []int, n int) int {
	best := 0
	for _, s := range sizes {
		if s <= n {
			best = s
		}
	}
	return best
}

// largestAllowedSizeOrSmallest returns the smallest configured size
// that is >= n, used to decide the padded width of an undersized
// forced batch.
func largestAllowedSizeOrSmallest(sizes []int, n int) int {
	for _, s := range sizes {
		if s >= n {
			return s
		}
	}
	return sizes[len(sizes)-1]
}

// proverInputHash computes the kind-dependent keccak256 digest the
// external prover is expected to reproduce as its public input,
// reduced modulo the scalar field:
//
//	insertion: keccak256(startIndex_be32 || preRoot_be32 || postRoot_be32 || ids_be32[B]) mod p
//	deletion:  keccak256(packedDeletionIndices || preRoot_be32 || postRoot_be32) mod p
func proverInputHash(kind identitytree.UpdateKind, startIndex uint32, prior, post field.Element, commitments []field.Element, packedDeletionIndices []byte) field.Element {
	priorBytes := prior.Bytes()
	postBytes := post.Bytes()

	var buf []byte
	switch kind {
	case identitytree.Insertion:
		buf = make([]byte, 0, 4+32+32+32*len(commitments))
		var startBuf [4]byte
		binary.BigEndian.PutUint32(startBuf[:], startIndex)
		buf = append(buf, startBuf[:]...)
		buf = append(buf, priorBytes[:]...)
		buf = append(buf, postBytes[:]...)
		for _, c := range commitments {
			b := c.Bytes()
			buf = append(buf, b[:]...)
		}
	case identitytree.Deletion:
		buf = make([]byte, 0, len(packedDeletionIndices)+32+32)
		buf = append(buf, packedDeletionIndices...)
		buf = append(buf, priorBytes[:]...)
		buf = append(buf, postBytes[:]...)
	}

	return field.ReduceBytes(crypto.Keccak256(buf))
}
