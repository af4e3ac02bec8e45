// Copyright 2025 Certen Protocol
//
// Package identitytree chains the four Merkle tree views the sequencer
// maintains for a single identity manager group: latest (reflects
// every accepted insertion/deletion immediately), batching (the slice
// of latest currently being proven), processed (confirmed on-chain,
// not yet observed as mined) and mined (fully finalized). Updates flow
// strictly latest -> batching -> processed -> mined; each version's
// watermark can never run ahead of the version before it.
package identitytree

import (
	"log"
	"sync"

	"github.com/certen/signup-sequencer/pkg/field"
	"github.com/certen/signup-sequencer/pkg/merkletree"
)

// UpdateKind distinguishes an insertion from a deletion in the pending
// update log. A single batch may only contain one kind.
type UpdateKind int

const (
	Insertion UpdateKind = iota
	Deletion
)

func (k UpdateKind) String() string {
	if k == Deletion {
		return "deletion"
	}
	return "insertion"
}

// PendingUpdate is one entry in the durable append log backing the
// identity tree: a single leaf mutation with the sequence number that
// orders it relative to every other update. Commitment always carries
// the identity commitment the mutation concerns, even for a Deletion
// (the leaf itself is zeroed in the tree, but the log keeps the
// deleted value so callers can answer "which commitment was this" and
// rebuild the commitment index on recovery).
type PendingUpdate struct {
	Sequence   uint64
	Kind       UpdateKind
	LeafIndex  uint64
	Commitment field.Element
}

// commitmentEntry tracks a commitment's lifecycle across its most
// recent insertion and (if applicable) deletion. A commitment that has
// been deleted and re-added overwrites its own entry, since only the
// current cycle's leaf index is ever live; inclusion_proof lookups
// against older tree versions that predate a re-add fall back to
// "not found" rather than resolving the stale leaf index.
type commitmentEntry struct {
	leafIndex uint64
	insertSeq uint64
	deleted   bool
	deleteSeq uint64
}

// Versions owns the four chained tree views plus the append-only log
// of updates accepted into latest but not yet fully mined.
type Versions struct {
	mu sync.RWMutex

	depth int

	latest    *merkletree.Tree
	batching  *merkletree.Tree
	processed *merkletree.Tree
	mined     *merkletree.Tree

	log          []PendingUpdate
	nextSeq      uint64
	batchingSeq  uint64 // number of log entries applied to batching
	processedSeq uint64 // number of log entries applied to processed
	minedSeq     uint64 // number of log entries applied to mined

	// commitments indexes every commitment ever accepted into latest,
	// live or deleted, so AppendMany/ReAddMany/Delete/Lookup never need
	// to scan the tree or the log to answer "is this commitment already
	// present".
	commitments map[field.Element]*commitmentEntry

	logger *log.Logger
}

// New constructs a fresh, empty chain of tree versions at the given
// depth, all four views starting from the same empty root.
func New(depth int) (*Versions, error) {
	mk := func() (*merkletree.Tree, error) { return merkletree.New(depth) }

	latest, err := mk()
	if err != nil {
		return nil, err
	}
	batching, err := mk()
	if err != nil {
		return nil, err
	}
	processed, err := mk()
	if err != nil {
		return nil, err
	}
	mined, err := mk()
	if err != nil {
		return nil, err
	}

	return &Versions{
		depth:       depth,
		latest:      latest,
		batching:    batching,
		processed:   processed,
		mined:       mined,
		commitments: make(map[field.Element]*commitmentEntry),
		logger:      log.New(log.Writer(), "[IdentityTree] ", log.LstdFlags),
	}, nil
}

// Latest returns the most up-to-date view, reflecting every accepted
// mutation even if it has not yet been batched.
func (v *Versions) Latest() *merkletree.Tree { return v.latest }

// Batching returns the view currently frozen for proof generation.
func (v *Versions) Batching() *merkletree.Tree { return v.batching }

// Processed returns the view confirmed on-chain but not yet observed
// as finalized by the chain subscriber.
func (v *Versions) Processed() *merkletree.Tree { return v.processed }

// Mined returns the fully finalized view.
func (v *Versions) Mined() *merkletree.Tree { return v.mined }

// AppendMany inserts a contiguous run of commitments into latest,
// assigning each the next free leaf index, and appends one
// PendingUpdate per commitment to the log. The zero commitment is
// rejected outright since it is the empty-leaf sentinel. A commitment
// already live is rejected as a duplicate; a commitment that was
// previously inserted and later deleted is rejected as gone rather
// than silently re-added (callers wanting re-add semantics must use
// ReAddMany).
func (v *Versions) AppendMany(commitments []field.Element) ([]PendingUpdate, error) {
	return v.appendMany(commitments, false)
}

// ReAddMany behaves like AppendMany except a commitment that was
// previously deleted is permitted to re-enter the tree at a fresh leaf
// index, per the re-add-if-zero contract. A commitment that is still
// live is still rejected as a duplicate.
func (v *Versions) ReAddMany(commitments []field.Element) ([]PendingUpdate, error) {
	return v.appendMany(commitments, true)
}

func (v *Versions) appendMany(commitments []field.Element, allowReAdd bool) ([]PendingUpdate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	seen := make(map[field.Element]struct{}, len(commitments))
	for _, c := range commitments {
		if c.IsZero() {
			return nil, ErrZeroCommitment
		}
		if _, dup := seen[c]; dup {
			return nil, ErrDuplicateCommitment
		}
		seen[c] = struct{}{}

		if entry, ok := v.commitments[c]; ok {
			if !entry.deleted {
				return nil, ErrDuplicateCommitment
			}
			if !allowReAdd {
				return nil, ErrCommitmentGone
			}
		}
	}

	start := v.latest.NextFreeIndex()
	if start+uint64(len(commitments)) > v.latest.Capacity() {
		return nil, ErrTreeFull
	}
	if err := v.latest.SetRange(start, commitments); err != nil {
		return nil, err
	}

	updates := make([]PendingUpdate, len(commitments))
	for i, c := range commitments {
		u := PendingUpdate{
			Sequence:   v.nextSeq,
			Kind:       Insertion,
			LeafIndex:  start + uint64(i),
			Commitment: c,
		}
		v.commitments[c] = &commitmentEntry{leafIndex: u.LeafIndex, insertSeq: u.Sequence}
		v.nextSeq++
		v.log = append(v.log, u)
		updates[i] = u
	}
	return updates, nil
}

// Delete zeroes a previously inserted leaf in latest and appends a
// Deletion entry to the log, carrying the commitment that occupied the
// leaf so the durable log and the commitment index both retain it.
func (v *Versions) Delete(leafIndex uint64) (PendingUpdate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing, err := v.latest.LeafAt(leafIndex)
	if err != nil {
		return PendingUpdate{}, err
	}
	if existing.IsZero() {
		return PendingUpdate{}, ErrAlreadyDeleted
	}
	if err := v.latest.Set(leafIndex, field.Zero); err != nil {
		return PendingUpdate{}, err
	}

	u := PendingUpdate{
		Sequence:   v.nextSeq,
		Kind:       Deletion,
		LeafIndex:  leafIndex,
		Commitment: existing,
	}
	v.nextSeq++
	v.log = append(v.log, u)

	if entry, ok := v.commitments[existing]; ok {
		entry.deleted = true
		entry.deleteSeq = u.Sequence
	}
	return u, nil
}

// LiveIndex returns the leaf index a commitment currently occupies in
// latest, if it is live (inserted and not since deleted).
func (v *Versions) LiveIndex(c field.Element) (uint64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	entry, ok := v.commitments[c]
	if !ok || entry.deleted {
		return 0, false
	}
	return entry.leafIndex, true
}

// Lookup answers an inclusion_proof(commitment, min_status) query: it
// reports the leaf index a commitment held as of the tree version
// whose watermark is versionSeq log entries absorbed (see Watermarks),
// distinguishing "not yet visible to this version" (found=false,
// gone=false) from "visible but deleted by this version"
// (found=false, gone=true).
func (v *Versions) Lookup(c field.Element, versionSeq uint64) (leafIndex uint64, found bool, gone bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entry, ok := v.commitments[c]
	if !ok || entry.insertSeq >= versionSeq {
		return 0, false, false
	}
	if entry.deleted && entry.deleteSeq < versionSeq {
		return 0, false, true
	}
	return entry.leafIndex, true, false
}

// PeekNextUpdates returns up to max log entries that have been
// accepted into latest but not yet applied to batching, without
// consuming them. The batch former uses this to decide whether it has
// enough same-kind updates to close a batch.
func (v *Versions) PeekNextUpdates(max int) []PendingUpdate {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.peekLocked(max)
}

func (v *Versions) peekLocked(max int) []PendingUpdate {
	pending := v.log[v.batchingSeq:]
	if len(pending) > max {
		pending = pending[:max]
	}
	out := make([]PendingUpdate, len(pending))
	copy(out, pending)
	return out
}

// ApplyNextUpdates applies exactly n pending updates (as returned by a
// prior PeekNextUpdates) to the batching view, copying the
// corresponding leaves from latest and advancing the batching
// watermark. All n updates must share the same Kind; callers
// (pkg/batchformer) are responsible for only ever forming
// single-kind batches.
func (v *Versions) ApplyNextUpdates(n int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	pending := v.peekLocked(n)
	if len(pending) < n {
		return ErrInsufficientLog
	}
	for _, u := range pending {
		leaf, err := v.latest.LeafAt(u.LeafIndex)
		if err != nil {
			return err
		}
		if err := v.batching.Set(u.LeafIndex, leaf); err != nil {
			return err
		}
	}
	v.batchingSeq += uint64(n)
	return nil
}

// ApplyNextUpdatesToProcessed applies exactly n log entries already
// absorbed by batching to the processed view, copying leaves from
// batching. pkg/chainsub calls this once it has matched an on-chain
// TreeChanged event to the locally-formed batch covering those n
// entries, rather than the tree ever guessing how much of batching
// has actually landed on-chain.
func (v *Versions) ApplyNextUpdatesToProcessed(n int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if uint64(n) > v.batchingSeq-v.processedSeq {
		return ErrInsufficientLog
	}
	pending := v.log[v.processedSeq : v.processedSeq+uint64(n)]
	for _, u := range pending {
		leaf, err := v.batching.LeafAt(u.LeafIndex)
		if err != nil {
			return err
		}
		if err := v.processed.Set(u.LeafIndex, leaf); err != nil {
			return err
		}
	}
	v.processedSeq += uint64(n)
	return nil
}

// ApplyNextUpdatesToMined applies exactly n log entries already
// absorbed by processed to the mined view, copying leaves from
// processed. Called once a processed batch has reached the chain
// subscriber's configured finality depth.
func (v *Versions) ApplyNextUpdatesToMined(n int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if uint64(n) > v.processedSeq-v.minedSeq {
		return ErrInsufficientLog
	}
	pending := v.log[v.minedSeq : v.minedSeq+uint64(n)]
	for _, u := range pending {
		leaf, err := v.processed.LeafAt(u.LeafIndex)
		if err != nil {
			return err
		}
		if err := v.mined.Set(u.LeafIndex, leaf); err != nil {
			return err
		}
	}
	v.minedSeq += uint64(n)
	return nil
}

// Watermarks reports how many log entries each view has absorbed, for
// diagnostics and the health/status endpoint.
type Watermarks struct {
	Latest    uint64
	Batching  uint64
	Processed uint64
	Mined     uint64
}

// Watermarks returns the current per-version log positions. The
// invariant Mined <= Processed <= Batching <= Latest always holds.
func (v *Versions) Watermarks() Watermarks {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Watermarks{
		Latest:    uint64(len(v.log)),
		Batching:  v.batchingSeq,
		Processed: v.processedSeq,
		Mined:     v.minedSeq,
	}
}

// RecoverFromLog rebuilds latest, batching and the commitment index
// from a durably-stored sequence of updates, used on startup when the
// in-memory tree versions must be reconstructed from pkg/store.
// Updates must be presented in ascending Sequence order starting from
// zero. Deletions replay as zeroing the leaf, never as re-writing the
// deleted commitment back in.
func (v *Versions) RecoverFromLog(updates []PendingUpdate, appliedToBatching int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.commitments = make(map[field.Element]*commitmentEntry, len(updates))
	for i, u := range updates {
		if u.Sequence != uint64(i) {
			return ErrWatermarkReplay
		}
		switch u.Kind {
		case Deletion:
			if err := v.latest.Set(u.LeafIndex, field.Zero); err != nil {
				return err
			}
			if entry, ok := v.commitments[u.Commitment]; ok {
				entry.deleted = true
				entry.deleteSeq = u.Sequence
			}
		default:
			if err := v.latest.Set(u.LeafIndex, u.Commitment); err != nil {
				return err
			}
			v.commitments[u.Commitment] = &commitmentEntry{leafIndex: u.LeafIndex, insertSeq: u.Sequence}
		}
	}
	v.log = append([]PendingUpdate(nil), updates...)
	v.nextSeq = uint64(len(updates))

	if appliedToBatching > len(updates) {
		return ErrInsufficientLog
	}
	for _, u := range updates[:appliedToBatching] {
		leaf, err := v.latest.LeafAt(u.LeafIndex)
		if err != nil {
			return err
		}
		if err := v.batching.Set(u.LeafIndex, leaf); err != nil {
			return err
		}
	}
	v.batchingSeq = uint64(appliedToBatching)
	v.logger.Printf("recovered %d log entries (%d applied to batching)", len(updates), appliedToBatching)
	return nil
}
