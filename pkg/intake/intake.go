// Copyright 2025 Certen Protocol
//
// Package intake is the front door of the sequencer: it validates and
// accepts new identity commitments and deletion requests, durably
// records them, and answers inclusion-proof queries against whichever
// tree version the caller asks for. Every mutating call is funneled
// through a single drain goroutine so that leaf-index assignment
// inside pkg/identitytree never races.
//
// Accepted commitments are not applied to the tree directly: they are
// first recorded in the durable unprocessed_identities queue, and only
// bound to a leaf index (inside a single transaction alongside the
// identities row) once their eligibility window has passed. This gives
// operators a chance to detect and reject abusive signups before a
// commitment becomes permanent, and means intake survives a crash
// between acceptance and leaf-index assignment without losing or
// double-assigning a commitment.
package intake

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/certen/signup-sequencer/pkg/field"
	"github.com/certen/signup-sequencer/pkg/identitytree"
	"github.com/certen/signup-sequencer/pkg/merkletree"
	"github.com/certen/signup-sequencer/pkg/store"
)

type opKind int

const (
	opInsert opKind = iota
	opReAdd
	opDelete
	opRecover
)

// request is an internal envelope carrying a one-shot response
// channel, used to serialize all tree mutations onto a single
// goroutine without blocking callers' own goroutines.
type request struct {
	op          opKind
	commitments []field.Element
	commitment  field.Element
	prev, next  field.Element
	reply       chan response
}

type response struct {
	updates []identitytree.PendingUpdate
	err     error
}

// Config configures the intake service.
type Config struct {
	// EligibilityDelay is how long a newly inserted commitment must
	// wait before the batch former may include it, giving operators a
	// window to detect and ban abusive signups before they're final.
	EligibilityDelay time.Duration
	QueueCapacity    int
	// DrainInterval is how often the drain loop checks for queued
	// commitments whose eligibility window has passed.
	DrainInterval time.Duration
	// DrainBatchSize bounds how many commitments a single drain tick
	// binds to leaf indices.
	DrainBatchSize int
}

// DefaultConfig returns the service's default tuning.
func DefaultConfig() Config {
	return Config{
		EligibilityDelay: 0,
		QueueCapacity:    256,
		DrainInterval:    2 * time.Second,
		DrainBatchSize:   100,
	}
}

// Service is the intake front door.
type Service struct {
	cfg    Config
	tree   *identitytree.Versions
	repos  *store.Repositories
	logger *log.Logger

	requests chan request
	done     chan struct{}
}

// New constructs an intake Service bound to the given tree versions
// and durable store. repos may be nil, in which case intake bypasses
// the durable queue entirely and mutates the tree synchronously; used
// in tests and by tools that don't need crash durability.
func New(cfg Config, tree *identitytree.Versions, repos *store.Repositories) *Service {
	return &Service{
		cfg:      cfg,
		tree:     tree,
		repos:    repos,
		logger:   log.New(log.Writer(), "[Intake] ", log.LstdFlags),
		requests: make(chan request, cfg.QueueCapacity),
		done:     make(chan struct{}),
	}
}

// Run drains the request queue and periodically binds eligible queued
// commitments to leaf indices, until ctx is cancelled. It is intended
// to be launched as a supervised goroutine.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)

	var drainC <-chan time.Time
	if s.repos != nil {
		ticker := time.NewTicker(s.cfg.DrainInterval)
		defer ticker.Stop()
		drainC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.requests:
			s.handle(ctx, req)
		case <-drainC:
			s.drainUnprocessed(ctx)
		}
	}
}

func (s *Service) handle(ctx context.Context, req request) {
	switch req.op {
	case opInsert:
		s.handleEnqueue(ctx, req.commitments, false, req.reply)
	case opReAdd:
		s.handleEnqueue(ctx, req.commitments, true, req.reply)
	case opDelete:
		s.handleDelete(ctx, req.commitment, req.reply)
	case opRecover:
		s.handleRecover(ctx, req.prev, req.next, req.reply)
	}
}

// handleEnqueue accepts a batch of new commitments, either binding them
// to leaf indices immediately (no durable store configured, or no
// eligibility delay configured) or recording them in the durable
// unprocessed queue for the drain loop to bind once eligible.
func (s *Service) handleEnqueue(ctx context.Context, commitments []field.Element, allowReAdd bool, reply chan response) {
	if s.repos == nil {
		updates, err := s.appendToTree(commitments, allowReAdd)
		reply <- response{updates: updates, err: err}
		return
	}

	for _, c := range commitments {
		if c.IsZero() {
			reply <- response{err: identitytree.ErrZeroCommitment}
			return
		}
		if _, live := s.tree.LiveIndex(c); live {
			reply <- response{err: identitytree.ErrDuplicateCommitment}
			return
		}
		exists, err := s.repos.UnprocessedExists(ctx, c.Hex())
		if err != nil {
			reply <- response{err: fmt.Errorf("intake: check unprocessed queue: %w", err)}
			return
		}
		if exists {
			reply <- response{err: identitytree.ErrDuplicateCommitment}
			return
		}
	}

	eligibility := time.Now().Add(s.cfg.EligibilityDelay)
	ids := make([]uuid.UUID, len(commitments))
	for i, c := range commitments {
		id, err := s.repos.InsertUnprocessed(ctx, c.Hex(), eligibility, allowReAdd)
		if err != nil {
			reply <- response{err: fmt.Errorf("intake: queue commitment: %w", err)}
			return
		}
		ids[i] = id
	}

	if s.cfg.EligibilityDelay > 0 {
		// Not eligible yet; the drain loop binds these once their
		// eligibility window has passed.
		reply <- response{err: nil}
		return
	}

	updates, err := s.bindMany(ctx, commitments, ids, allowReAdd)
	reply <- response{updates: updates, err: err}
}

func (s *Service) appendToTree(commitments []field.Element, allowReAdd bool) ([]identitytree.PendingUpdate, error) {
	if allowReAdd {
		return s.tree.ReAddMany(commitments)
	}
	return s.tree.AppendMany(commitments)
}

// bindMany assigns leaf indices to commitments and durably records
// each assignment alongside marking its unprocessed_identities row
// claimed, inside one transaction per commitment.
func (s *Service) bindMany(ctx context.Context, commitments []field.Element, ids []uuid.UUID, allowReAdd bool) ([]identitytree.PendingUpdate, error) {
	updates, err := s.appendToTree(commitments, allowReAdd)
	if err != nil {
		return nil, err
	}
	for i, u := range updates {
		rec := store.IdentityRecord{
			Sequence:   u.Sequence,
			LeafIndex:  u.LeafIndex,
			Commitment: commitments[i].Hex(),
			Kind:       "insertion",
		}
		if err := s.repos.BindUnprocessedIdentity(ctx, ids[i], rec); err != nil {
			s.logger.Printf("warning: failed to durably bind commitment %s: %v", commitments[i].Hex(), err)
		}
	}
	return updates, nil
}

// drainUnprocessed binds every unprocessed commitment whose
// eligibility window has passed, grouped by whether it was submitted
// under re-add semantics.
func (s *Service) drainUnprocessed(ctx context.Context) {
	items, err := s.repos.NextEligibleUnprocessed(ctx, time.Now(), s.cfg.DrainBatchSize)
	if err != nil {
		s.logger.Printf("warning: drain query failed: %v", err)
		return
	}
	if len(items) == 0 {
		return
	}

	var strict, reAdd []store.UnprocessedIdentity
	for _, it := range items {
		if it.AllowReAdd {
			reAdd = append(reAdd, it)
		} else {
			strict = append(strict, it)
		}
	}
	s.drainGroup(ctx, strict, false)
	s.drainGroup(ctx, reAdd, true)
}

func (s *Service) drainGroup(ctx context.Context, items []store.UnprocessedIdentity, allowReAdd bool) {
	if len(items) == 0 {
		return
	}
	commitments := make([]field.Element, 0, len(items))
	ids := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		c, err := field.FromHex(it.Commitment)
		if err != nil {
			s.logger.Printf("warning: stored commitment %q is not valid hex, skipping: %v", it.Commitment, err)
			continue
		}
		commitments = append(commitments, c)
		ids = append(ids, it.ID)
	}
	if len(commitments) == 0 {
		return
	}
	if _, err := s.bindMany(ctx, commitments, ids, allowReAdd); err != nil {
		s.logger.Printf("warning: drain bind failed for %d commitments: %v", len(commitments), err)
	}
}

func (s *Service) handleDelete(ctx context.Context, commitment field.Element, reply chan response) {
	wm := s.tree.Watermarks()
	leafIndex, found, gone := s.tree.Lookup(commitment, wm.Latest)
	if gone {
		reply <- response{err: ErrGone}
		return
	}
	if !found {
		reply <- response{err: ErrNotFound}
		return
	}

	u, err := s.tree.Delete(leafIndex)
	if err != nil {
		reply <- response{err: err}
		return
	}
	if s.repos != nil {
		rec := store.IdentityRecord{
			Sequence:   u.Sequence,
			LeafIndex:  u.LeafIndex,
			Commitment: field.Zero.Hex(),
			Kind:       "deletion",
		}
		if err := s.repos.RecordIdentity(ctx, rec); err != nil {
			s.logger.Printf("warning: failed to durably record deletion of leaf %d: %v", u.LeafIndex, err)
		}
	}
	reply <- response{updates: []identitytree.PendingUpdate{u}, err: nil}
}

// handleRecover implements identity recovery: prev is deleted and next
// takes its place at a fresh leaf index, used when a user rotates the
// key material behind their identity commitment. The two steps run
// back to back under intake's single-writer serialization, so no
// concurrent insert/delete can observe prev deleted without next yet
// present; however if the re-add step itself fails (next already
// live), prev remains deleted and next is not inserted; callers must
// treat that outcome as a failed recovery, not a partial one to retry
// blindly.
func (s *Service) handleRecover(ctx context.Context, prev, next field.Element, reply chan response) {
	wm := s.tree.Watermarks()
	leafIndex, found, gone := s.tree.Lookup(prev, wm.Latest)
	if gone {
		reply <- response{err: ErrGone}
		return
	}
	if !found {
		reply <- response{err: ErrNotFound}
		return
	}

	deleteUpdate, err := s.tree.Delete(leafIndex)
	if err != nil {
		reply <- response{err: err}
		return
	}
	if s.repos != nil {
		rec := store.IdentityRecord{
			Sequence:   deleteUpdate.Sequence,
			LeafIndex:  deleteUpdate.LeafIndex,
			Commitment: field.Zero.Hex(),
			Kind:       "deletion",
		}
		if err := s.repos.RecordIdentity(ctx, rec); err != nil {
			s.logger.Printf("warning: failed to durably record deletion of leaf %d: %v", deleteUpdate.LeafIndex, err)
		}
	}

	insertUpdates, err := s.appendToTree([]field.Element{next}, true)
	if err != nil {
		reply <- response{updates: []identitytree.PendingUpdate{deleteUpdate}, err: err}
		return
	}
	insertUpdate := insertUpdates[0]
	if s.repos != nil {
		rec := store.IdentityRecord{
			Sequence:   insertUpdate.Sequence,
			LeafIndex:  insertUpdate.LeafIndex,
			Commitment: next.Hex(),
			Kind:       "insertion",
		}
		if err := s.repos.RecordIdentity(ctx, rec); err != nil {
			s.logger.Printf("warning: failed to durably record recovery insert at leaf %d: %v", insertUpdate.LeafIndex, err)
		}
	}
	reply <- response{updates: []identitytree.PendingUpdate{deleteUpdate, insertUpdate}, err: nil}
}

// Insert submits a batch of new identity commitments under strict
// semantics: a commitment that was previously inserted and later
// deleted is rejected rather than silently re-added (use ReAdd for
// that). It blocks until the drain goroutine has processed the
// request (or the context is cancelled); the returned updates are
// empty with a nil error when the commitments were accepted into the
// durable queue but not yet eligible for binding.
func (s *Service) Insert(ctx context.Context, commitments []field.Element) ([]identitytree.PendingUpdate, error) {
	return s.submit(ctx, request{op: opInsert, commitments: commitments})
}

// ReAdd submits a batch of new identity commitments permitting re-add:
// a commitment previously deleted may re-enter the tree at a fresh
// leaf index. A commitment still live is still rejected as a
// duplicate.
func (s *Service) ReAdd(ctx context.Context, commitments []field.Element) ([]identitytree.PendingUpdate, error) {
	return s.submit(ctx, request{op: opReAdd, commitments: commitments})
}

// Delete submits a deletion request by commitment. Returns ErrNotFound
// if the commitment was never inserted, or ErrGone if it was already
// deleted.
func (s *Service) Delete(ctx context.Context, commitment field.Element) (identitytree.PendingUpdate, error) {
	updates, err := s.submit(ctx, request{op: opDelete, commitment: commitment})
	if len(updates) == 0 {
		return identitytree.PendingUpdate{}, err
	}
	return updates[0], err
}

// Recover deletes prev and inserts next at a fresh leaf index as a
// single intake operation, returning the deletion update followed by
// the insertion update.
func (s *Service) Recover(ctx context.Context, prev, next field.Element) ([]identitytree.PendingUpdate, error) {
	return s.submit(ctx, request{op: opRecover, prev: prev, next: next})
}

func (s *Service) submit(ctx context.Context, req request) ([]identitytree.PendingUpdate, error) {
	req.reply = make(chan response, 1)
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.updates, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Version names the tree view an inclusion proof is requested against.
type Version int

const (
	VersionLatest Version = iota
	VersionProcessed
	VersionMined
)

// InclusionProof returns a Merkle inclusion proof for commitment
// against the requested tree version's current state. Returns
// ErrNotFound if the commitment is not yet visible to that version,
// or ErrGone if it was deleted by the time that version absorbed the
// deletion.
func (s *Service) InclusionProof(version Version, commitment field.Element) (*merkletree.Proof, error) {
	wm := s.tree.Watermarks()

	var tree *merkletree.Tree
	var versionSeq uint64
	switch version {
	case VersionLatest:
		tree = s.tree.Latest()
		versionSeq = wm.Latest
	case VersionProcessed:
		tree = s.tree.Processed()
		versionSeq = wm.Processed
	case VersionMined:
		tree = s.tree.Mined()
		versionSeq = wm.Mined
	default:
		return nil, ErrUnknownVersion
	}

	leafIndex, found, gone := s.tree.Lookup(commitment, versionSeq)
	if gone {
		return nil, ErrGone
	}
	if !found {
		return nil, ErrNotFound
	}
	return tree.Proof(leafIndex)
}
