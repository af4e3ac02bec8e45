package batchformer

import (
	"context"
	"testing"
	"time"

	"github.com/certen/signup-sequencer/pkg/field"
	"github.com/certen/signup-sequencer/pkg/identitytree"
)

func TestLargestAllowedSize(t *testing.T) {
	sizes := []int{1, 10, 100}
	if got := largestAllowedSize(sizes, 0); got != 0 {
		t.Fatalf("largestAllowedSize(0) = %d, want 0", got)
	}
	if got := largestAllowedSize(sizes, 5); got != 1 {
		t.Fatalf("largestAllowedSize(5) = %d, want 1", got)
	}
	if got := largestAllowedSize(sizes, 50); got != 10 {
		t.Fatalf("largestAllowedSize(50) = %d, want 10", got)
	}
	if got := largestAllowedSize(sizes, 500); got != 100 {
		t.Fatalf("largestAllowedSize(500) = %d, want 100", got)
	}
}

func TestTryFormWaitsForMaxWaitBeforeForcing(t *testing.T) {
	tree, err := identitytree.New(10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.AppendMany([]field.Element{field.FromUint64(1)}); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	// No allowed size fits a single pending update, so the batch can
	// only be formed (padded) once MaxWait has elapsed.
	cfg.AllowedSizes = []int{3, 10, 100}
	cfg.MaxWait = 30 * time.Millisecond
	bf := New(cfg, tree, nil, make(chan FormedBatch, 1))

	var waitStart time.Time
	_, formed, err := bf.tryForm(context.Background(), &waitStart)
	if err != nil {
		t.Fatal(err)
	}
	if formed {
		t.Fatal("should not form a batch before MaxWait elapses")
	}
	if waitStart.IsZero() {
		t.Fatal("waitStart should be set once pending updates are seen")
	}

	time.Sleep(40 * time.Millisecond)
	batch, formed, err := bf.tryForm(context.Background(), &waitStart)
	if err != nil {
		t.Fatal(err)
	}
	if !formed {
		t.Fatal("expected a forced batch after MaxWait elapsed")
	}
	if batch.Kind != identitytree.Insertion {
		t.Fatalf("expected insertion batch, got %v", batch.Kind)
	}
	if len(batch.Commitments) != cfg.AllowedSizes[0] {
		t.Fatalf("expected padded batch of size %d, got %d", cfg.AllowedSizes[0], len(batch.Commitments))
	}
	if len(batch.MerkleProofs) != len(batch.Commitments) {
		t.Fatalf("expected one proof per commitment, got %d proofs for %d commitments", len(batch.MerkleProofs), len(batch.Commitments))
	}
	if batch.StartIndex != 0 {
		t.Fatalf("expected StartIndex 0, got %d", batch.StartIndex)
	}
}

func TestTryFormHonorsExactAllowedSize(t *testing.T) {
	tree, err := identitytree.New(10)
	if err != nil {
		t.Fatal(err)
	}
	commitments := make([]field.Element, 10)
	for i := range commitments {
		commitments[i] = field.FromUint64(uint64(i + 1))
	}
	if _, err := tree.AppendMany(commitments); err != nil {
		t.Fatal(err)
	}

	bf := New(DefaultConfig(), tree, nil, make(chan FormedBatch, 1))
	var waitStart time.Time
	batch, formed, err := bf.tryForm(context.Background(), &waitStart)
	if err != nil {
		t.Fatal(err)
	}
	if !formed {
		t.Fatal("expected a batch to form immediately with exactly 10 pending updates")
	}
	if len(batch.LeafIndices) != 10 {
		t.Fatalf("expected batch of 10, got %d", len(batch.LeafIndices))
	}
}

func TestProverInputHashDeterministic(t *testing.T) {
	prior := field.FromUint64(1)
	post := field.FromUint64(2)
	commitments := []field.Element{field.FromUint64(3), field.FromUint64(4)}
	a := proverInputHash(identitytree.Insertion, 0, prior, post, commitments, nil)
	b := proverInputHash(identitytree.Insertion, 0, prior, post, commitments, nil)
	if !a.Equal(b) {
		t.Fatal("proverInputHash is not deterministic")
	}
	c := proverInputHash(identitytree.Insertion, 0, post, prior, commitments, nil)
	if a.Equal(c) {
		t.Fatal("proverInputHash should depend on root order")
	}
	d := proverInputHash(identitytree.Insertion, 1, prior, post, commitments, nil)
	if a.Equal(d) {
		t.Fatal("proverInputHash should depend on startIndex")
	}
}

func TestProverInputHashDeletionUsesPackedIndices(t *testing.T) {
	prior := field.FromUint64(1)
	post := field.FromUint64(2)
	a := proverInputHash(identitytree.Deletion, 0, prior, post, nil, []byte{0, 0, 0, 1})
	b := proverInputHash(identitytree.Deletion, 0, prior, post, nil, []byte{0, 0, 0, 2})
	if a.Equal(b) {
		t.Fatal("deletion proverInputHash should depend on packedDeletionIndices")
	}
}

func TestTryFormDeletionPadsWithSentinel(t *testing.T) {
	tree, err := identitytree.New(4)
	if err != nil {
		t.Fatal(err)
	}
	commitments := []field.Element{field.FromUint64(11), field.FromUint64(12)}
	if _, err := tree.AppendMany(commitments); err != nil {
		t.Fatal(err)
	}

	// Drain the insertion updates into a batch of exactly their own
	// size first, so the deletions that follow form the head of the log.
	insertCfg := DefaultConfig()
	insertCfg.AllowedSizes = []int{2}
	insertBF := New(insertCfg, tree, nil, make(chan FormedBatch, 1))
	var waitStart time.Time
	if _, formed, err := insertBF.tryForm(context.Background(), &waitStart); err != nil {
		t.Fatal(err)
	} else if !formed {
		t.Fatal("expected the insertion batch to form immediately")
	}

	if _, err := tree.Delete(0); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Delete(1); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.AllowedSizes = []int{10}
	cfg.MaxWait = 10 * time.Millisecond
	bf := New(cfg, tree, nil, make(chan FormedBatch, 1))

	waitStart = time.Time{}
	var batch *FormedBatch
	for i := 0; i < 5; i++ {
		var formed bool
		batch, formed, err = bf.tryForm(context.Background(), &waitStart)
		if err != nil {
			t.Fatal(err)
		}
		if formed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if batch == nil {
		t.Fatal("expected a forced deletion batch")
	}
	if batch.Kind != identitytree.Deletion {
		t.Fatalf("expected deletion batch, got %v", batch.Kind)
	}
	if len(batch.PackedDeletionIndices) != 10*4 {
		t.Fatalf("expected packed indices sized for 10 slots, got %d bytes", len(batch.PackedDeletionIndices))
	}
	sentinel := deletionSentinel(tree.Batching().Depth())
	lastSlot := batch.PackedDeletionIndices[len(batch.PackedDeletionIndices)-4:]
	if got := uint32(lastSlot[0])<<24 | uint32(lastSlot[1])<<16 | uint32(lastSlot[2])<<8 | uint32(lastSlot[3]); got != sentinel {
		t.Fatalf("expected trailing slot to carry sentinel %d, got %d", sentinel, got)
	}
}
