package merkletree

import (
	"testing"

	"github.com/certen/signup-sequencer/pkg/field"
)

func TestNewRejectsBadDepth(t *testing.T) {
	if _, err := New(0); err != ErrInvalidDepth {
		t.Fatalf("depth 0: got %v", err)
	}
	if _, err := New(33); err != ErrInvalidDepth {
		t.Fatalf("depth 33: got %v", err)
	}
}

func TestEmptyTreeRootIsDeterministic(t *testing.T) {
	a, err := New(10)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(10)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Root().Equal(b.Root()) {
		t.Fatal("two empty trees of the same depth produced different roots")
	}
}

func TestSetChangesRoot(t *testing.T) {
	tr, err := New(8)
	if err != nil {
		t.Fatal(err)
	}
	before := tr.Root()
	if err := tr.Set(0, field.FromUint64(7)); err != nil {
		t.Fatal(err)
	}
	after := tr.Root()
	if before.Equal(after) {
		t.Fatal("root did not change after Set")
	}
}

func TestSetRejectsOutOfRangeIndex(t *testing.T) {
	tr, err := New(2) // capacity 4
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Set(4, field.FromUint64(1)); err != ErrIndexOutOfRange {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestProofRoundTrip(t *testing.T) {
	tr, err := New(5)
	if err != nil {
		t.Fatal(err)
	}
	values := []field.Element{
		field.FromUint64(11),
		field.FromUint64(22),
		field.FromUint64(33),
	}
	if err := tr.SetRange(0, values); err != nil {
		t.Fatal(err)
	}
	for i, v := range values {
		proof, err := tr.Proof(uint64(i))
		if err != nil {
			t.Fatalf("Proof(%d): %v", i, err)
		}
		if !proof.Leaf.Equal(v) {
			t.Fatalf("proof leaf mismatch at %d", i)
		}
		if !Verify(proof, tr.Root()) {
			t.Fatalf("proof failed to verify at index %d", i)
		}
	}
}

func TestProofFailsAgainstWrongRoot(t *testing.T) {
	tr, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Set(0, field.FromUint64(5)); err != nil {
		t.Fatal(err)
	}
	proof, err := tr.Proof(0)
	if err != nil {
		t.Fatal(err)
	}
	wrongRoot := field.FromUint64(999)
	if Verify(proof, wrongRoot) {
		t.Fatal("proof verified against an unrelated root")
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	tr, err := New(6)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Set(0, field.FromUint64(1)); err != nil {
		t.Fatal(err)
	}
	snap := tr.Snapshot()
	snapRoot := snap.Root()

	if err := tr.Set(1, field.FromUint64(2)); err != nil {
		t.Fatal(err)
	}
	if !snap.Root().Equal(snapRoot) {
		t.Fatal("snapshot root changed after mutating the original tree")
	}
	if tr.Root().Equal(snapRoot) {
		t.Fatal("original tree root did not change after Set")
	}
}

func TestOutOfOrderSparseSet(t *testing.T) {
	tr, err := New(6)
	if err != nil {
		t.Fatal(err)
	}
	// Set index 3 before 0..2 are filled, exercising the sparse overlay
	// path rather than the dense-append path.
	if err := tr.Set(3, field.FromUint64(42)); err != nil {
		t.Fatal(err)
	}
	leaf, err := tr.LeafAt(3)
	if err != nil {
		t.Fatal(err)
	}
	if !leaf.Equal(field.FromUint64(42)) {
		t.Fatal("sparse leaf value not retained")
	}
	leaf0, err := tr.LeafAt(0)
	if err != nil {
		t.Fatal(err)
	}
	if !leaf0.IsZero() {
		t.Fatal("unset leaf should read as the zero sentinel")
	}
	proof, err := tr.Proof(3)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(proof, tr.Root()) {
		t.Fatal("proof for sparsely-set leaf failed to verify")
	}
}

func TestNextFreeIndex(t *testing.T) {
	tr, err := New(6)
	if err != nil {
		t.Fatal(err)
	}
	if tr.NextFreeIndex() != 0 {
		t.Fatalf("NextFreeIndex() = %d, want 0", tr.NextFreeIndex())
	}
	if err := tr.SetRange(0, []field.Element{field.FromUint64(1), field.FromUint64(2)}); err != nil {
		t.Fatal(err)
	}
	if tr.NextFreeIndex() != 2 {
		t.Fatalf("NextFreeIndex() = %d, want 2", tr.NextFreeIndex())
	}
}
