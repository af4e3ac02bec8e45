package poseidon

import (
	"testing"

	"github.com/certen/signup-sequencer/pkg/field"
)

func TestNewRejectsBadArity(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for arity 0")
	}
	if _, err := New(17); err == nil {
		t.Fatal("expected error for arity 17")
	}
}

func TestHashDeterministic(t *testing.T) {
	h, err := New(2)
	if err != nil {
		t.Fatal(err)
	}
	in := []field.Element{field.FromUint64(1), field.FromUint64(2)}
	a, err := h.Hash(in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.Hash(in)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Fatal("Hash is not deterministic")
	}
}

func TestHashRejectsWrongArity(t *testing.T) {
	h, err := New(2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Hash([]field.Element{field.FromUint64(1)}); err == nil {
		t.Fatal("expected arity mismatch error")
	}
}

func TestHashLeftRightOrderMatters(t *testing.T) {
	a := HashLeftRight(field.FromUint64(1), field.FromUint64(2))
	b := HashLeftRight(field.FromUint64(2), field.FromUint64(1))
	if a.Equal(b) {
		t.Fatal("HashLeftRight should not be symmetric")
	}
}

func TestEmptyHashAtDepthIsStable(t *testing.T) {
	a := EmptyHashAtDepth(5)
	b := EmptyHashAtDepth(5)
	if !a.Equal(b) {
		t.Fatal("EmptyHashAtDepth not stable across calls")
	}
	zero := EmptyHashAtDepth(0)
	if !zero.Equal(field.Zero) {
		t.Fatal("EmptyHashAtDepth(0) must equal the zero leaf sentinel")
	}
}

func TestEmptyHashAtDepthDiffersByDepth(t *testing.T) {
	d1 := EmptyHashAtDepth(1)
	d2 := EmptyHashAtDepth(2)
	if d1.Equal(d2) {
		t.Fatal("empty hashes at different depths should differ")
	}
}
