package prover

import (
	"bytes"
	"math/big"
	"testing"

	groth16bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254"

	"github.com/certen/signup-sequencer/pkg/field"
)

func TestDecodeGroth16ProofRoundTrip(t *testing.T) {
	var proof groth16bn254.Proof
	_, _, g1gen, _ := bn254.Generators()
	proof.Ar = g1gen
	proof.Krs = g1gen

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		t.Fatalf("serialize proof: %v", err)
	}

	decoded, err := DecodeGroth16Proof(buf.Bytes())
	if err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	for i, v := range decoded {
		if v == nil {
			t.Fatalf("element %d is nil", i)
		}
	}

	expectedX := new(big.Int)
	g1gen.X.BigInt(expectedX)
	if decoded[0].Cmp(expectedX) != 0 {
		t.Fatalf("Ar.X mismatch: got %s want %s", decoded[0], expectedX)
	}
}

func TestDecodeProofElementsAndEncodeRoundTrip(t *testing.T) {
	var elems [8]field.Element
	for i := range elems {
		elems[i] = field.FromUint64(uint64(i + 1))
	}
	var resp Response
	for i, e := range elems {
		resp.Proof[i] = e.Hex()
	}

	decoded, err := DecodeProofElements(resp)
	if err != nil {
		t.Fatalf("decode proof elements: %v", err)
	}
	for i := range elems {
		if !decoded[i].Equal(elems[i]) {
			t.Fatalf("element %d mismatch: got %s want %s", i, decoded[i], elems[i])
		}
	}

	blob := EncodeProofElements(decoded)
	if len(blob) != 256 {
		t.Fatalf("expected 256-byte blob, got %d", len(blob))
	}
	roundTripped, err := DecodeProofBytes(blob)
	if err != nil {
		t.Fatalf("decode proof bytes: %v", err)
	}
	for i := range elems {
		if !roundTripped[i].Equal(elems[i]) {
			t.Fatalf("round-tripped element %d mismatch", i)
		}
	}
}

func TestDecodeProofElementsRejectsInvalidHex(t *testing.T) {
	var resp Response
	resp.Proof[0] = "not-hex"
	if _, err := DecodeProofElements(resp); err == nil {
		t.Fatal("expected an error for invalid hex")
	}
}
