package prover

import (
	"bytes"
	"fmt"
	"math/big"

	groth16bn254 "github.com/consensys/gnark/backend/groth16/bn254"

	"github.com/certen/signup-sequencer/pkg/field"
)

// DecodeGroth16Proof parses the raw serialized groth16 BN254 proof returned
// by a prover instance and flattens its curve points into the eight
// uint256 values the identity manager contract's calldata expects: Ar.X,
// Ar.Y, Bs.X.A0, Bs.X.A1, Bs.Y.A0, Bs.Y.A1, Krs.X, Krs.Y. This mirrors how
// the validator's BLS ZK prover extracts proof components from a
// groth16_bn254.Proof after casting from the groth16.Proof interface.
func DecodeGroth16Proof(raw []byte) ([8]*big.Int, error) {
	var out [8]*big.Int
	var proof groth16bn254.Proof
	if _, err := proof.ReadFrom(bytes.NewReader(raw)); err != nil {
		return out, fmt.Errorf("prover: decode groth16 proof: %w", err)
	}

	arX, arY := new(big.Int), new(big.Int)
	proof.Ar.X.BigInt(arX)
	proof.Ar.Y.BigInt(arY)

	bsX0, bsX1 := new(big.Int), new(big.Int)
	bsY0, bsY1 := new(big.Int), new(big.Int)
	proof.Bs.X.A0.BigInt(bsX0)
	proof.Bs.X.A1.BigInt(bsX1)
	proof.Bs.Y.A0.BigInt(bsY0)
	proof.Bs.Y.A1.BigInt(bsY1)

	krsX, krsY := new(big.Int), new(big.Int)
	proof.Krs.X.BigInt(krsX)
	proof.Krs.Y.BigInt(krsY)

	out[0], out[1] = arX, arY
	out[2], out[3] = bsX0, bsX1
	out[4], out[5] = bsY0, bsY1
	out[6], out[7] = krsX, krsY
	return out, nil
}

// DecodeProofElements parses a Response's [8]string proof (the wire
// shape POST /prove actually returns) into field elements, for
// persistence via store.SetBatchProof and for the submitter's ABI
// encoding.
func DecodeProofElements(resp Response) ([8]field.Element, error) {
	var out [8]field.Element
	for i, s := range resp.Proof {
		e, err := field.FromHex(s)
		if err != nil {
			return out, fmt.Errorf("prover: decode proof element %d: %w", i, err)
		}
		out[i] = e
	}
	return out, nil
}

// EncodeProofElements serializes eight proof field elements into a
// flat 256-byte blob (32 bytes per element, big-endian), the form
// persisted by store.SetBatchProof.
func EncodeProofElements(elems [8]field.Element) []byte {
	out := make([]byte, 0, 256)
	for _, e := range elems {
		b := e.Bytes()
		out = append(out, b[:]...)
	}
	return out
}

// DecodeProofBytes is the inverse of EncodeProofElements.
func DecodeProofBytes(raw []byte) ([8]field.Element, error) {
	var out [8]field.Element
	if len(raw) != 256 {
		return out, fmt.Errorf("prover: proof blob must be 256 bytes, got %d", len(raw))
	}
	for i := range out {
		e, err := field.FromBigEndian(raw[i*32 : i*32+32])
		if err != nil {
			return out, fmt.Errorf("prover: decode proof element %d: %w", i, err)
		}
		out[i] = e
	}
	return out, nil
}
