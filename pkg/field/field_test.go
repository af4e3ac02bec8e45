package field

import "testing"

func TestFromHexRoundTrip(t *testing.T) {
	cases := []string{
		"0x0000000000000000000000000000000000000000000000000000000000000001",
		"0x1",
		"0x2a",
		"00",
	}
	for _, c := range cases {
		e, err := FromHex(c)
		if err != nil {
			t.Fatalf("FromHex(%q) error: %v", c, err)
		}
		back, err := FromHex(e.Hex())
		if err != nil {
			t.Fatalf("FromHex(%q) error: %v", e.Hex(), err)
		}
		if !back.Equal(e) {
			t.Fatalf("round trip of %q gave %s, want %s", c, back.Hex(), e.Hex())
		}
	}
}

func TestZeroIsZero(t *testing.T) {
	if !Zero.IsZero() {
		t.Fatal("Zero.IsZero() = false")
	}
	one := FromUint64(1)
	if one.IsZero() {
		t.Fatal("FromUint64(1).IsZero() = true")
	}
}

func TestEqual(t *testing.T) {
	a := FromUint64(42)
	b := FromUint64(42)
	c := FromUint64(43)
	if !a.Equal(b) {
		t.Fatal("equal elements compared unequal")
	}
	if a.Equal(c) {
		t.Fatal("unequal elements compared equal")
	}
}

func TestFromBigEndianRejectsOversize(t *testing.T) {
	big := make([]byte, 33)
	big[0] = 1
	if _, err := FromBigEndian(big); err != ErrWrongByteLen {
		t.Fatalf("expected ErrWrongByteLen, got %v", err)
	}
}

func TestFromBigEndianRejectsUnreduced(t *testing.T) {
	// The BN254 scalar field modulus is ~2^254; an all-0xff 32-byte value
	// is far larger than the modulus and must be rejected.
	overflow := make([]byte, 32)
	for i := range overflow {
		overflow[i] = 0xff
	}
	if _, err := FromBigEndian(overflow); err != ErrUnreduced {
		t.Fatalf("expected ErrUnreduced, got %v", err)
	}
}

func TestAddMulExp5(t *testing.T) {
	a := FromUint64(3)
	b := FromUint64(4)
	sum := Add(a, b)
	if !sum.Equal(FromUint64(7)) {
		t.Fatalf("Add(3,4) = %s, want 7", sum.Hex())
	}
	prod := Mul(a, b)
	if !prod.Equal(FromUint64(12)) {
		t.Fatalf("Mul(3,4) = %s, want 12", prod.Hex())
	}
	exp := Exp5(FromUint64(2))
	if !exp.Equal(FromUint64(32)) {
		t.Fatalf("Exp5(2) = %s, want 32", exp.Hex())
	}
}

func TestHexAcceptsMixedPrefix(t *testing.T) {
	a, err := FromHex("0xFF")
	if err != nil {
		t.Fatalf("FromHex(0xFF) error: %v", err)
	}
	b, err := FromHex("ff")
	if err != nil {
		t.Fatalf("FromHex(ff) error: %v", err)
	}
	if !a.Equal(b) {
		t.Fatal("FromHex should accept upper-case digits and an optional 0x prefix")
	}
}
