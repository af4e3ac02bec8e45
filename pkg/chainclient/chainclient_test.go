package chainclient

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestIdentityManagerABIParses(t *testing.T) {
	if _, err := abi.JSON(strings.NewReader(identityManagerABI)); err != nil {
		t.Fatalf("identityManagerABI failed to parse: %v", err)
	}
}

func TestEncodeRegisterIdentities(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(identityManagerABI))
	if err != nil {
		t.Fatal(err)
	}
	c := &Client{abi: parsed}

	var proof [8]*big.Int
	for i := range proof {
		proof[i] = big.NewInt(int64(i + 1))
	}
	data, err := c.EncodeRegisterIdentities(proof, big.NewInt(1), 0, []*big.Int{big.NewInt(42)}, big.NewInt(2))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty encoded call data")
	}
}

func TestEncodeDeleteIdentities(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(identityManagerABI))
	if err != nil {
		t.Fatal(err)
	}
	c := &Client{abi: parsed}

	var proof [8]*big.Int
	for i := range proof {
		proof[i] = big.NewInt(int64(i + 1))
	}
	data, err := c.EncodeDeleteIdentities(proof, big.NewInt(1), []uint32{0, 1}, big.NewInt(2))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty encoded call data")
	}
}
