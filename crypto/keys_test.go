package crypto

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestParseAddressAcceptsHexAndBech32(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	encoded, err := FormatBech32(NHBPrefix, addr)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if !strings.HasPrefix(encoded, "nhb1") {
		t.Fatalf("unexpected encoding %s", encoded)
	}
	for _, input := range []string{addr.Hex(), strings.ToLower(addr.Hex()), encoded, " " + encoded + " "} {
		got, err := ParseAddress(input)
		if err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if got != addr {
			t.Fatalf("parse %q: expected %s, got %s", input, addr.Hex(), got.Hex())
		}
	}
	other, err := FormatBech32("znhb", addr)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	for _, bad := range []string{"", "0x1234", "nhb1qqqq", other} {
		if _, err := ParseAddress(bad); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("expected ErrInvalidAddress for %q, got %v", bad, err)
		}
	}
}

func TestDeriveAddressIsStable(t *testing.T) {
	a := DeriveAddress("stable-engine")
	b := DeriveAddress(" stable-engine ")
	if a != b {
		t.Fatalf("derivation should ignore surrounding whitespace")
	}
	if a == DeriveAddress("stable-token") {
		t.Fatalf("different labels should derive different addresses")
	}
	if a == (common.Address{}) {
		t.Fatalf("derived zero address")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "operator.json")
	if err := SaveToKeystore(path, key, "correct horse"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("loaded key controls %s, expected %s", loaded.Address().Hex(), key.Address().Hex())
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
