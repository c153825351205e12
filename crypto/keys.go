package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of a bech32 account address.
type AddressPrefix string

const (
	NHBPrefix AddressPrefix = "nhb"
)

var ErrInvalidAddress = errors.New("crypto: invalid address")

// FormatBech32 renders addr with the given human-readable prefix.
func FormatBech32(prefix AddressPrefix, addr common.Address) (string, error) {
	conv, err := bech32.ConvertBits(addr.Bytes(), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(string(prefix), conv)
}

// MustBech32 is FormatBech32 for addresses known to be well formed.
func MustBech32(addr common.Address) string {
	encoded, err := FormatBech32(NHBPrefix, addr)
	if err != nil {
		panic(err)
	}
	return encoded
}

// DecodeBech32 parses a bech32 account address and returns its prefix.
func DecodeBech32(addrStr string) (AddressPrefix, common.Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return "", common.Address{}, fmt.Errorf("%w: invalid bech32 string: %w", ErrInvalidAddress, err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return "", common.Address{}, fmt.Errorf("%w: error converting bits: %w", ErrInvalidAddress, err)
	}
	if len(conv) != common.AddressLength {
		return "", common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, common.AddressLength, len(conv))
	}
	return AddressPrefix(prefix), common.BytesToAddress(conv), nil
}

// ParseAddress accepts either 0x-prefixed hex or a bech32 nhb address.
func ParseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		return common.HexToAddress(trimmed), nil
	}
	prefix, addr, err := DecodeBech32(trimmed)
	if err != nil {
		return common.Address{}, err
	}
	if prefix != NHBPrefix {
		return common.Address{}, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidAddress, prefix)
	}
	return addr, nil
}

// DeriveAddress derives a deterministic module account from a label, such
// as the engine custody account.
func DeriveAddress(label string) common.Address {
	hash := crypto.Keccak256([]byte("nhbstable/module/" + strings.TrimSpace(label)))
	return common.BytesToAddress(hash[12:])
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address returns the account controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
