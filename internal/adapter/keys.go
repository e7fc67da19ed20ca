package adapter

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// Ed25519PrivateKey accepts a 32-byte seed or a 64-byte seed||public key.
func Ed25519PrivateKey(b []byte) (ed25519.PrivateKey, error) {
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		key := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
		if !bytes.Equal(key[ed25519.SeedSize:], b[ed25519.SeedSize:]) {
			return nil, fmt.Errorf("%w: public half does not match seed", ErrInvalidKeyFormat)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %d-byte ed25519 key", ErrInvalidKeyFormat, len(b))
	}
}

// OwnerKey decodes a hex-encoded public key from a multisig owner list.
func OwnerKey(owner Address) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(owner), "0x"))
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: owner %q is not a hex public key", ErrInvalidKeyFormat, owner)
	}
	return raw, nil
}
