package sui

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/platform/bcs"
)

// Signature scheme flags.
const (
	flagEd25519   byte = 0x00
	flagSecp256k1 byte = 0x01
	flagMultiSig  byte = 0x03
)

// Only the transaction-data intent is signed.
var txIntent = []byte{0, 0, 0}

type publicKey struct {
	flag  byte
	bytes []byte
}

// parseKey infers the scheme from the key length.
func parseKey(b []byte) (publicKey, error) {
	switch len(b) {
	case ed25519.PublicKeySize:
		return publicKey{flag: flagEd25519, bytes: b}, nil
	case btcec.PubKeyBytesLenCompressed:
		if _, err := btcec.ParsePubKey(b); err != nil {
			return publicKey{}, fmt.Errorf("%w: %v", adapter.ErrInvalidKeyFormat, err)
		}
		return publicKey{flag: flagSecp256k1, bytes: b}, nil
	default:
		return publicKey{}, fmt.Errorf("%w: %d-byte key", adapter.ErrInvalidKeyFormat, len(b))
	}
}

func blake(parts ...[]byte) []byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func (k publicKey) address() string {
	return "0x" + hex.EncodeToString(blake([]byte{k.flag}, k.bytes))
}

func isValidAddress(s string) bool {
	body, ok := strings.CutPrefix(s, "0x")
	if !ok || len(body) != 64 {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}

// multiSigKey is a MultiSigPublicKey: weighted keys and a weight threshold.
type multiSigKey struct {
	keys      []publicKey
	weights   []uint8
	threshold uint16
}

// address is blake2b(0x03 || threshold u16le || flag||pk||weight ...).
func (m *multiSigKey) address() string {
	w := (&bcs.Writer{}).U8(flagMultiSig).U16(m.threshold)
	for i, k := range m.keys {
		w.U8(k.flag).Fixed(k.bytes).U8(m.weights[i])
	}
	return "0x" + hex.EncodeToString(blake(w.Bytes()))
}

// encode writes the BCS MultiSigPublicKey: a vector of (PublicKey enum,
// weight) pairs followed by the threshold.
func (m *multiSigKey) encode() []byte {
	w := &bcs.Writer{}
	w.Uleb128(uint64(len(m.keys)))
	for i, k := range m.keys {
		w.Uleb128(uint64(k.flag)).Fixed(k.bytes).U8(m.weights[i])
	}
	return w.U16(m.threshold).Bytes()
}

func decodeMultiSigKey(b []byte) (*multiSigKey, error) {
	r := bcs.NewReader(b)
	n, err := r.Uleb128()
	if err != nil {
		return nil, err
	}
	if n == 0 || n > maxMultisigOwners {
		return nil, fmt.Errorf("multisig key has %d members", n)
	}
	m := &multiSigKey{}
	for i := uint64(0); i < n; i++ {
		flag, err := r.Uleb128()
		if err != nil {
			return nil, err
		}
		size := ed25519.PublicKeySize
		switch byte(flag) {
		case flagEd25519:
		case flagSecp256k1:
			size = btcec.PubKeyBytesLenCompressed
		default:
			return nil, fmt.Errorf("unsupported key scheme %d", flag)
		}
		raw, err := r.Fixed(size)
		if err != nil {
			return nil, err
		}
		weight, err := r.U8()
		if err != nil {
			return nil, err
		}
		m.keys = append(m.keys, publicKey{flag: byte(flag), bytes: raw})
		m.weights = append(m.weights, weight)
	}
	if m.threshold, err = r.U16(); err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Remaining())
	}
	return m, nil
}

// minSigners is the fewest members whose weights reach the threshold.
func (m *multiSigKey) minSigners() int {
	sorted := append([]uint8{}, m.weights...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	var total int
	for i, w := range sorted {
		total += int(w)
		if total >= int(m.threshold) {
			return i + 1
		}
	}
	return len(sorted) + 1
}
