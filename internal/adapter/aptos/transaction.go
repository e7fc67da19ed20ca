package aptos

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/marko911/chainhub/internal/platform/bcs"
)

// Authentication key scheme suffixes.
const (
	schemeEd25519      byte = 0x00
	schemeMultiEd25519 byte = 0x01
)

// TransactionAuthenticator variants.
const (
	authEd25519      = 0
	authMultiEd25519 = 1
)

// entryFunctionPayload is the TransactionPayload variant index of
// EntryFunction.
const entryFunctionPayload = 2

var rawTxSalt = sha3.Sum256([]byte("APTOS::RawTransaction"))

type accountAddress [32]byte

func (a accountAddress) String() string { return "0x" + hex.EncodeToString(a[:]) }

// parseAddress accepts 0x followed by 1..64 hex digits; short forms are
// left-padded.
func parseAddress(s string) (accountAddress, bool) {
	var out accountAddress
	body, ok := strings.CutPrefix(s, "0x")
	if !ok || len(body) == 0 || len(body) > 64 {
		return out, false
	}
	if len(body)%2 == 1 {
		body = "0" + body
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return out, false
	}
	copy(out[32-len(raw):], raw)
	return out, true
}

// authKey is sha3-256(public key bytes || scheme).
func authKey(pub []byte, scheme byte) accountAddress {
	h := sha3.New256()
	h.Write(pub)
	h.Write([]byte{scheme})
	var out accountAddress
	copy(out[:], h.Sum(nil))
	return out
}

// rawTransaction is a RawTransaction carrying an entry function call.
type rawTransaction struct {
	Sender         accountAddress
	SequenceNumber uint64
	Module         accountAddress
	ModuleName     string
	Function       string
	Args           [][]byte
	MaxGasAmount   uint64
	GasUnitPrice   uint64
	Expiration     uint64
	ChainID        uint8
}

func transferTx(sender, to accountAddress, amount uint64) rawTransaction {
	one := accountAddress{}
	one[31] = 1
	return rawTransaction{
		Sender:     sender,
		Module:     one,
		ModuleName: "aptos_account",
		Function:   "transfer",
		Args: [][]byte{
			to[:],
			(&bcs.Writer{}).U64(amount).Bytes(),
		},
	}
}

func (t rawTransaction) encode() []byte {
	w := &bcs.Writer{}
	w.Fixed(t.Sender[:]).U64(t.SequenceNumber)

	w.Uleb128(entryFunctionPayload)
	w.Fixed(t.Module[:]).Str(t.ModuleName).Str(t.Function)
	w.Uleb128(0) // type arguments
	w.Uleb128(uint64(len(t.Args)))
	for _, arg := range t.Args {
		w.Vec(arg)
	}

	w.U64(t.MaxGasAmount).U64(t.GasUnitPrice).U64(t.Expiration).U8(t.ChainID)
	return w.Bytes()
}

// signingMessage prefixes the BCS bytes with the RawTransaction domain hash.
func signingMessage(raw []byte) []byte {
	return append(append([]byte{}, rawTxSalt[:]...), raw...)
}

// multiKey is a MultiEd25519 public key: keys followed by the threshold.
type multiKey struct {
	keys      [][]byte
	threshold int
}

func parseMultiKey(b []byte) (*multiKey, error) {
	if len(b) < 33 || (len(b)-1)%32 != 0 {
		return nil, fmt.Errorf("multi-ed25519 key has length %d", len(b))
	}
	n := (len(b) - 1) / 32
	threshold := int(b[len(b)-1])
	if n > maxMultisigOwners || threshold < 1 || threshold > n {
		return nil, fmt.Errorf("multi-ed25519 key: %d of %d", threshold, n)
	}
	mk := &multiKey{threshold: threshold}
	for i := 0; i < n; i++ {
		mk.keys = append(mk.keys, b[i*32:(i+1)*32])
	}
	return mk, nil
}

func (m *multiKey) bytes() []byte {
	out := make([]byte, 0, len(m.keys)*32+1)
	for _, k := range m.keys {
		out = append(out, k...)
	}
	return append(out, byte(m.threshold))
}

// multiSignature is sigs ordered by key index followed by a 4-byte bitmap,
// most significant bit first.
func multiSignature(sigs map[int][]byte, n int) []byte {
	var out []byte
	var bitmap [4]byte
	for i := 0; i < n; i++ {
		sig, ok := sigs[i]
		if !ok {
			continue
		}
		out = append(out, sig...)
		bitmap[i/8] |= 0x80 >> (i % 8)
	}
	return append(out, bitmap[:]...)
}

func signedTransaction(raw []byte, variant uint64, pub, sig []byte) []byte {
	w := &bcs.Writer{}
	return w.Fixed(raw).Uleb128(variant).Vec(pub).Vec(sig).Bytes()
}
