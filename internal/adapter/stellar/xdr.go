package stellar

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
)

// XDR discriminants used by payment and signer transactions.
const (
	keyTypeEd25519    = 0
	signerKeyEd25519  = 0
	envelopeTypeTx    = 2
	precondTime       = 1
	memoNone          = 0
	opPayment         = 1
	opSetOptions      = 5
	assetNative       = 0
	assetAlphanum4    = 1
	assetAlphanum12   = 2
	maxDecoratedSigs  = 20
	signatureHintSize = 4
)

type xdrWriter struct {
	buf []byte
}

func (w *xdrWriter) uint32(v uint32) *xdrWriter {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *xdrWriter) uint64(v uint64) *xdrWriter {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	return w
}

// fixed writes opaque[n], zero padded to a multiple of four.
func (w *xdrWriter) fixed(b []byte) *xdrWriter {
	w.buf = append(w.buf, b...)
	if pad := (4 - len(b)%4) % 4; pad > 0 {
		w.buf = append(w.buf, make([]byte, pad)...)
	}
	return w
}

func (w *xdrWriter) opaque(b []byte) *xdrWriter {
	return w.uint32(uint32(len(b))).fixed(b)
}

func (w *xdrWriter) account(pub []byte) *xdrWriter {
	return w.uint32(keyTypeEd25519).fixed(pub)
}

// asset is a Stellar asset; a zero value is the native lumen.
type asset struct {
	Code   string
	Issuer []byte
}

// parseAsset accepts CODE:ISSUER.
func parseAsset(s string) (asset, error) {
	code, issuer, ok := strings.Cut(s, ":")
	if !ok || len(code) == 0 || len(code) > 12 {
		return asset{}, fmt.Errorf("asset %q is not CODE:ISSUER", s)
	}
	pub, err := decodeAccountID(issuer)
	if err != nil {
		return asset{}, fmt.Errorf("asset issuer %q: %w", issuer, err)
	}
	return asset{Code: code, Issuer: pub}, nil
}

func (a asset) native() bool { return a.Code == "" }

func (w *xdrWriter) asset(a asset) *xdrWriter {
	switch {
	case a.native():
		return w.uint32(assetNative)
	case len(a.Code) <= 4:
		code := make([]byte, 4)
		copy(code, a.Code)
		return w.uint32(assetAlphanum4).fixed(code).account(a.Issuer)
	default:
		code := make([]byte, 12)
		copy(code, a.Code)
		return w.uint32(assetAlphanum12).fixed(code).account(a.Issuer)
	}
}

// payment is a single-operation payment transaction.
type payment struct {
	Source      []byte
	Fee         uint32
	Sequence    int64
	MaxTime     uint64
	Destination []byte
	Asset       asset
	Amount      int64
}

func (p payment) encode() []byte {
	w := &xdrWriter{}
	w.account(p.Source)
	w.uint32(p.Fee)
	w.uint64(uint64(p.Sequence))
	w.uint32(precondTime).uint64(0).uint64(p.MaxTime)
	w.uint32(memoNone)

	w.uint32(1) // operations
	w.uint32(0) // no operation source
	w.uint32(opPayment)
	w.account(p.Destination).asset(p.Asset).uint64(uint64(p.Amount))

	w.uint32(0) // ext
	return w.buf
}

// setOptions is one SetOptions operation. Nil thresholds and a nil Signer
// leave the account's current values alone.
type setOptions struct {
	MasterWeight *uint32
	Low          *uint32
	Medium       *uint32
	High         *uint32
	Signer       []byte
	SignerWeight uint32
}

func (w *xdrWriter) optionalUint32(v *uint32) *xdrWriter {
	if v == nil {
		return w.uint32(0)
	}
	return w.uint32(1).uint32(*v)
}

func (o setOptions) encode(w *xdrWriter) {
	w.uint32(0) // no operation source
	w.uint32(opSetOptions)
	w.uint32(0) // inflation destination
	w.uint32(0) // clear flags
	w.uint32(0) // set flags
	w.optionalUint32(o.MasterWeight).optionalUint32(o.Low).optionalUint32(o.Medium).optionalUint32(o.High)
	w.uint32(0) // home domain
	if o.Signer == nil {
		w.uint32(0)
		return
	}
	w.uint32(1).uint32(signerKeyEd25519).fixed(o.Signer).uint32(o.SignerWeight)
}

// encodeOperations writes ops as an XDR operation array.
func encodeOperations(ops []setOptions) []byte {
	w := &xdrWriter{}
	w.uint32(uint32(len(ops)))
	for _, op := range ops {
		op.encode(w)
	}
	return w.buf
}

func networkID(passphrase string) [32]byte {
	return sha256.Sum256([]byte(passphrase))
}

// signatureBase hashes networkID || ENVELOPE_TYPE_TX || tx.
func signatureBase(passphrase string, tx []byte) []byte {
	id := networkID(passphrase)
	h := sha256.New()
	h.Write(id[:])
	h.Write(binary.BigEndian.AppendUint32(nil, envelopeTypeTx))
	h.Write(tx)
	return h.Sum(nil)
}

type decoratedSignature struct {
	PublicKey []byte
	Signature []byte
}

// envelope is a TransactionV1Envelope. The hint is the last four bytes of
// the signer's key.
func envelope(tx []byte, sigs []decoratedSignature) []byte {
	w := &xdrWriter{}
	w.uint32(envelopeTypeTx)
	w.buf = append(w.buf, tx...)
	w.uint32(uint32(len(sigs)))
	for _, s := range sigs {
		w.fixed(s.PublicKey[len(s.PublicKey)-signatureHintSize:])
		w.opaque(s.Signature)
	}
	return w.buf
}
