package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultisigSpec_Validate(t *testing.T) {
	owners := []Address{"a", "b", "c"}

	for threshold := 1; threshold <= len(owners); threshold++ {
		assert.NoError(t, MultisigSpec{Owners: owners, Threshold: threshold}.Validate())
	}

	for _, threshold := range []int{-1, 0, 4, 10} {
		err := MultisigSpec{Owners: owners, Threshold: threshold}.Validate()
		assert.ErrorIs(t, err, ErrInvalidThreshold, "threshold %d", threshold)
	}

	err := MultisigSpec{Threshold: 1}.Validate()
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	err = MultisigSpec{Owners: []Address{"0xAB", "0xab"}, Threshold: 1}.Validate()
	assert.ErrorIs(t, err, ErrDuplicateOwner)

	err = MultisigSpec{Owners: owners, Threshold: 2}.ValidateMax(2)
	assert.ErrorIs(t, err, ErrTooManyOwners)
}

func TestTransactionIntent_Amount(t *testing.T) {
	v, err := TransactionIntent{Value: "1000000000000000000000"}.Amount()
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", v.String())

	v, err = TransactionIntent{}.Amount()
	require.NoError(t, err)
	assert.Zero(t, v.Sign())

	_, err = TransactionIntent{Value: "-1"}.Amount()
	assert.Error(t, err)

	_, err = TransactionIntent{Value: "1.5"}.Amount()
	assert.Error(t, err)
}

// Test signatures: the "public key" is the signer name and a valid
// signature is digest || publicKey.
func fakeSigner(pub []byte) (Address, error) {
	if len(pub) == 0 {
		return "", ErrInvalidKeyFormat
	}
	return Address(pub), nil
}

func fakeVerify(pub, digest, sig []byte) bool {
	return bytes.Equal(sig, append(append([]byte{}, digest...), pub...))
}

func fakeSign(p *ProposalHandle, who string) *Signature {
	values := make([][]byte, len(p.Digests))
	for i, d := range p.Digests {
		values[i] = append(append([]byte{}, d...), who...)
	}
	return &Signature{ProposalID: p.ID, PublicKey: []byte(who), Values: values}
}

func TestCollectSignatures(t *testing.T) {
	intent := TransactionIntent{From: "wallet", To: "dest", Value: "1"}
	p := NewProposal("test", intent, 2, []Address{"alice", "bob", "carol"}, nil, []byte("d1"), []byte("d2"))
	require.NotEmpty(t, p.ID)
	require.Equal(t, Address("wallet"), p.Wallet)

	t.Run("threshold met", func(t *testing.T) {
		approvals, err := CollectSignatures("wallet", p, []*Signature{fakeSign(p, "alice"), fakeSign(p, "carol")}, fakeSigner, fakeVerify)
		require.NoError(t, err)
		require.Len(t, approvals, 2)
		assert.Equal(t, Address("alice"), approvals[0].Signer)
		assert.Equal(t, Address("carol"), approvals[1].Signer)
	})

	t.Run("duplicate signer counted once", func(t *testing.T) {
		_, err := CollectSignatures("wallet", p, []*Signature{fakeSign(p, "alice"), fakeSign(p, "alice")}, fakeSigner, fakeVerify)
		assert.ErrorIs(t, err, ErrInsufficientSignatures)
	})

	t.Run("no signatures", func(t *testing.T) {
		_, err := CollectSignatures("wallet", p, nil, fakeSigner, fakeVerify)
		assert.ErrorIs(t, err, ErrInsufficientSignatures)
	})

	t.Run("unauthorized signer", func(t *testing.T) {
		_, err := CollectSignatures("wallet", p, []*Signature{fakeSign(p, "mallory"), fakeSign(p, "alice")}, fakeSigner, fakeVerify)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("bad signature", func(t *testing.T) {
		sig := fakeSign(p, "bob")
		sig.Values[1] = []byte("garbage")
		_, err := CollectSignatures("wallet", p, []*Signature{fakeSign(p, "alice"), sig}, fakeSigner, fakeVerify)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("wrong wallet", func(t *testing.T) {
		_, err := CollectSignatures("other", p, []*Signature{fakeSign(p, "alice"), fakeSign(p, "bob")}, fakeSigner, fakeVerify)
		assert.ErrorIs(t, err, ErrProposalMismatch)
	})

	t.Run("signature for another proposal", func(t *testing.T) {
		sig := fakeSign(p, "bob")
		sig.ProposalID = "other"
		_, err := CollectSignatures("wallet", p, []*Signature{fakeSign(p, "alice"), sig}, fakeSigner, fakeVerify)
		assert.ErrorIs(t, err, ErrProposalMismatch)
	})
}

type stubAdapter struct {
	ChainAdapter
	id     ChainIdentity
	closed bool
}

func (s *stubAdapter) ChainName() string { return s.id.Name }
func (s *stubAdapter) Close() error      { s.closed = true; return nil }

func TestRegistry_GetIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	var built int
	var mu sync.Mutex
	reg.Register(FamilyEVM, func(id ChainIdentity, endpoint string) (ChainAdapter, error) {
		mu.Lock()
		built++
		mu.Unlock()
		return &stubAdapter{id: id}, nil
	})

	id := ChainIdentity{Family: FamilyEVM, Name: "ethereum", ChainID: 1}

	var wg sync.WaitGroup
	results := make([]ChainAdapter, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := reg.Get(id, "https://rpc.example")
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, built)
	for _, a := range results {
		assert.Same(t, results[0], a)
	}

	other, err := reg.Get(id, "https://other.example")
	require.NoError(t, err)
	assert.NotSame(t, results[0], other)
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_Discard(t *testing.T) {
	reg := NewRegistry()
	reg.Register(FamilySui, func(id ChainIdentity, endpoint string) (ChainAdapter, error) {
		return &stubAdapter{id: id}, nil
	})

	id := ChainIdentity{Family: FamilySui}
	a, err := reg.Get(id, "e")
	require.NoError(t, err)
	assert.Equal(t, "sui", a.ChainName())

	assert.True(t, reg.Discard(FamilySui, "e"))
	assert.True(t, a.(*stubAdapter).closed)
	assert.False(t, reg.Discard(FamilySui, "e"))

	b, err := reg.Get(id, "e")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestRegistry_Errors(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get(ChainIdentity{Family: FamilyAptos}, "e")
	assert.ErrorIs(t, err, ErrUnknownFamily)

	boom := errors.New("boom")
	reg.Register(FamilyAptos, func(ChainIdentity, string) (ChainAdapter, error) { return nil, boom })
	_, err = reg.Get(ChainIdentity{Family: FamilyAptos}, "e")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, reg.Len())
}

func TestParseFamily(t *testing.T) {
	for _, f := range Families() {
		got, err := ParseFamily(string(f))
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	_, err := ParseFamily("solana")
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestNetworkError(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := NetworkError("get balance", cause)
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "get balance")
}

func TestEd25519PrivateKey(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	fromSeed, err := Ed25519PrivateKey(seed)
	require.NoError(t, err)

	full, err := Ed25519PrivateKey(fromSeed)
	require.NoError(t, err)
	assert.Equal(t, fromSeed, full)

	tampered := append([]byte{}, fromSeed...)
	tampered[63] ^= 1
	_, err = Ed25519PrivateKey(tampered)
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	_, err = Ed25519PrivateKey([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestOwnerKey(t *testing.T) {
	k, err := OwnerKey("0x0a0b")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b}, k)

	_, err = OwnerKey("zz")
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
	_, err = OwnerKey("")
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}
