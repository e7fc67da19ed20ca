package bitcoin

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/chainhub/internal/adapter"
)

type fakeEsplora struct {
	*httptest.Server
	hits atomic.Int64

	mu       sync.Mutex
	utxos    map[string][]utxo
	balances map[string]addressInfo
	sent     []*wire.MsgTx
}

func newFakeEsplora(t *testing.T) *fakeEsplora {
	f := &fakeEsplora{utxos: map[string][]utxo{}, balances: map[string]addressInfo{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /address/{addr}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.balances[r.PathValue("addr")])
	})
	mux.HandleFunc("GET /address/{addr}/utxo", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := f.utxos[r.PathValue("addr")]
		if out == nil {
			out = []utxo{}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /fee-estimates", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]float64{"1": 20, "3": 10, "6": 2, "144": 1})
	})
	mux.HandleFunc("POST /tx", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		raw, err := hex.DecodeString(string(body))
		if err != nil {
			http.Error(w, "bad hex", http.StatusBadRequest)
			return
		}
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			http.Error(w, "bad tx", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.sent = append(f.sent, tx)
		f.mu.Unlock()
		_, _ = io.WriteString(w, tx.TxHash().String())
	})

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeEsplora) {
	f := newFakeEsplora(t)
	return New(Config{URL: f.URL}, nil), f
}

func testKey(seed string) *btcec.PrivateKey {
	sum := sha256.Sum256([]byte(seed))
	priv, _ := btcec.PrivKeyFromBytes(sum[:])
	return priv
}

func fundingTxID(n byte) string {
	return chainhash.Hash{n, 0xaa}.String()
}

// verifyInputs runs every input of tx through the script engine.
func verifyInputs(t *testing.T, tx *wire.MsgTx, pkScript []byte, values map[wire.OutPoint]int64) {
	t.Helper()
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, wire.NewTxOut(values[in.PreviousOutPoint], pkScript))
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		vm, err := txscript.NewEngine(pkScript, tx, i, txscript.StandardVerifyFlags, nil, hashes, values[in.PreviousOutPoint], fetcher)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}
}

func TestAdapter_DeriveAddress(t *testing.T) {
	a, _ := newTestAdapter(t)

	pub, err := hex.DecodeString("0279BE667EF9DCBBAC55A06295CE870B07029BFCDB2DCE28D959F2815B16F81798")
	require.NoError(t, err)
	addr, err := a.DeriveAddress(pub)
	require.NoError(t, err)
	assert.Equal(t, adapter.Address("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"), addr)

	key := testKey("alice")
	compressed, err := a.DeriveAddress(key.PubKey().SerializeCompressed())
	require.NoError(t, err)
	uncompressed, err := a.DeriveAddress(key.PubKey().SerializeUncompressed())
	require.NoError(t, err)
	assert.Equal(t, compressed, uncompressed)

	_, err = a.DeriveAddress([]byte{1, 2, 3})
	assert.ErrorIs(t, err, adapter.ErrInvalidKeyFormat)

	testnet := New(Config{Network: adapter.Testnet}, nil)
	tAddr, err := testnet.DeriveAddress(pub)
	require.NoError(t, err)
	assert.Equal(t, adapter.Address("tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"), tAddr)
}

func TestAdapter_IsValidAddress(t *testing.T) {
	a, f := newTestAdapter(t)

	cases := map[string]bool{
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4": true,
		"1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2":         true,
		"3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy":         true,
		"tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx": false,
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t5": false,
		"":                                           false,
		"not-an-address":                             false,
	}
	for i := 0; i < 50; i++ {
		for s, want := range cases {
			assert.Equal(t, want, a.IsValidAddress(s), s)
		}
	}
	assert.Zero(t, f.hits.Load())
}

func multisigSpec(threshold int, keys ...*btcec.PrivateKey) adapter.MultisigSpec {
	owners := make([]adapter.Address, len(keys))
	for i, k := range keys {
		owners[i] = adapter.Address(hex.EncodeToString(k.PubKey().SerializeCompressed()))
	}
	return adapter.MultisigSpec{Owners: owners, Threshold: threshold}
}

func TestAdapter_CreateMultisigWallet(t *testing.T) {
	a, _ := newTestAdapter(t)
	k1, k2, k3 := testKey("a"), testKey("b"), testKey("c")

	two, err := a.CreateMultisigWallet(multisigSpec(2, k1, k2, k3))
	require.NoError(t, err)
	assert.True(t, a.IsValidAddress(string(two)))
	assert.Len(t, string(two), 62, "p2wsh bech32")

	again, err := a.CreateMultisigWallet(multisigSpec(2, k1, k2, k3))
	require.NoError(t, err)
	assert.Equal(t, two, again)

	three, err := a.CreateMultisigWallet(multisigSpec(3, k1, k2, k3))
	require.NoError(t, err)
	assert.NotEqual(t, two, three)

	_, err = a.CreateMultisigWallet(multisigSpec(0, k1, k2))
	assert.ErrorIs(t, err, adapter.ErrInvalidThreshold)
	_, err = a.CreateMultisigWallet(multisigSpec(3, k1, k2))
	assert.ErrorIs(t, err, adapter.ErrInvalidThreshold)
	_, err = a.CreateMultisigWallet(adapter.MultisigSpec{Owners: []adapter.Address{"zz", "yy"}, Threshold: 1})
	assert.ErrorIs(t, err, adapter.ErrInvalidKeyFormat)

	var many []*btcec.PrivateKey
	for i := 0; i < 16; i++ {
		many = append(many, testKey(string(rune('A'+i))))
	}
	_, err = a.CreateMultisigWallet(multisigSpec(2, many...))
	assert.ErrorIs(t, err, adapter.ErrTooManyOwners)
}

func TestAdapter_Balances(t *testing.T) {
	a, f := newTestAdapter(t)
	addr := "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	f.balances[addr] = addressInfo{
		ChainStats:   addressStats{FundedTxoSum: 150000, SpentTxoSum: 50000},
		MempoolStats: addressStats{FundedTxoSum: 2000, SpentTxoSum: 500},
	}

	bal, err := a.GetBalance(context.Background(), adapter.Address(addr))
	require.NoError(t, err)
	assert.Equal(t, "101500", bal)

	_, err = a.GetBalance(context.Background(), "nope")
	assert.ErrorIs(t, err, adapter.ErrInvalidAddress)

	_, err = a.GetTokenBalance(context.Background(), adapter.Address(addr), "x")
	assert.ErrorIs(t, err, adapter.ErrUnsupportedOperation)
}

func TestAdapter_NetworkUnavailable(t *testing.T) {
	a, f := newTestAdapter(t)
	f.Close()
	_, err := a.GetBalance(context.Background(), "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	assert.ErrorIs(t, err, adapter.ErrNetworkUnavailable)
}

func TestAdapter_SingleKeyLifecycle(t *testing.T) {
	a, f := newTestAdapter(t)
	ctx := context.Background()

	key := testKey("alice")
	from, err := a.DeriveAddress(key.PubKey().SerializeCompressed())
	require.NoError(t, err)
	to, err := a.DeriveAddress(testKey("bob").PubKey().SerializeCompressed())
	require.NoError(t, err)

	f.utxos[string(from)] = []utxo{
		{TxID: fundingTxID(1), Vout: 0, Value: 30000},
		{TxID: fundingTxID(2), Vout: 1, Value: 70000},
	}

	_, err = a.ProposeTransaction(ctx, adapter.TransactionIntent{From: from, To: to, Value: "100"})
	assert.Error(t, err, "dust")
	_, err = a.ProposeTransaction(ctx, adapter.TransactionIntent{From: from, To: to, Value: "200000"})
	assert.ErrorIs(t, err, adapter.ErrInsufficientFunds)

	p, err := a.ProposeTransaction(ctx, adapter.TransactionIntent{From: from, To: to, Value: "50000"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Threshold)
	assert.Equal(t, []adapter.Address{from}, p.Signers)
	require.Len(t, p.Digests, 1, "largest utxo covers the transfer")

	stranger, err := a.SignTransaction(p, func() []byte { b := sha256.Sum256([]byte("mallory")); return b[:] }())
	require.NoError(t, err)
	_, err = a.ExecuteTransaction(ctx, from, p, []*adapter.Signature{stranger})
	assert.ErrorIs(t, err, adapter.ErrInvalidSignature)

	_, err = a.SignTransaction(p, []byte{1})
	assert.ErrorIs(t, err, adapter.ErrInvalidKeyFormat)

	sig, err := a.SignTransaction(p, key.Serialize())
	require.NoError(t, err)
	receipt, err := a.ExecuteTransaction(ctx, from, p, []*adapter.Signature{sig})
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Signers)

	require.Len(t, f.sent, 1)
	tx := f.sent[0]
	assert.Equal(t, tx.TxHash().String(), receipt.TxHash)
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 2)
	assert.Equal(t, int64(50000), tx.TxOut[0].Value)
	fee := 70000 - tx.TxOut[0].Value - tx.TxOut[1].Value
	assert.Positive(t, fee)
	assert.Less(t, fee, int64(1000))

	fromAddr, err := btcutil.DecodeAddress(string(from), a.params)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(fromAddr)
	require.NoError(t, err)
	assert.Equal(t, pkScript, tx.TxOut[1].PkScript, "change returns to sender")

	verifyInputs(t, tx, pkScript, map[wire.OutPoint]int64{tx.TxIn[0].PreviousOutPoint: 70000})
}

func TestAdapter_MultisigLifecycle(t *testing.T) {
	a, f := newTestAdapter(t)
	ctx := context.Background()

	k1, k2, k3 := testKey("owner-1"), testKey("owner-2"), testKey("owner-3")
	spec := multisigSpec(2, k1, k2, k3)
	wallet, err := a.CreateMultisigWallet(spec)
	require.NoError(t, err)
	script, err := a.MultisigDescriptor(spec)
	require.NoError(t, err)
	to, err := a.DeriveAddress(testKey("bob").PubKey().SerializeCompressed())
	require.NoError(t, err)

	f.utxos[string(wallet)] = []utxo{
		{TxID: fundingTxID(3), Vout: 0, Value: 40000},
		{TxID: fundingTxID(4), Vout: 2, Value: 25000},
	}

	_, err = a.ProposeTransaction(ctx, adapter.TransactionIntent{From: wallet, To: to, Value: "60000"})
	assert.ErrorIs(t, err, adapter.ErrProposalMismatch, "witness script required")
	_, err = a.ProposeTransaction(ctx, adapter.TransactionIntent{From: wallet, To: to, Value: "60000", Payload: []byte{0x51}})
	assert.ErrorIs(t, err, adapter.ErrProposalMismatch)

	p, err := a.ProposeTransaction(ctx, adapter.TransactionIntent{From: wallet, To: to, Value: "60000", Payload: script})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Threshold)
	assert.Len(t, p.Signers, 3)
	require.Len(t, p.Digests, 2, "one digest per input")

	sig3, err := a.SignTransaction(p, k3.Serialize())
	require.NoError(t, err)
	sig1, err := a.SignTransaction(p, k1.Serialize())
	require.NoError(t, err)

	_, err = a.ExecuteTransaction(ctx, wallet, p, []*adapter.Signature{sig3, sig3})
	assert.ErrorIs(t, err, adapter.ErrInsufficientSignatures)
	assert.Empty(t, f.sent)

	receipt, err := a.ExecuteTransaction(ctx, wallet, p, []*adapter.Signature{sig3, sig1})
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Signers)
	require.Len(t, f.sent, 1)

	tx := f.sent[0]
	program := sha256.Sum256(script)
	walletAddr, err := btcutil.NewAddressWitnessScriptHash(program[:], a.params)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(walletAddr)
	require.NoError(t, err)

	values := map[wire.OutPoint]int64{}
	for _, in := range tx.TxIn {
		if in.PreviousOutPoint.Index == 0 {
			values[in.PreviousOutPoint] = 40000
		} else {
			values[in.PreviousOutPoint] = 25000
		}
	}
	verifyInputs(t, tx, pkScript, values)
}
