package bitcoin

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/platform/rpcclient"
)

type Adapter struct {
	cfg     Config
	params  *chaincfg.Params
	esplora *esplora
	logger  *slog.Logger
}

var (
	_ adapter.ChainAdapter      = (*Adapter)(nil)
	_ adapter.MultisigDescriber = (*Adapter)(nil)
)

func New(cfg Config, logger *slog.Logger) *Adapter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		params: networkParams(cfg.Network),
		esplora: &esplora{rpc: rpcclient.New(rpcclient.Config{
			BaseURL:           cfg.URL,
			Chain:             cfg.Chain,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			Timeout:           cfg.Timeout,
		})},
		logger: logger.With("component", "bitcoin-adapter", "chain", cfg.Chain),
	}
}

func (a *Adapter) ChainName() string { return a.cfg.Chain }
func (a *Adapter) ChainID() uint64   { return 0 }

func parsePublicKey(b []byte) (*btcec.PublicKey, error) {
	if len(b) != btcec.PubKeyBytesLenCompressed && len(b) != secp256k1.PubKeyBytesLenUncompressed {
		return nil, fmt.Errorf("%w: %d-byte secp256k1 key", adapter.ErrInvalidKeyFormat, len(b))
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidKeyFormat, err)
	}
	return pub, nil
}

func (a *Adapter) p2wpkh(pub *btcec.PublicKey) (*btcutil.AddressWitnessPubKeyHash, error) {
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), a.params)
}

// DeriveAddress returns the native segwit (P2WPKH) address of a key.
func (a *Adapter) DeriveAddress(publicKey []byte) (adapter.Address, error) {
	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	addr, err := a.p2wpkh(pub)
	if err != nil {
		return "", fmt.Errorf("derive address: %w", err)
	}
	return adapter.Address(addr.EncodeAddress()), nil
}

func (a *Adapter) IsValidAddress(s string) bool {
	addr, err := btcutil.DecodeAddress(s, a.params)
	return err == nil && addr.IsForNet(a.params)
}

func (a *Adapter) decodeAddress(addr adapter.Address) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(string(addr), a.params)
	if err != nil || !decoded.IsForNet(a.params) {
		return nil, adapter.InvalidAddress(addr)
	}
	return decoded, nil
}

// MultisigDescriptor returns the witness script of the wallet. Spends from
// the wallet carry it in TransactionIntent.Payload.
func (a *Adapter) MultisigDescriptor(spec adapter.MultisigSpec) ([]byte, error) {
	if err := spec.ValidateMax(maxMultisigOwners); err != nil {
		return nil, err
	}
	keys := make([]*btcutil.AddressPubKey, len(spec.Owners))
	for i, o := range spec.Owners {
		raw, err := hex.DecodeString(strings.TrimPrefix(string(o), "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: owner %d is not hex", adapter.ErrInvalidKeyFormat, i)
		}
		pub, err := parsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("owner %d: %w", i, err)
		}
		key, err := btcutil.NewAddressPubKey(pub.SerializeCompressed(), a.params)
		if err != nil {
			return nil, fmt.Errorf("owner %d: %w", i, err)
		}
		keys[i] = key
	}
	script, err := txscript.MultiSigScript(keys, spec.Threshold)
	if err != nil {
		return nil, fmt.Errorf("build multisig script: %w", err)
	}
	return script, nil
}

// CreateMultisigWallet returns the P2WSH address of an m-of-n
// CHECKMULTISIG script over the owners' compressed keys, in owner order.
func (a *Adapter) CreateMultisigWallet(spec adapter.MultisigSpec) (adapter.Address, error) {
	script, err := a.MultisigDescriptor(spec)
	if err != nil {
		return "", err
	}
	program := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(program[:], a.params)
	if err != nil {
		return "", fmt.Errorf("p2wsh address: %w", err)
	}
	return adapter.Address(addr.EncodeAddress()), nil
}

func (a *Adapter) GetBalance(ctx context.Context, addr adapter.Address) (string, error) {
	if _, err := a.decodeAddress(addr); err != nil {
		return "", err
	}
	info, err := a.esplora.address(ctx, string(addr))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(info.balance(), 10), nil
}

func (a *Adapter) GetTokenBalance(ctx context.Context, addr, token adapter.Address) (string, error) {
	return "", fmt.Errorf("%w: bitcoin has no token balances", adapter.ErrUnsupportedOperation)
}

// spendPlan is how inputs from the wallet are unlocked.
type spendPlan struct {
	pkScript      []byte
	witnessScript []byte
	threshold     int
	signers       []adapter.Address
}

func (a *Adapter) planSpend(from btcutil.Address, intent adapter.TransactionIntent) (*spendPlan, error) {
	pkScript, err := txscript.PayToAddrScript(from)
	if err != nil {
		return nil, fmt.Errorf("wallet script: %w", err)
	}

	switch addr := from.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		return &spendPlan{pkScript: pkScript, threshold: 1, signers: []adapter.Address{intent.From}}, nil

	case *btcutil.AddressWitnessScriptHash:
		script := intent.Payload
		if len(script) == 0 {
			return nil, fmt.Errorf("%w: P2WSH spend needs the witness script as payload", adapter.ErrProposalMismatch)
		}
		program := sha256.Sum256(script)
		if !bytes.Equal(program[:], addr.WitnessProgram()) {
			return nil, fmt.Errorf("%w: witness script does not hash to %s", adapter.ErrProposalMismatch, intent.From)
		}
		class, keys, required, err := txscript.ExtractPkScriptAddrs(script, a.params)
		if err != nil || class != txscript.MultiSigTy {
			return nil, fmt.Errorf("%w: witness script is not a multisig script", adapter.ErrUnsupportedOperation)
		}
		signers := make([]adapter.Address, 0, len(keys))
		for _, k := range keys {
			pk, ok := k.(*btcutil.AddressPubKey)
			if !ok {
				continue
			}
			signer, err := a.p2wpkh(pk.PubKey())
			if err != nil {
				return nil, err
			}
			signers = append(signers, adapter.Address(signer.EncodeAddress()))
		}
		return &spendPlan{pkScript: pkScript, witnessScript: script, threshold: required, signers: signers}, nil

	default:
		return nil, fmt.Errorf("%w: only native segwit wallets can spend", adapter.ErrUnsupportedOperation)
	}
}

// inputVSize estimates the virtual size of one signed input.
func (p *spendPlan) inputVSize() int64 {
	// outpoint, empty scriptSig, sequence
	const base = 32 + 4 + 1 + 4
	if p.witnessScript == nil {
		// count, sig, pubkey
		return base + (1+1+72+1+33+3)/4
	}
	n := len(p.witnessScript)
	witness := 1 + 1 + p.threshold*(1+72) + wire.VarIntSerializeSize(uint64(n)) + n
	return base + int64(witness+3)/4
}

func outputVSize(pkScript []byte) int64 {
	return 8 + int64(wire.VarIntSerializeSize(uint64(len(pkScript)))) + int64(len(pkScript))
}

// ProposeTransaction builds an unsigned transfer. Inputs are picked largest
// first; change below the dust limit is left to the fee.
func (a *Adapter) ProposeTransaction(ctx context.Context, intent adapter.TransactionIntent) (*adapter.ProposalHandle, error) {
	from, err := a.decodeAddress(intent.From)
	if err != nil {
		return nil, err
	}
	to, err := a.decodeAddress(intent.To)
	if err != nil {
		return nil, err
	}
	amount, err := intent.Amount()
	if err != nil {
		return nil, err
	}
	if !amount.IsInt64() || amount.Int64() < dustLimit {
		return nil, fmt.Errorf("amount %s is below the dust limit of %d", amount, dustLimit)
	}
	value := amount.Int64()

	plan, err := a.planSpend(from, intent)
	if err != nil {
		return nil, err
	}
	toScript, err := txscript.PayToAddrScript(to)
	if err != nil {
		return nil, fmt.Errorf("recipient script: %w", err)
	}

	utxos, err := a.esplora.utxos(ctx, string(intent.From))
	if err != nil {
		return nil, err
	}
	rate, err := a.esplora.feeRate(ctx, a.cfg.FeeTargetBlocks)
	if err != nil {
		return nil, err
	}

	// version, locktime, counts and the segwit marker
	const overhead = 11
	fee := func(inputs int, change bool) int64 {
		size := overhead + int64(inputs)*plan.inputVSize() + outputVSize(toScript)
		if change {
			size += outputVSize(plan.pkScript)
		}
		return int64(float64(size)*rate + 0.999)
	}

	tx := wire.NewMsgTx(2)
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	var values []int64
	var total int64
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("utxo txid %q: %w", u.TxID, err)
		}
		op := wire.NewOutPoint(hash, u.Vout)
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
		prevOuts.AddPrevOut(*op, wire.NewTxOut(u.Value, plan.pkScript))
		values = append(values, u.Value)
		total += u.Value
		if total >= value+fee(len(tx.TxIn), false) {
			break
		}
	}
	if need := value + fee(len(tx.TxIn), false); total < need {
		return nil, fmt.Errorf("%w: have %d sat, need %d", adapter.ErrInsufficientFunds, total, need)
	}

	tx.AddTxOut(wire.NewTxOut(value, toScript))
	if change := total - value - fee(len(tx.TxIn), true); change >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, plan.pkScript))
	}

	hashes := txscript.NewTxSigHashes(tx, prevOuts)
	script := plan.pkScript
	if plan.witnessScript != nil {
		script = plan.witnessScript
	}
	digests := make([][]byte, len(tx.TxIn))
	for i := range tx.TxIn {
		digest, err := txscript.CalcWitnessSigHash(script, hashes, txscript.SigHashAll, tx, i, values[i])
		if err != nil {
			return nil, fmt.Errorf("sighash input %d: %w", i, err)
		}
		digests[i] = digest
	}

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	a.logger.Debug("proposed transaction",
		"from", intent.From, "to", intent.To, "inputs", len(tx.TxIn), "outputs", len(tx.TxOut), "fee_rate", rate)
	return adapter.NewProposal(a.cfg.Chain, intent, plan.threshold, plan.signers, buf.Bytes(), digests...), nil
}

// SignTransaction produces a DER signature with SIGHASH_ALL for every input.
func (a *Adapter) SignTransaction(proposal *adapter.ProposalHandle, privateKey []byte) (*adapter.Signature, error) {
	if proposal == nil || len(proposal.Digests) == 0 {
		return nil, fmt.Errorf("%w: empty proposal", adapter.ErrProposalMismatch)
	}
	if len(privateKey) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: %d-byte private key", adapter.ErrInvalidKeyFormat, len(privateKey))
	}
	priv, pub := btcec.PrivKeyFromBytes(privateKey)

	values := make([][]byte, len(proposal.Digests))
	for i, digest := range proposal.Digests {
		sig := ecdsa.Sign(priv, digest).Serialize()
		values[i] = append(sig, byte(txscript.SigHashAll))
	}
	return &adapter.Signature{
		ProposalID: proposal.ID,
		PublicKey:  pub.SerializeCompressed(),
		Values:     values,
	}, nil
}

func verifySignature(publicKey, digest, sig []byte) bool {
	if len(sig) < 2 || sig[len(sig)-1] != byte(txscript.SigHashAll) {
		return false
	}
	pub, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return false
	}
	return parsed.Verify(digest, pub)
}

func (a *Adapter) ExecuteTransaction(ctx context.Context, wallet adapter.Address, proposal *adapter.ProposalHandle, sigs []*adapter.Signature) (*adapter.TransactionReceipt, error) {
	approvals, err := adapter.CollectSignatures(wallet, proposal, sigs, a.DeriveAddress, verifySignature)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.DeserializeNoWitness(bytes.NewReader(proposal.Unsigned)); err != nil {
		return nil, fmt.Errorf("%w: decode transaction: %v", adapter.ErrProposalMismatch, err)
	}
	if len(tx.TxIn) != len(proposal.Digests) {
		return nil, fmt.Errorf("%w: %d inputs, %d digests", adapter.ErrProposalMismatch, len(tx.TxIn), len(proposal.Digests))
	}

	script := proposal.Intent.Payload
	if len(script) == 0 {
		if err := attachSingle(tx, approvals[0].Signature); err != nil {
			return nil, err
		}
	} else if err := a.attachMultisig(tx, script, proposal.Threshold, approvals); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	txid, err := a.esplora.broadcast(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, err
	}
	a.logger.Info("transaction submitted", "tx_hash", txid, "wallet", wallet)

	return &adapter.TransactionReceipt{
		TxHash:      txid,
		Chain:       a.cfg.Chain,
		Wallet:      proposal.Wallet,
		Signers:     len(approvals),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// attachSingle sets the P2WPKH witness. Segwit requires the compressed key.
func attachSingle(tx *wire.MsgTx, sig *adapter.Signature) error {
	pub, err := parsePublicKey(sig.PublicKey)
	if err != nil {
		return err
	}
	compressed := pub.SerializeCompressed()
	for i, in := range tx.TxIn {
		in.Witness = wire.TxWitness{sig.Values[i], compressed}
	}
	return nil
}

// attachMultisig orders signatures by key position in the script, which
// CHECKMULTISIG requires, and uses exactly threshold of them.
func (a *Adapter) attachMultisig(tx *wire.MsgTx, script []byte, threshold int, approvals []adapter.Approval) error {
	_, keys, _, err := txscript.ExtractPkScriptAddrs(script, a.params)
	if err != nil {
		return fmt.Errorf("%w: parse witness script: %v", adapter.ErrProposalMismatch, err)
	}

	bySigner := make(map[adapter.Address]*adapter.Signature, len(approvals))
	for _, ap := range approvals {
		bySigner[ap.Signer] = ap.Signature
	}

	ordered := make([]*adapter.Signature, 0, threshold)
	for _, k := range keys {
		pk, ok := k.(*btcutil.AddressPubKey)
		if !ok {
			continue
		}
		signer, err := a.p2wpkh(pk.PubKey())
		if err != nil {
			return err
		}
		if sig, ok := bySigner[adapter.Address(signer.EncodeAddress())]; ok {
			ordered = append(ordered, sig)
		}
		if len(ordered) == threshold {
			break
		}
	}
	if len(ordered) < threshold {
		return fmt.Errorf("%w: have %d, need %d", adapter.ErrInsufficientSignatures, len(ordered), threshold)
	}

	for i, in := range tx.TxIn {
		witness := wire.TxWitness{nil}
		for _, sig := range ordered {
			witness = append(witness, sig.Values[i])
		}
		in.Witness = append(witness, script)
	}
	return nil
}
