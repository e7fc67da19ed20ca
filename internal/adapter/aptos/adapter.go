package aptos

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/platform/rpcclient"
)

const signedTxContentType = "application/x.aptos.signed_transaction+bcs"

type Adapter struct {
	cfg    Config
	rpc    *rpcclient.Client
	logger *slog.Logger
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
		cfg: cfg,
		rpc: rpcclient.New(rpcclient.Config{
			BaseURL:           cfg.URL,
			Chain:             cfg.Chain,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			Timeout:           cfg.Timeout,
		}),
		logger: logger.With("component", "aptos-adapter", "chain", cfg.Chain),
	}
}

func (a *Adapter) ChainName() string { return a.cfg.Chain }
func (a *Adapter) ChainID() uint64   { return uint64(a.cfg.ChainID) }

func (a *Adapter) DeriveAddress(publicKey []byte) (adapter.Address, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: %d-byte ed25519 key", adapter.ErrInvalidKeyFormat, len(publicKey))
	}
	return adapter.Address(authKey(publicKey, schemeEd25519).String()), nil
}

func (a *Adapter) IsValidAddress(s string) bool {
	_, ok := parseAddress(s)
	return ok
}

func (a *Adapter) address(addr adapter.Address) (accountAddress, error) {
	parsed, ok := parseAddress(string(addr))
	if !ok {
		return parsed, adapter.InvalidAddress(addr)
	}
	return parsed, nil
}

// MultisigDescriptor returns the MultiEd25519 public key: owner keys in
// order followed by the threshold byte.
func (a *Adapter) MultisigDescriptor(spec adapter.MultisigSpec) ([]byte, error) {
	if err := spec.ValidateMax(maxMultisigOwners); err != nil {
		return nil, err
	}
	mk := &multiKey{threshold: spec.Threshold}
	for i, o := range spec.Owners {
		key, err := adapter.OwnerKey(o)
		if err != nil {
			return nil, err
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: owner %d is a %d-byte key", adapter.ErrInvalidKeyFormat, i, len(key))
		}
		mk.keys = append(mk.keys, key)
	}
	return mk.bytes(), nil
}

func (a *Adapter) CreateMultisigWallet(spec adapter.MultisigSpec) (adapter.Address, error) {
	desc, err := a.MultisigDescriptor(spec)
	if err != nil {
		return "", err
	}
	return adapter.Address(authKey(desc, schemeMultiEd25519).String()), nil
}

func (a *Adapter) GetBalance(ctx context.Context, addr adapter.Address) (string, error) {
	return a.GetTokenBalance(ctx, addr, aptosCoin)
}

// GetTokenBalance reads 0x1::coin::balance for the coin type tag in token.
func (a *Adapter) GetTokenBalance(ctx context.Context, addr, token adapter.Address) (string, error) {
	account, err := a.address(addr)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", fmt.Errorf("%w: empty coin type", adapter.ErrInvalidAddress)
	}

	req := map[string]any{
		"function":       "0x1::coin::balance",
		"type_arguments": []string{string(token)},
		"arguments":      []string{account.String()},
	}
	var out []string
	if err := a.rpc.PostJSON(ctx, "view", "/view", req, &out); err != nil {
		if rpcclient.IsNotFound(err) {
			return "0", nil
		}
		return "", adapter.WrapRPC("coin balance", err)
	}
	if len(out) != 1 {
		return "", fmt.Errorf("coin balance: unexpected result %v", out)
	}
	return out[0], nil
}

type accountResource struct {
	SequenceNumber string `json:"sequence_number"`
}

type gasEstimate struct {
	GasEstimate uint64 `json:"gas_estimate"`
}

func (a *Adapter) ProposeTransaction(ctx context.Context, intent adapter.TransactionIntent) (*adapter.ProposalHandle, error) {
	sender, err := a.address(intent.From)
	if err != nil {
		return nil, err
	}
	to, err := a.address(intent.To)
	if err != nil {
		return nil, err
	}
	amount, err := intent.Amount()
	if err != nil {
		return nil, err
	}
	if !amount.IsUint64() {
		return nil, fmt.Errorf("amount %s exceeds u64", amount)
	}
	intent.From = adapter.Address(sender.String())

	threshold, signers := 1, []adapter.Address{intent.From}
	if len(intent.Payload) > 0 {
		mk, err := parseMultiKey(intent.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", adapter.ErrProposalMismatch, err)
		}
		if authKey(intent.Payload, schemeMultiEd25519) != sender {
			return nil, fmt.Errorf("%w: multi-ed25519 key does not derive %s", adapter.ErrProposalMismatch, intent.From)
		}
		threshold, signers = mk.threshold, make([]adapter.Address, len(mk.keys))
		for i, k := range mk.keys {
			signers[i] = adapter.Address(authKey(k, schemeEd25519).String())
		}
	}

	var account accountResource
	if err := a.rpc.GetJSON(ctx, "get_account", "/accounts/"+sender.String(), &account); err != nil {
		return nil, adapter.WrapRPC("get account", err)
	}
	seq, err := strconv.ParseUint(account.SequenceNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("account sequence number %q: %w", account.SequenceNumber, err)
	}
	var gas gasEstimate
	if err := a.rpc.GetJSON(ctx, "estimate_gas_price", "/estimate_gas_price", &gas); err != nil {
		return nil, adapter.WrapRPC("estimate gas price", err)
	}

	tx := transferTx(sender, to, amount.Uint64())
	tx.SequenceNumber = seq
	tx.MaxGasAmount = a.cfg.MaxGasAmount
	tx.GasUnitPrice = gas.GasEstimate
	tx.Expiration = uint64(time.Now().Add(a.cfg.Expiration).Unix())
	tx.ChainID = a.cfg.ChainID
	raw := tx.encode()

	a.logger.Debug("proposed transaction", "from", intent.From, "to", to.String(), "sequence", seq)
	return adapter.NewProposal(a.cfg.Chain, intent, threshold, signers, raw, signingMessage(raw)), nil
}

func (a *Adapter) SignTransaction(proposal *adapter.ProposalHandle, privateKey []byte) (*adapter.Signature, error) {
	if proposal == nil || len(proposal.Digests) == 0 {
		return nil, fmt.Errorf("%w: empty proposal", adapter.ErrProposalMismatch)
	}
	key, err := adapter.Ed25519PrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, len(proposal.Digests))
	for i, msg := range proposal.Digests {
		values[i] = ed25519.Sign(key, msg)
	}
	return &adapter.Signature{
		ProposalID: proposal.ID,
		PublicKey:  key.Public().(ed25519.PublicKey),
		Values:     values,
	}, nil
}

func verifySignature(publicKey, msg, sig []byte) bool {
	return len(publicKey) == ed25519.PublicKeySize && len(sig) == ed25519.SignatureSize &&
		ed25519.Verify(publicKey, msg, sig)
}

type submitResponse struct {
	Hash string `json:"hash"`
}

func (a *Adapter) ExecuteTransaction(ctx context.Context, wallet adapter.Address, proposal *adapter.ProposalHandle, sigs []*adapter.Signature) (*adapter.TransactionReceipt, error) {
	if parsed, ok := parseAddress(string(wallet)); ok {
		wallet = adapter.Address(parsed.String())
	}
	approvals, err := adapter.CollectSignatures(wallet, proposal, sigs, a.DeriveAddress, verifySignature)
	if err != nil {
		return nil, err
	}

	var signed []byte
	if len(proposal.Intent.Payload) == 0 {
		sig := approvals[0].Signature
		signed = signedTransaction(proposal.Unsigned, authEd25519, sig.PublicKey, sig.Values[0])
	} else {
		mk, err := parseMultiKey(proposal.Intent.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", adapter.ErrProposalMismatch, err)
		}
		byIndex := make(map[int][]byte, mk.threshold)
		for _, ap := range approvals {
			for i, k := range mk.keys {
				if bytes.Equal(k, ap.Signature.PublicKey) && len(byIndex) < mk.threshold {
					byIndex[i] = ap.Signature.Values[0]
				}
			}
		}
		signed = signedTransaction(proposal.Unsigned, authMultiEd25519, mk.bytes(), multiSignature(byIndex, len(mk.keys)))
	}

	body, err := a.rpc.PostRaw(ctx, "submit_transaction", "/transactions", signedTxContentType, signed)
	if err != nil {
		return nil, adapter.WrapRPC("submit transaction", err)
	}
	var res submitResponse
	if err := json.Unmarshal(body, &res); err != nil || res.Hash == "" {
		return nil, fmt.Errorf("submit transaction: unexpected response %q", body)
	}
	a.logger.Info("transaction submitted", "tx_hash", res.Hash, "wallet", wallet)

	return &adapter.TransactionReceipt{
		TxHash:      res.Hash,
		Chain:       a.cfg.Chain,
		Wallet:      proposal.Wallet,
		Signers:     len(approvals),
		SubmittedAt: time.Now().UTC(),
	}, nil
}
