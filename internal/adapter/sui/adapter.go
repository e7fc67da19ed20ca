// Package sui implements the chain adapter for Sui single-key and
// multisig accounts over the JSON-RPC API.
package sui

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/platform/bcs"
	"github.com/marko911/chainhub/internal/platform/rpcclient"
)

const (
	suiCoin = "0x2::sui::SUI"

	maxMultisigOwners = 10

	defaultGasBudget = 10_000_000
	coinPageSize     = 50
)

type Config struct {
	Chain   string          `yaml:"chain"`
	Network adapter.Network `yaml:"network"`

	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`

	// GasBudget in MIST reserved on top of the transfer amount.
	GasBudget uint64 `yaml:"gas_budget"`
}

func (c *Config) applyDefaults() {
	if c.Chain == "" {
		c.Chain = "sui"
	}
	if c.Network == "" {
		c.Network = adapter.Mainnet
	}
	if c.GasBudget == 0 {
		c.GasBudget = defaultGasBudget
	}
}

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
		logger: logger.With("component", "sui-adapter", "chain", cfg.Chain),
	}
}

func (a *Adapter) ChainName() string { return a.cfg.Chain }
func (a *Adapter) ChainID() uint64   { return 0 }

func (a *Adapter) DeriveAddress(publicKey []byte) (adapter.Address, error) {
	key, err := parseKey(publicKey)
	if err != nil {
		return "", err
	}
	return adapter.Address(key.address()), nil
}

func (a *Adapter) IsValidAddress(s string) bool { return isValidAddress(s) }

func (a *Adapter) address(addr adapter.Address) (string, error) {
	if !isValidAddress(string(addr)) {
		return "", adapter.InvalidAddress(addr)
	}
	return strings.ToLower(string(addr)), nil
}

func (a *Adapter) multiSigKey(spec adapter.MultisigSpec) (*multiSigKey, error) {
	if err := spec.ValidateMax(maxMultisigOwners); err != nil {
		return nil, err
	}
	m := &multiSigKey{threshold: uint16(spec.Threshold)}
	for i, o := range spec.Owners {
		raw, err := adapter.OwnerKey(o)
		if err != nil {
			return nil, err
		}
		key, err := parseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("owner %d: %w", i, err)
		}
		m.keys = append(m.keys, key)
		m.weights = append(m.weights, 1)
	}
	return m, nil
}

// MultisigDescriptor returns the BCS MultiSigPublicKey, every owner with
// weight 1.
func (a *Adapter) MultisigDescriptor(spec adapter.MultisigSpec) ([]byte, error) {
	m, err := a.multiSigKey(spec)
	if err != nil {
		return nil, err
	}
	return m.encode(), nil
}

func (a *Adapter) CreateMultisigWallet(spec adapter.MultisigSpec) (adapter.Address, error) {
	m, err := a.multiSigKey(spec)
	if err != nil {
		return "", err
	}
	return adapter.Address(m.address()), nil
}

type balanceResponse struct {
	CoinType     string `json:"coinType"`
	TotalBalance string `json:"totalBalance"`
}

func (a *Adapter) GetBalance(ctx context.Context, addr adapter.Address) (string, error) {
	return a.GetTokenBalance(ctx, addr, suiCoin)
}

// GetTokenBalance returns the total balance of a coin type, e.g.
// 0x2::sui::SUI.
func (a *Adapter) GetTokenBalance(ctx context.Context, addr, token adapter.Address) (string, error) {
	owner, err := a.address(addr)
	if err != nil {
		return "", err
	}
	var res balanceResponse
	if err := a.rpc.Call(ctx, "suix_getBalance", &res, owner, string(token)); err != nil {
		return "", adapter.WrapRPC("get balance", err)
	}
	return res.TotalBalance, nil
}

type coinPage struct {
	Data []struct {
		CoinObjectID string `json:"coinObjectId"`
		Balance      string `json:"balance"`
	} `json:"data"`
	NextCursor  *string `json:"nextCursor"`
	HasNextPage bool    `json:"hasNextPage"`
}

// selectCoins pages through SUI coins until amount is covered.
func (a *Adapter) selectCoins(ctx context.Context, owner string, amount *big.Int) ([]string, error) {
	var (
		ids    []string
		total  = new(big.Int)
		cursor *string
	)
	for {
		var page coinPage
		if err := a.rpc.Call(ctx, "suix_getCoins", &page, owner, suiCoin, cursor, coinPageSize); err != nil {
			return nil, adapter.WrapRPC("get coins", err)
		}
		for _, c := range page.Data {
			bal, ok := new(big.Int).SetString(c.Balance, 10)
			if !ok {
				return nil, fmt.Errorf("coin %s: bad balance %q", c.CoinObjectID, c.Balance)
			}
			ids = append(ids, c.CoinObjectID)
			total.Add(total, bal)
			if total.Cmp(amount) >= 0 {
				return ids, nil
			}
		}
		if !page.HasNextPage || page.NextCursor == nil {
			return nil, fmt.Errorf("%w: have %s MIST, need %s", adapter.ErrInsufficientFunds, total, amount)
		}
		cursor = page.NextCursor
	}
}

type txBytesResponse struct {
	TxBytes string `json:"txBytes"`
}

func (a *Adapter) ProposeTransaction(ctx context.Context, intent adapter.TransactionIntent) (*adapter.ProposalHandle, error) {
	from, err := a.address(intent.From)
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
	intent.From = adapter.Address(from)

	threshold, signers := 1, []adapter.Address{intent.From}
	if len(intent.Payload) > 0 {
		m, err := decodeMultiSigKey(intent.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: multisig key: %v", adapter.ErrProposalMismatch, err)
		}
		if m.address() != from {
			return nil, fmt.Errorf("%w: multisig key does not derive %s", adapter.ErrProposalMismatch, from)
		}
		threshold = m.minSigners()
		signers = make([]adapter.Address, len(m.keys))
		for i, k := range m.keys {
			signers[i] = adapter.Address(k.address())
		}
	}

	budget := new(big.Int).SetUint64(a.cfg.GasBudget)
	coins, err := a.selectCoins(ctx, from, new(big.Int).Add(amount, budget))
	if err != nil {
		return nil, err
	}

	var res txBytesResponse
	err = a.rpc.Call(ctx, "unsafe_paySui", &res,
		from, coins, []string{to}, []string{amount.String()}, budget.String())
	if err != nil {
		return nil, adapter.WrapRPC("build transaction", err)
	}
	txBytes, err := base64.StdEncoding.DecodeString(res.TxBytes)
	if err != nil || len(txBytes) == 0 {
		return nil, fmt.Errorf("build transaction: bad txBytes")
	}

	a.logger.Debug("proposed transaction", "from", from, "to", to, "coins", len(coins))
	return adapter.NewProposal(a.cfg.Chain, intent, threshold, signers, txBytes, blake(txIntent, txBytes)), nil
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
	for i, digest := range proposal.Digests {
		values[i] = ed25519.Sign(key, digest)
	}
	return &adapter.Signature{
		ProposalID: proposal.ID,
		PublicKey:  key.Public().(ed25519.PublicKey),
		Values:     values,
	}, nil
}

func verifySignature(publicKey, digest, sig []byte) bool {
	return len(publicKey) == ed25519.PublicKeySize && len(sig) == ed25519.SignatureSize &&
		ed25519.Verify(publicKey, digest, sig)
}

type executeResponse struct {
	Digest string `json:"digest"`
}

func (a *Adapter) ExecuteTransaction(ctx context.Context, wallet adapter.Address, proposal *adapter.ProposalHandle, sigs []*adapter.Signature) (*adapter.TransactionReceipt, error) {
	approvals, err := adapter.CollectSignatures(wallet, proposal, sigs, a.DeriveAddress, verifySignature)
	if err != nil {
		return nil, err
	}

	var serialized []byte
	if len(proposal.Intent.Payload) == 0 {
		sig := approvals[0].Signature
		serialized = append(append([]byte{flagEd25519}, sig.Values[0]...), sig.PublicKey...)
	} else {
		serialized, err = combineMultiSig(proposal.Intent.Payload, approvals)
		if err != nil {
			return nil, err
		}
	}

	var res executeResponse
	err = a.rpc.Call(ctx, "sui_executeTransactionBlock", &res,
		base64.StdEncoding.EncodeToString(proposal.Unsigned),
		[]string{base64.StdEncoding.EncodeToString(serialized)},
		map[string]bool{"showEffects": true},
		"WaitForLocalExecution",
	)
	if err != nil {
		return nil, adapter.WrapRPC("execute transaction", err)
	}
	a.logger.Info("transaction submitted", "tx_hash", res.Digest, "wallet", wallet)

	return &adapter.TransactionReceipt{
		TxHash:      res.Digest,
		Chain:       a.cfg.Chain,
		Wallet:      proposal.Wallet,
		Signers:     len(approvals),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// combineMultiSig builds 0x03 || BCS MultiSig with signatures in member
// order, stopping once their weight reaches the threshold.
func combineMultiSig(payload []byte, approvals []adapter.Approval) ([]byte, error) {
	m, err := decodeMultiSigKey(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: multisig key: %v", adapter.ErrProposalMismatch, err)
	}

	var (
		sigs   [][]byte
		bitmap uint16
		weight int
	)
	for i, k := range m.keys {
		if weight >= int(m.threshold) {
			break
		}
		for _, ap := range approvals {
			if k.flag == flagEd25519 && bytes.Equal(k.bytes, ap.Signature.PublicKey) {
				sigs = append(sigs, ap.Signature.Values[0])
				bitmap |= 1 << i
				weight += int(m.weights[i])
				break
			}
		}
	}
	if weight < int(m.threshold) {
		return nil, fmt.Errorf("%w: weight %d of %d", adapter.ErrInsufficientSignatures, weight, m.threshold)
	}

	w := (&bcs.Writer{}).U8(flagMultiSig)
	w.Uleb128(uint64(len(sigs)))
	for _, sig := range sigs {
		w.Uleb128(uint64(flagEd25519)).Fixed(sig)
	}
	w.U16(bitmap).Fixed(m.encode())
	return w.Bytes(), nil
}
