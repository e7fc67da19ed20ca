// Package stellar implements the chain adapter for Stellar accounts over
// Horizon. Multisig on Stellar is signer configuration on an existing
// account: the wallet is the first owner's account with the other owners
// added as signers, and it is spent with the account's own thresholds.
package stellar

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/platform/rpcclient"
)

const (
	PassphrasePublic  = "Public Global Stellar Network ; September 2015"
	PassphraseTestnet = "Test SDF Network ; September 2015"

	stroopsPerUnit = 7 // decimal places

	defaultBaseFee   = 100
	defaultTxTimeout = 5 * time.Minute

	// An account carries up to 20 signers besides its master key.
	maxMultisigOwners = 21
)

type Config struct {
	Chain   string          `yaml:"chain"`
	Network adapter.Network `yaml:"network"`

	// Passphrase overrides the network default.
	Passphrase string `yaml:"passphrase"`

	// Horizon base URL.
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`

	// BaseFee in stroops per operation.
	BaseFee   uint32        `yaml:"base_fee"`
	TxTimeout time.Duration `yaml:"tx_timeout"`
}

func (c *Config) applyDefaults() {
	if c.Chain == "" {
		c.Chain = "stellar"
	}
	if c.Network == "" {
		c.Network = adapter.Mainnet
	}
	if c.Passphrase == "" {
		c.Passphrase = PassphrasePublic
		if c.Network == adapter.Testnet {
			c.Passphrase = PassphraseTestnet
		}
	}
	if c.BaseFee == 0 {
		c.BaseFee = defaultBaseFee
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = defaultTxTimeout
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
		logger: logger.With("component", "stellar-adapter", "chain", cfg.Chain),
	}
}

func (a *Adapter) ChainName() string { return a.cfg.Chain }
func (a *Adapter) ChainID() uint64   { return 0 }

func (a *Adapter) DeriveAddress(publicKey []byte) (adapter.Address, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: %d-byte ed25519 key", adapter.ErrInvalidKeyFormat, len(publicKey))
	}
	return adapter.Address(encodeAccountID(publicKey)), nil
}

func (a *Adapter) IsValidAddress(s string) bool {
	_, err := decodeAccountID(s)
	return err == nil
}

func (a *Adapter) accountKey(addr adapter.Address) ([]byte, error) {
	pub, err := decodeAccountID(string(addr))
	if err != nil {
		return nil, adapter.InvalidAddress(addr)
	}
	return pub, nil
}

// CreateMultisigWallet returns the first owner's account. It becomes the
// wallet once the operations from MultisigDescriptor are applied to it.
func (a *Adapter) CreateMultisigWallet(spec adapter.MultisigSpec) (adapter.Address, error) {
	keys, err := a.ownerKeys(spec)
	if err != nil {
		return "", err
	}
	return adapter.Address(encodeAccountID(keys[0])), nil
}

// MultisigDescriptor returns the SetOptions operations, as an XDR operation
// array, that turn the first owner's account into the wallet: every other
// owner becomes a weight 1 signer, then the master key gets weight 1 and
// all three thresholds are set to the spec threshold.
func (a *Adapter) MultisigDescriptor(spec adapter.MultisigSpec) ([]byte, error) {
	keys, err := a.ownerKeys(spec)
	if err != nil {
		return nil, err
	}
	ops := make([]setOptions, 0, len(keys))
	for _, k := range keys[1:] {
		ops = append(ops, setOptions{Signer: k, SignerWeight: 1})
	}
	one, threshold := uint32(1), uint32(spec.Threshold)
	ops = append(ops, setOptions{MasterWeight: &one, Low: &threshold, Medium: &threshold, High: &threshold})
	return encodeOperations(ops), nil
}

func (a *Adapter) ownerKeys(spec adapter.MultisigSpec) ([][]byte, error) {
	if err := spec.ValidateMax(maxMultisigOwners); err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, len(spec.Owners))
	for _, o := range spec.Owners {
		pub, err := a.accountKey(o)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pub)
	}
	return keys, nil
}

type horizonAccount struct {
	ID       string `json:"id"`
	Sequence string `json:"sequence"`
	Balances []struct {
		Balance     string `json:"balance"`
		AssetType   string `json:"asset_type"`
		AssetCode   string `json:"asset_code"`
		AssetIssuer string `json:"asset_issuer"`
	} `json:"balances"`
	Thresholds struct {
		Low    int `json:"low_threshold"`
		Medium int `json:"med_threshold"`
		High   int `json:"high_threshold"`
	} `json:"thresholds"`
	Signers []horizonSigner `json:"signers"`
}

type horizonSigner struct {
	Key    string `json:"key"`
	Weight int    `json:"weight"`
	Type   string `json:"type"`
}

func (a *Adapter) account(ctx context.Context, id string) (*horizonAccount, error) {
	var acc horizonAccount
	if err := a.rpc.GetJSON(ctx, "get_account", "/accounts/"+id, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// payers returns the account's ed25519 signers, heaviest first.
func (h *horizonAccount) payers() []horizonSigner {
	var out []horizonSigner
	for _, s := range h.Signers {
		if s.Type == "ed25519_public_key" && s.Weight > 0 {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out
}

// requiredWeight is the medium threshold; zero still needs one signature.
func (h *horizonAccount) requiredWeight() int {
	return max(h.Thresholds.Medium, 1)
}

// minSigners is the fewest signers whose weights reach the medium
// threshold, or zero when no set can.
func (h *horizonAccount) minSigners() int {
	var total int
	for i, s := range h.payers() {
		total += s.Weight
		if total >= h.requiredWeight() {
			return i + 1
		}
	}
	return 0
}

func (a *Adapter) GetBalance(ctx context.Context, addr adapter.Address) (string, error) {
	return a.balance(ctx, addr, asset{})
}

// GetTokenBalance takes token as CODE:ISSUER.
func (a *Adapter) GetTokenBalance(ctx context.Context, addr, token adapter.Address) (string, error) {
	as, err := parseAsset(string(token))
	if err != nil {
		return "", fmt.Errorf("%w: %v", adapter.ErrInvalidAddress, err)
	}
	return a.balance(ctx, addr, as)
}

func (a *Adapter) balance(ctx context.Context, addr adapter.Address, as asset) (string, error) {
	if _, err := a.accountKey(addr); err != nil {
		return "", err
	}
	acc, err := a.account(ctx, string(addr))
	if err != nil {
		if rpcclient.IsNotFound(err) {
			return "0", nil
		}
		return "", adapter.WrapRPC("get account", err)
	}

	issuer := ""
	if !as.native() {
		issuer = encodeAccountID(as.Issuer)
	}
	for _, b := range acc.Balances {
		native := b.AssetType == "native"
		if native != as.native() || (!native && (b.AssetCode != as.Code || b.AssetIssuer != issuer)) {
			continue
		}
		stroops, err := toStroops(b.Balance)
		if err != nil {
			return "", err
		}
		return stroops.String(), nil
	}
	return "0", nil
}

// toStroops converts a seven-decimal Horizon amount to its integer base
// unit.
func toStroops(amount string) (*big.Int, error) {
	whole, frac, _ := strings.Cut(amount, ".")
	if len(frac) > stroopsPerUnit {
		return nil, fmt.Errorf("amount %q has more than %d decimals", amount, stroopsPerUnit)
	}
	frac += strings.Repeat("0", stroopsPerUnit-len(frac))
	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	return v, nil
}

// ProposeTransaction builds a single payment. A non-empty payload names a
// CODE:ISSUER asset; otherwise the payment is in lumens.
func (a *Adapter) ProposeTransaction(ctx context.Context, intent adapter.TransactionIntent) (*adapter.ProposalHandle, error) {
	source, err := a.accountKey(intent.From)
	if err != nil {
		return nil, err
	}
	dest, err := a.accountKey(intent.To)
	if err != nil {
		return nil, err
	}
	amount, err := intent.Amount()
	if err != nil {
		return nil, err
	}
	if !amount.IsInt64() || amount.Sign() == 0 {
		return nil, fmt.Errorf("amount %s out of range", amount)
	}
	var as asset
	if len(intent.Payload) > 0 {
		if as, err = parseAsset(string(intent.Payload)); err != nil {
			return nil, err
		}
	}

	acc, err := a.account(ctx, string(intent.From))
	if err != nil {
		return nil, adapter.WrapRPC("get account", err)
	}
	seq, err := strconv.ParseInt(acc.Sequence, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("account sequence %q: %w", acc.Sequence, err)
	}
	threshold := acc.minSigners()
	if threshold == 0 {
		return nil, fmt.Errorf("%w: signer weights cannot reach threshold %d", adapter.ErrInsufficientSignatures, acc.requiredWeight())
	}
	var signers []adapter.Address
	for _, s := range acc.payers() {
		signers = append(signers, adapter.Address(s.Key))
	}

	tx := payment{
		Source:      source,
		Fee:         a.cfg.BaseFee,
		Sequence:    seq + 1,
		MaxTime:     uint64(time.Now().Add(a.cfg.TxTimeout).Unix()),
		Destination: dest,
		Asset:       as,
		Amount:      amount.Int64(),
	}.encode()

	a.logger.Debug("proposed transaction", "from", intent.From, "to", intent.To, "sequence", seq+1, "threshold", threshold)
	return adapter.NewProposal(a.cfg.Chain, intent, threshold, signers, tx, signatureBase(a.cfg.Passphrase, tx)), nil
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

type submitResponse struct {
	Hash string `json:"hash"`
}

// ExecuteTransaction attaches the heaviest signatures until the account's
// medium threshold is met. Horizon rejects envelopes with unused
// signatures, so extra approvals are left off.
func (a *Adapter) ExecuteTransaction(ctx context.Context, wallet adapter.Address, proposal *adapter.ProposalHandle, sigs []*adapter.Signature) (*adapter.TransactionReceipt, error) {
	approvals, err := adapter.CollectSignatures(wallet, proposal, sigs, a.DeriveAddress, verifySignature)
	if err != nil {
		return nil, err
	}

	acc, err := a.account(ctx, string(proposal.Wallet))
	if err != nil {
		return nil, adapter.WrapRPC("get account", err)
	}
	weights := make(map[adapter.Address]int, len(acc.Signers))
	for _, s := range acc.payers() {
		weights[adapter.Address(s.Key)] = s.Weight
	}
	sort.SliceStable(approvals, func(i, j int) bool {
		return weights[approvals[i].Signer] > weights[approvals[j].Signer]
	})

	var (
		decorated []decoratedSignature
		weight    int
	)
	for _, ap := range approvals {
		if weight >= acc.requiredWeight() || len(decorated) == maxDecoratedSigs {
			break
		}
		decorated = append(decorated, decoratedSignature{PublicKey: ap.Signature.PublicKey, Signature: ap.Signature.Values[0]})
		weight += weights[ap.Signer]
	}
	if weight < acc.requiredWeight() {
		return nil, fmt.Errorf("%w: weight %d of %d", adapter.ErrInsufficientSignatures, weight, acc.requiredWeight())
	}

	form := url.Values{"tx": {base64.StdEncoding.EncodeToString(envelope(proposal.Unsigned, decorated))}}
	body, err := a.rpc.PostRaw(ctx, "submit_transaction", "/transactions",
		"application/x-www-form-urlencoded", []byte(form.Encode()))
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
		Signers:     len(decorated),
		SubmittedAt: time.Now().UTC(),
	}, nil
}
