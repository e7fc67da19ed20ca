package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/marko911/chainhub/internal/adapter"
)

type Adapter struct {
	cfg    Config
	logger *slog.Logger
	client *Client

	factory      common.Address
	initCodeHash common.Hash
	relayer      *ecdsa.PrivateKey
}

var _ adapter.ChainAdapter = (*Adapter)(nil)

// New builds an adapter. No network I/O happens until the first query.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	if !common.IsHexAddress(cfg.Multisig.Factory) {
		return nil, fmt.Errorf("multisig factory: %w", adapter.InvalidAddress(adapter.Address(cfg.Multisig.Factory)))
	}
	initHash, err := hexutil.Decode(cfg.Multisig.InitCodeHash)
	if err != nil || len(initHash) != common.HashLength {
		return nil, fmt.Errorf("multisig init code hash must be 32 bytes of hex")
	}

	a := &Adapter{
		cfg:          cfg,
		logger:       logger.With("component", "evm-adapter", "chain", cfg.Chain),
		client:       NewClient(cfg.RPC, cfg.Chain, logger),
		factory:      common.HexToAddress(cfg.Multisig.Factory),
		initCodeHash: common.BytesToHash(initHash),
	}
	if cfg.RelayerKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.RelayerKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("relayer key: %w", adapter.ErrInvalidKeyFormat)
		}
		a.relayer = key
	}
	return a, nil
}

func (a *Adapter) ChainName() string { return a.cfg.Chain }
func (a *Adapter) ChainID() uint64   { return a.cfg.ChainID }
func (a *Adapter) Close() error      { return a.client.Close() }

func (a *Adapter) DeriveAddress(publicKey []byte) (adapter.Address, error) {
	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	return adapter.Address(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// parsePublicKey accepts compressed (33), uncompressed (65) and raw X||Y (64)
// secp256k1 keys.
func parsePublicKey(b []byte) (*ecdsa.PublicKey, error) {
	var (
		pub *ecdsa.PublicKey
		err error
	)
	switch len(b) {
	case 33:
		pub, err = crypto.DecompressPubkey(b)
	case 64:
		pub, err = crypto.UnmarshalPubkey(append([]byte{0x04}, b...))
	case 65:
		pub, err = crypto.UnmarshalPubkey(b)
	default:
		return nil, fmt.Errorf("%w: %d-byte secp256k1 key", adapter.ErrInvalidKeyFormat, len(b))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidKeyFormat, err)
	}
	return pub, nil
}

// IsValidAddress requires a 0x prefix and 40 hex digits; mixed-case input
// must carry a correct EIP-55 checksum.
func (a *Adapter) IsValidAddress(s string) bool {
	return isValidAddress(s)
}

func isValidAddress(s string) bool {
	if len(s) != 2+2*common.AddressLength || !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return false
	}
	body := s[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(s).Hex() == s
}

func (a *Adapter) parseAddress(addr adapter.Address) (common.Address, error) {
	if !isValidAddress(string(addr)) {
		return common.Address{}, adapter.InvalidAddress(addr)
	}
	return common.HexToAddress(string(addr)), nil
}

// CreateMultisigWallet returns the counterfactual CREATE2 address of the
// wallet proxy for the given owner set and threshold.
func (a *Adapter) CreateMultisigWallet(spec adapter.MultisigSpec) (adapter.Address, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	owners := make([]common.Address, len(spec.Owners))
	for i, o := range spec.Owners {
		addr, err := a.parseAddress(o)
		if err != nil {
			return "", err
		}
		owners[i] = addr
	}

	args := abi.Arguments{{Type: addressArrayType}, {Type: uint256Type}}
	packed, err := args.Pack(owners, big.NewInt(int64(spec.Threshold)))
	if err != nil {
		return "", fmt.Errorf("pack multisig salt: %w", err)
	}
	salt := crypto.Keccak256Hash(packed)
	return adapter.Address(crypto.CreateAddress2(a.factory, salt, a.initCodeHash.Bytes()).Hex()), nil
}

func (a *Adapter) GetBalance(ctx context.Context, addr adapter.Address) (string, error) {
	account, err := a.parseAddress(addr)
	if err != nil {
		return "", err
	}
	bal, err := a.client.BalanceAt(ctx, account)
	if err != nil {
		return "", err
	}
	return bal.String(), nil
}

func (a *Adapter) GetTokenBalance(ctx context.Context, addr, token adapter.Address) (string, error) {
	account, err := a.parseAddress(addr)
	if err != nil {
		return "", err
	}
	contract, err := a.parseAddress(token)
	if err != nil {
		return "", err
	}

	out, err := a.callView(ctx, contract, erc20ABI, "balanceOf", account)
	if err != nil {
		return "", err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return "", fmt.Errorf("balanceOf: unexpected result %T", out[0])
	}
	return bal.String(), nil
}

func (a *Adapter) callView(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: contract %s returned no data", method, contract.Hex())
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// safeTx is the Unsigned payload of a multisig proposal.
type safeTx struct {
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value"`
	Data  hexutil.Bytes  `json:"data"`
	Nonce *hexutil.Big   `json:"nonce"`
}

func (a *Adapter) ProposeTransaction(ctx context.Context, intent adapter.TransactionIntent) (*adapter.ProposalHandle, error) {
	from, err := a.parseAddress(intent.From)
	if err != nil {
		return nil, err
	}
	to, err := a.parseAddress(intent.To)
	if err != nil {
		return nil, err
	}
	value, err := intent.Amount()
	if err != nil {
		return nil, err
	}
	intent.From = adapter.Address(from.Hex())

	code, err := a.client.CodeAt(ctx, from)
	if err != nil {
		return nil, err
	}
	if len(code) > 0 {
		return a.proposeMultisig(ctx, intent, from, to, value)
	}

	tx, chainID, err := a.buildTx(ctx, from, to, value, intent.Payload)
	if err != nil {
		return nil, err
	}
	unsigned, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	digest := types.LatestSignerForChainID(chainID).Hash(tx)

	a.logger.Debug("proposed transaction", "from", from.Hex(), "to", to.Hex(), "nonce", tx.Nonce())
	return adapter.NewProposal(a.cfg.Chain, intent, 1, []adapter.Address{intent.From}, unsigned, digest.Bytes()), nil
}

func (a *Adapter) proposeMultisig(ctx context.Context, intent adapter.TransactionIntent, wallet, to common.Address, value *big.Int) (*adapter.ProposalHandle, error) {
	out, err := a.callView(ctx, wallet, safeABI, "getThreshold")
	if err != nil {
		return nil, err
	}
	threshold := out[0].(*big.Int)

	out, err = a.callView(ctx, wallet, safeABI, "getOwners")
	if err != nil {
		return nil, err
	}
	owners := out[0].([]common.Address)

	out, err = a.callView(ctx, wallet, safeABI, "nonce")
	if err != nil {
		return nil, err
	}
	nonce := out[0].(*big.Int)

	data := intent.Payload
	if data == nil {
		data = []byte{}
	}
	out, err = a.callView(ctx, wallet, safeABI, "getTransactionHash",
		to, value, data, uint8(0), big.NewInt(0), big.NewInt(0), big.NewInt(0),
		common.Address{}, common.Address{}, nonce)
	if err != nil {
		return nil, err
	}
	digest := out[0].([32]byte)

	unsigned, err := json.Marshal(safeTx{To: to, Value: (*hexutil.Big)(value), Data: data, Nonce: (*hexutil.Big)(nonce)})
	if err != nil {
		return nil, fmt.Errorf("encode multisig transaction: %w", err)
	}

	signers := make([]adapter.Address, len(owners))
	for i, o := range owners {
		signers[i] = adapter.Address(o.Hex())
	}
	return adapter.NewProposal(a.cfg.Chain, intent, int(threshold.Int64()), signers, unsigned, digest[:]), nil
}

func (a *Adapter) chainID(ctx context.Context) (*big.Int, error) {
	if a.cfg.ChainID != 0 {
		return new(big.Int).SetUint64(a.cfg.ChainID), nil
	}
	return a.client.ChainID(ctx)
}

// buildTx prepares an unsigned EIP-1559 transaction, or a legacy one on
// chains without a base fee.
func (a *Adapter) buildTx(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (*types.Transaction, *big.Int, error) {
	chainID, err := a.chainID(ctx)
	if err != nil {
		return nil, nil, err
	}

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, nil, err
	}
	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, nil, err
	}
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	if head.BaseFee == nil {
		price, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, nil, err
		}
		return types.NewTx(&types.LegacyTx{
			Nonce: nonce, GasPrice: price, Gas: gas, To: &to, Value: value, Data: data,
		}), chainID, nil
	}

	tip, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), chainID, nil
}

func (a *Adapter) SignTransaction(proposal *adapter.ProposalHandle, privateKey []byte) (*adapter.Signature, error) {
	if proposal == nil || len(proposal.Digests) == 0 {
		return nil, fmt.Errorf("%w: empty proposal", adapter.ErrProposalMismatch)
	}
	key, err := crypto.ToECDSA(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidKeyFormat, err)
	}
	values := make([][]byte, len(proposal.Digests))
	for i, digest := range proposal.Digests {
		sig, err := crypto.Sign(digest, key)
		if err != nil {
			return nil, fmt.Errorf("sign digest %d: %w", i, err)
		}
		values[i] = sig
	}
	return &adapter.Signature{
		ProposalID: proposal.ID,
		PublicKey:  crypto.CompressPubkey(&key.PublicKey),
		Values:     values,
	}, nil
}

func verifySignature(publicKey, digest, sig []byte) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	return crypto.VerifySignature(publicKey, digest, sig[:crypto.RecoveryIDOffset])
}

func (a *Adapter) ExecuteTransaction(ctx context.Context, wallet adapter.Address, proposal *adapter.ProposalHandle, sigs []*adapter.Signature) (*adapter.TransactionReceipt, error) {
	approvals, err := adapter.CollectSignatures(wallet, proposal, sigs, a.DeriveAddress, verifySignature)
	if err != nil {
		return nil, err
	}

	var tx *types.Transaction
	if bytes.HasPrefix(proposal.Unsigned, []byte("{")) {
		tx, err = a.multisigExecution(ctx, proposal, approvals)
	} else {
		tx, err = a.attachSignature(ctx, proposal, approvals[0])
	}
	if err != nil {
		return nil, err
	}

	if err := a.client.SendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	a.logger.Info("transaction submitted", "tx_hash", tx.Hash().Hex(), "wallet", wallet)

	return &adapter.TransactionReceipt{
		TxHash:      tx.Hash().Hex(),
		Chain:       a.cfg.Chain,
		Wallet:      proposal.Wallet,
		Signers:     len(approvals),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (a *Adapter) attachSignature(ctx context.Context, proposal *adapter.ProposalHandle, approval adapter.Approval) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(proposal.Unsigned); err != nil {
		return nil, fmt.Errorf("%w: decode transaction: %v", adapter.ErrProposalMismatch, err)
	}
	// Unsigned legacy transactions carry no chain id.
	chainID := tx.ChainId()
	if tx.Type() == types.LegacyTxType {
		id, err := a.chainID(ctx)
		if err != nil {
			return nil, err
		}
		chainID = id
	}
	signer := types.LatestSignerForChainID(chainID)
	signed, err := tx.WithSignature(signer, approval.Signature.Values[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrInvalidSignature, err)
	}
	return signed, nil
}

// multisigExecution wraps the approved call in execTransaction, signed by
// the relayer. Owner signatures are ordered by ascending owner address.
func (a *Adapter) multisigExecution(ctx context.Context, proposal *adapter.ProposalHandle, approvals []adapter.Approval) (*types.Transaction, error) {
	if a.relayer == nil {
		return nil, fmt.Errorf("%w: multisig execution needs a relayer key", adapter.ErrUnsupportedOperation)
	}
	var st safeTx
	if err := json.Unmarshal(proposal.Unsigned, &st); err != nil {
		return nil, fmt.Errorf("%w: decode multisig transaction: %v", adapter.ErrProposalMismatch, err)
	}

	sort.Slice(approvals, func(i, j int) bool {
		return bytes.Compare(common.HexToAddress(string(approvals[i].Signer)).Bytes(),
			common.HexToAddress(string(approvals[j].Signer)).Bytes()) < 0
	})
	packed := make([]byte, 0, len(approvals)*crypto.SignatureLength)
	for _, ap := range approvals {
		sig := append([]byte{}, ap.Signature.Values[0]...)
		sig[crypto.RecoveryIDOffset] += 27
		packed = append(packed, sig...)
	}

	data, err := safeABI.Pack("execTransaction",
		st.To, st.Value.ToInt(), []byte(st.Data), uint8(0), big.NewInt(0), big.NewInt(0), big.NewInt(0),
		common.Address{}, common.Address{}, packed)
	if err != nil {
		return nil, fmt.Errorf("pack execTransaction: %w", err)
	}

	wallet := common.HexToAddress(string(proposal.Wallet))
	relayer := crypto.PubkeyToAddress(a.relayer.PublicKey)
	tx, chainID, err := a.buildTx(ctx, relayer, wallet, new(big.Int), data)
	if err != nil {
		return nil, err
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), a.relayer)
}
