// Package adapter defines the uniform operation set every blockchain family
// implements, the plain-data types that cross that boundary, and the
// registry that hands out one adapter per (family, endpoint).
package adapter

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

type Family string

const (
	FamilyEVM     Family = "evm"
	FamilyAptos   Family = "aptos"
	FamilyBitcoin Family = "bitcoin"
	FamilyStellar Family = "stellar"
	FamilySui     Family = "sui"
)

// Families lists every supported family.
func Families() []Family {
	return []Family{FamilyEVM, FamilyAptos, FamilyBitcoin, FamilyStellar, FamilySui}
}

func ParseFamily(s string) (Family, error) {
	for _, f := range Families() {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFamily, s)
}

type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ChainIdentity is fixed when an adapter is constructed.
type ChainIdentity struct {
	Family  Family
	Name    string
	ChainID uint64 // 0 when the family has no numeric chain id
	Network Network
}

// WithDefaults fills Name and Network when unset.
func (c ChainIdentity) WithDefaults() ChainIdentity {
	if c.Name == "" {
		c.Name = string(c.Family)
	}
	if c.Network == "" {
		c.Network = Mainnet
	}
	return c
}

// Address is a family-specific string. Addresses of different families never
// compare equal in any meaningful sense.
type Address string

func (a Address) String() string { return string(a) }

// TransactionIntent describes a value transfer. Value is a base-10 integer in
// the chain's base unit.
type TransactionIntent struct {
	From    Address `json:"from"`
	To      Address `json:"to"`
	Value   string  `json:"value"`
	Payload []byte  `json:"payload,omitempty"`
}

// Amount parses Value. An empty value is zero.
func (t TransactionIntent) Amount() (*big.Int, error) {
	if t.Value == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(t.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value %q", t.Value)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative value %q", t.Value)
	}
	return v, nil
}

// ProposalHandle is an unsigned transaction awaiting signatures.
type ProposalHandle struct {
	ID     string            `json:"id"`
	Chain  string            `json:"chain"`
	Wallet Address           `json:"wallet"`
	Intent TransactionIntent `json:"intent"`

	// Digests holds one signing message per input. Every family except
	// Bitcoin produces exactly one.
	Digests [][]byte `json:"digests"`

	// Unsigned is the family-encoded transaction the signatures attach to.
	Unsigned []byte `json:"unsigned"`

	Threshold int       `json:"threshold"`
	Signers   []Address `json:"signers"`
	CreatedAt time.Time `json:"created_at"`
}

type Signature struct {
	ProposalID string   `json:"proposal_id"`
	PublicKey  []byte   `json:"public_key"`
	Values     [][]byte `json:"values"`
}

type TransactionReceipt struct {
	TxHash      string    `json:"tx_hash"`
	Chain       string    `json:"chain"`
	Wallet      Address   `json:"wallet"`
	Signers     int       `json:"signers"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ChainAdapter is implemented once per chain family.
type ChainAdapter interface {
	ChainName() string
	ChainID() uint64

	DeriveAddress(publicKey []byte) (Address, error)
	CreateMultisigWallet(spec MultisigSpec) (Address, error)

	GetBalance(ctx context.Context, addr Address) (string, error)
	GetTokenBalance(ctx context.Context, addr, token Address) (string, error)

	ProposeTransaction(ctx context.Context, intent TransactionIntent) (*ProposalHandle, error)
	SignTransaction(proposal *ProposalHandle, privateKey []byte) (*Signature, error)
	ExecuteTransaction(ctx context.Context, wallet Address, proposal *ProposalHandle, sigs []*Signature) (*TransactionReceipt, error)

	// IsValidAddress is a syntactic check and never performs I/O.
	IsValidAddress(s string) bool
}

// MultisigDescriber is implemented by families whose multisig spends need
// the wallet's key descriptor in TransactionIntent.Payload.
type MultisigDescriber interface {
	MultisigDescriptor(spec MultisigSpec) ([]byte, error)
}
