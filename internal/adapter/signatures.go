package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewProposal stamps a proposal with a fresh id and creation time.
func NewProposal(chain string, intent TransactionIntent, threshold int, signers []Address, unsigned []byte, digests ...[]byte) *ProposalHandle {
	return &ProposalHandle{
		ID:        uuid.NewString(),
		Chain:     chain,
		Wallet:    intent.From,
		Intent:    intent,
		Digests:   digests,
		Unsigned:  unsigned,
		Threshold: threshold,
		Signers:   signers,
		CreatedAt: time.Now().UTC(),
	}
}

// SignerFunc maps a signature's public key to the signer's address.
type SignerFunc func(publicKey []byte) (Address, error)

// VerifyFunc reports whether sig is a valid signature of digest by publicKey.
type VerifyFunc func(publicKey, digest, sig []byte) bool

// Approval is one verified, distinct signer of a proposal.
type Approval struct {
	Signer    Address
	Signature *Signature
}

// CollectSignatures verifies sigs against the proposal and returns one
// approval per distinct authorized signer, in input order. It fails with
// ErrInsufficientSignatures when fewer than proposal.Threshold remain.
func CollectSignatures(wallet Address, p *ProposalHandle, sigs []*Signature, signerOf SignerFunc, verify VerifyFunc) ([]Approval, error) {
	if p == nil || len(p.Digests) == 0 {
		return nil, fmt.Errorf("%w: empty proposal", ErrProposalMismatch)
	}
	if !strings.EqualFold(string(wallet), string(p.Wallet)) {
		return nil, fmt.Errorf("%w: proposal wallet %s, got %s", ErrProposalMismatch, p.Wallet, wallet)
	}

	authorized := make(map[string]struct{}, len(p.Signers))
	for _, s := range p.Signers {
		authorized[strings.ToLower(string(s))] = struct{}{}
	}

	seen := make(map[string]struct{}, len(sigs))
	approvals := make([]Approval, 0, len(sigs))
	for i, sig := range sigs {
		if sig == nil {
			continue
		}
		if sig.ProposalID != "" && sig.ProposalID != p.ID {
			return nil, fmt.Errorf("%w: signature %d is for proposal %s", ErrProposalMismatch, i, sig.ProposalID)
		}
		if len(sig.Values) != len(p.Digests) {
			return nil, fmt.Errorf("%w: signature %d covers %d of %d digests", ErrInvalidSignature, i, len(sig.Values), len(p.Digests))
		}
		signer, err := signerOf(sig.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: signature %d: %w", ErrInvalidSignature, i, err)
		}
		key := strings.ToLower(string(signer))
		if _, ok := authorized[key]; len(authorized) > 0 && !ok {
			return nil, fmt.Errorf("%w: %s is not a signer of %s", ErrInvalidSignature, signer, p.Wallet)
		}
		for j, digest := range p.Digests {
			if !verify(sig.PublicKey, digest, sig.Values[j]) {
				return nil, fmt.Errorf("%w: signature %d does not verify for input %d", ErrInvalidSignature, i, j)
			}
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		approvals = append(approvals, Approval{Signer: signer, Signature: sig})
	}

	threshold := p.Threshold
	if threshold < 1 {
		threshold = 1
	}
	if len(approvals) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientSignatures, len(approvals), threshold)
	}
	return approvals, nil
}
