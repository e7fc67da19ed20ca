package adapter

import (
	"fmt"
	"strings"
)

// MultisigSpec describes an m-of-n wallet. Owner format is family-specific:
// addresses for EVM, hex-encoded public keys for the key-based families.
type MultisigSpec struct {
	Owners    []Address `json:"owners"`
	Threshold int       `json:"threshold"`
}

// Validate checks 1 <= Threshold <= len(Owners) and rejects repeated owners.
// Owners are compared case-insensitively.
func (s MultisigSpec) Validate() error {
	if s.Threshold < 1 || s.Threshold > len(s.Owners) {
		return fmt.Errorf("%w: %d of %d owners", ErrInvalidThreshold, s.Threshold, len(s.Owners))
	}
	seen := make(map[string]struct{}, len(s.Owners))
	for _, o := range s.Owners {
		key := strings.ToLower(string(o))
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateOwner, o)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ValidateMax is Validate plus a family limit on the owner count.
func (s MultisigSpec) ValidateMax(maxOwners int) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if len(s.Owners) > maxOwners {
		return fmt.Errorf("%w: %d > %d", ErrTooManyOwners, len(s.Owners), maxOwners)
	}
	return nil
}
