// Package subscription stores gateway client interest sets and matches
// stream events against them.
package subscription

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

// Filter selects events for a subscription. All non-empty fields must match
// (AND); an empty field is a wildcard.
type Filter struct {
	// Chains by configured chain name.
	Chains []string `json:"chains,omitempty"`

	Kinds []protov1.EventKind `json:"kinds,omitempty"`

	// Addresses match any address the event references, case-insensitively.
	Addresses []string `json:"addresses,omitempty"`
}

func (f *Filter) IsWildcard() bool {
	return len(f.Chains) == 0 && len(f.Kinds) == 0 && len(f.Addresses) == 0
}

// Subscription is one client interest set.
type Subscription struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	Filter   Filter `json:"filter"`

	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt of zero never expires.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (s *Subscription) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

// prepare assigns an id and creation time when missing.
func (s *Subscription) prepare() {
	if s.ID == "" {
		s.ID = "sub_" + uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
}

// Manager stores subscriptions and matches events against them.
type Manager interface {
	// Subscribe stores sub and returns its id.
	Subscribe(ctx context.Context, sub *Subscription) (string, error)

	// Unsubscribe removes a subscription. Unknown ids are not an error.
	Unsubscribe(ctx context.Context, subID string) error

	// UnsubscribeAll removes every subscription owned by a client.
	UnsubscribeAll(ctx context.Context, clientID string) error

	// Get returns nil, nil for an unknown id.
	Get(ctx context.Context, subID string) (*Subscription, error)

	ListByClient(ctx context.Context, clientID string) ([]*Subscription, error)

	// Match returns every unexpired subscription whose filter matches ev.
	Match(ctx context.Context, ev *protov1.Event) ([]MatchResult, error)

	// Cleanup removes expired subscriptions and returns how many it removed.
	Cleanup(ctx context.Context) (int, error)

	Count(ctx context.Context) (int64, error)

	Close() error
}

type MatchResult struct {
	SubscriptionID string
	ClientID       string
}

// Matches reports whether ev satisfies every non-empty field of the filter.
func (f *Filter) Matches(ev *protov1.Event) bool {
	if len(f.Chains) > 0 && !containsFold(f.Chains, ev.Chain) {
		return false
	}

	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Addresses) > 0 {
		found := false
		for _, addr := range ev.Addresses() {
			if containsFold(f.Addresses, addr) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
