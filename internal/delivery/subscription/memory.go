package subscription

import (
	"context"
	"sync"
	"time"

	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

// MemoryManager keeps subscriptions in process. Subscriptions are lost on
// restart, which is fine for a single gateway whose clients resubscribe on
// reconnect.
type MemoryManager struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	byUser map[string]map[string]struct{}
}

var _ Manager = (*MemoryManager)(nil)

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		subs:   make(map[string]*Subscription),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryManager) Subscribe(_ context.Context, sub *Subscription) (string, error) {
	sub.prepare()
	cp := *sub

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[cp.ID] = &cp
	ids, ok := m.byUser[cp.ClientID]
	if !ok {
		ids = make(map[string]struct{})
		m.byUser[cp.ClientID] = ids
	}
	ids[cp.ID] = struct{}{}
	return cp.ID, nil
}

func (m *MemoryManager) Unsubscribe(_ context.Context, subID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(subID)
	return nil
}

func (m *MemoryManager) removeLocked(subID string) bool {
	sub, ok := m.subs[subID]
	if !ok {
		return false
	}
	delete(m.subs, subID)
	if ids := m.byUser[sub.ClientID]; ids != nil {
		delete(ids, subID)
		if len(ids) == 0 {
			delete(m.byUser, sub.ClientID)
		}
	}
	return true
}

func (m *MemoryManager) UnsubscribeAll(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.byUser[clientID] {
		m.removeLocked(id)
	}
	return nil
}

func (m *MemoryManager) Get(_ context.Context, subID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[subID]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryManager) ListByClient(_ context.Context, clientID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for id := range m.byUser[clientID] {
		cp := *m.subs[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryManager) Match(_ context.Context, ev *protov1.Event) ([]MatchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var results []MatchResult
	for _, sub := range m.subs {
		if sub.expired(now) || !sub.Filter.Matches(ev) {
			continue
		}
		results = append(results, MatchResult{SubscriptionID: sub.ID, ClientID: sub.ClientID})
	}
	return results, nil
}

func (m *MemoryManager) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for id, sub := range m.subs {
		if sub.expired(now) && m.removeLocked(id) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryManager) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.subs)), nil
}

func (m *MemoryManager) Close() error { return nil }
