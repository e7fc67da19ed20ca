package stream

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
)

// SubscriptionKind distinguishes entries returned by Stream.Subscriptions.
type SubscriptionKind string

const (
	SubscriptionHeads   SubscriptionKind = "heads"
	SubscriptionFilter  SubscriptionKind = "filter"
	SubscriptionAddress SubscriptionKind = "address"
)

// Subscription is a snapshot of one recorded subscription. Armed reports
// whether it is active on the current upstream connection.
type Subscription struct {
	Kind    SubscriptionKind `json:"kind"`
	Filter  *LogFilter       `json:"filter,omitempty"`
	Address string           `json:"address,omitempty"`
	Armed   bool             `json:"armed"`
}

// armState tracks one subscription against connection generations.
// triedGen is set once an arm call has been issued on that connection.
type armState struct {
	armedGen uint64
	triedGen uint64
}

type filterEntry struct {
	filter LogFilter
	armState
}

type addressEntry struct {
	addr string
	armState
}

// subscriptionSet records what must be armed on every connection. Entries
// keep insertion order. Guarded by the owning Stream's mutex.
type subscriptionSet struct {
	heads armState

	filters     []*filterEntry
	filterIndex map[string]*filterEntry

	addresses []*addressEntry
	watched   mapset.Set[string]
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{
		filterIndex: make(map[string]*filterEntry),
		watched:     mapset.NewThreadUnsafeSet[string](),
	}
}

// addFilter records f and returns its entry. The second result is false
// when an equal filter was already recorded.
func (s *subscriptionSet) addFilter(f LogFilter) (*filterEntry, bool) {
	key := f.Key()
	if e, ok := s.filterIndex[key]; ok {
		return e, false
	}
	e := &filterEntry{filter: f}
	s.filters = append(s.filters, e)
	s.filterIndex[key] = e
	return e, true
}

func (s *subscriptionSet) addAddress(addr string) (*addressEntry, bool) {
	if !s.watched.Add(addr) {
		for _, e := range s.addresses {
			if e.addr == addr {
				return e, false
			}
		}
	}
	e := &addressEntry{addr: addr}
	s.addresses = append(s.addresses, e)
	return e, true
}

func (s *subscriptionSet) isWatched(addr string) bool {
	return addr != "" && s.watched.Contains(addr)
}

func (s *subscriptionSet) matchesAny(l *Log) bool {
	for _, e := range s.filters {
		if e.filter.Matches(l) {
			return true
		}
	}
	return false
}

// untried returns, heads first, the subscriptions with no arm call issued
// on connection gen yet.
func (s *subscriptionSet) untried(gen uint64) []armTask {
	var out []armTask
	if s.heads.triedGen != gen {
		out = append(out, armTask{kind: SubscriptionHeads, state: &s.heads})
	}
	for _, e := range s.filters {
		if e.triedGen != gen {
			out = append(out, armTask{kind: SubscriptionFilter, filter: e.filter, state: &e.armState})
		}
	}
	for _, e := range s.addresses {
		if e.triedGen != gen {
			out = append(out, armTask{kind: SubscriptionAddress, address: e.addr, state: &e.armState})
		}
	}
	return out
}

// armTask is one subscription to arm on a connection. state is guarded by
// the owning Stream's mutex; the rest is a copy safe to use without it.
type armTask struct {
	kind    SubscriptionKind
	filter  LogFilter
	address string
	state   *armState
}

func (t armTask) arm(ctx context.Context, conn Conn) error {
	switch t.kind {
	case SubscriptionHeads:
		return conn.SubscribeHeads(ctx)
	case SubscriptionFilter:
		return conn.ArmFilter(ctx, t.filter)
	default:
		return conn.ArmAddress(ctx, t.address)
	}
}

func (t armTask) String() string {
	switch t.kind {
	case SubscriptionHeads:
		return "heads"
	case SubscriptionFilter:
		return "log filter " + t.filter.Key()
	default:
		return "address " + t.address
	}
}

func (s *subscriptionSet) snapshot(gen uint64) []Subscription {
	out := make([]Subscription, 0, 1+len(s.filters)+len(s.addresses))
	out = append(out, Subscription{Kind: SubscriptionHeads, Armed: gen != 0 && s.heads.armedGen == gen})
	for _, e := range s.filters {
		f := e.filter
		out = append(out, Subscription{Kind: SubscriptionFilter, Filter: &f, Armed: gen != 0 && e.armedGen == gen})
	}
	for _, e := range s.addresses {
		out = append(out, Subscription{Kind: SubscriptionAddress, Address: e.addr, Armed: gen != 0 && e.armedGen == gen})
	}
	return out
}

func (s *subscriptionSet) clear() {
	s.heads = armState{}
	s.filters = nil
	s.filterIndex = make(map[string]*filterEntry)
	s.addresses = nil
	s.watched.Clear()
}
