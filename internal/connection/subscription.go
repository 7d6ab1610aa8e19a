package connection

import (
	"sort"
	"sync"

	"github.com/phkoenig/marketfeed/internal/exchange"
)

// SubscriptionSet tracks the desired and confirmed subscriptions of one
// connection. The desired set is mutated by callers; the confirmed set only
// by venue acknowledgments. Confirmed is always a subset of desired except
// for the brief window between a reconnect and replay completion, which
// ResetConfirmed closes. All methods are safe for concurrent use.
type SubscriptionSet struct {
	mu        sync.Mutex
	desired   map[exchange.Subscription]struct{}
	confirmed map[exchange.Subscription]struct{}
}

// NewSubscriptionSet creates an empty set.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{
		desired:   make(map[exchange.Subscription]struct{}),
		confirmed: make(map[exchange.Subscription]struct{}),
	}
}

// Add marks a subscription as desired. Returns false if it already was.
func (s *SubscriptionSet) Add(sub exchange.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.desired[sub]; exists {
		return false
	}
	s.desired[sub] = struct{}{}
	return true
}

// Remove drops a subscription from both sets. Returns false if it was not
// desired.
func (s *SubscriptionSet) Remove(sub exchange.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.desired[sub]; !exists {
		return false
	}
	delete(s.desired, sub)
	delete(s.confirmed, sub)
	return true
}

// Desired returns the desired set in a stable order for deterministic
// replay.
func (s *SubscriptionSet) Desired() []exchange.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]exchange.Subscription, 0, len(s.desired))
	for sub := range s.desired {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Symbol != subs[j].Symbol {
			return subs[i].Symbol < subs[j].Symbol
		}
		return subs[i].Channel < subs[j].Channel
	})
	return subs
}

// Confirm records a venue acknowledgment. Acks for subscriptions no longer
// desired (removed during the ack round-trip) are ignored.
func (s *SubscriptionSet) Confirm(sub exchange.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.desired[sub]; !exists {
		return false
	}
	s.confirmed[sub] = struct{}{}
	return true
}

// ResetConfirmed clears the confirmed set; called on every reconnect before
// replay.
func (s *SubscriptionSet) ResetConfirmed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = make(map[exchange.Subscription]struct{})
}

// Counts returns the sizes of the desired and confirmed sets.
func (s *SubscriptionSet) Counts() (desired, confirmed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.desired), len(s.confirmed)
}
