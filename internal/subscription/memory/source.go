// Package memory is an in-memory subscriber source for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Source keeps subscriptions and per-user notification flags in maps.
type Source struct {
	mu      sync.RWMutex
	enabled map[string]bool
	subs    map[tracker.VariantKey]map[string]struct{}
}

var _ tracker.SubscriberSource = (*Source)(nil)

// New returns an empty Source.
func New() *Source {
	return &Source{
		enabled: make(map[string]bool),
		subs:    make(map[tracker.VariantKey]map[string]struct{}),
	}
}

// SetUser creates or updates a user's notification flag.
func (s *Source) SetUser(userID string, notificationsEnabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[userID] = notificationsEnabled
}

// Subscribe adds key to the user's subscriptions. Unknown users are created
// with notifications enabled.
func (s *Source) Subscribe(userID string, keys ...tracker.VariantKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enabled[userID]; !ok {
		s.enabled[userID] = true
	}
	for _, key := range keys {
		users, ok := s.subs[key]
		if !ok {
			users = make(map[string]struct{})
			s.subs[key] = users
		}
		users[userID] = struct{}{}
	}
}

// Unsubscribe removes key from the user's subscriptions.
func (s *Source) Unsubscribe(userID string, key tracker.VariantKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[key], userID)
}

// SubscribersFor lists subscribers of key sorted by user ID.
func (s *Source) SubscribersFor(_ context.Context, key tracker.VariantKey) ([]tracker.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracker.Subscriber, 0, len(s.subs[key]))
	for userID := range s.subs[key] {
		out = append(out, tracker.Subscriber{UserID: userID, NotificationsEnabled: s.enabled[userID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
