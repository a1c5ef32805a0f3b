// Package memory records deliveries in memory for development and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Delivery captures one Send call.
type Delivery struct {
	ID      string
	UserID  string
	Message string
}

// Gateway stores delivered messages for inspection.
type Gateway struct {
	mu         sync.RWMutex
	deliveries []Delivery
	failing    map[string]error
}

var _ tracker.Gateway = (*Gateway)(nil)

// New returns a memory Gateway.
func New() *Gateway {
	return &Gateway{failing: make(map[string]error)}
}

// FailFor makes sends to userID return err. A nil err clears the failure.
func (g *Gateway) FailFor(userID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failing, userID)
		return
	}
	g.failing[userID] = err
}

// Send records the message and returns a random message ID.
func (g *Gateway) Send(ctx context.Context, userID, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failing[userID]; err != nil {
		return "", err
	}
	id := uuid.NewString()
	g.deliveries = append(g.deliveries, Delivery{ID: id, UserID: userID, Message: message})
	return id, nil
}

// Deliveries returns a copy of the recorded sends.
func (g *Gateway) Deliveries() []Delivery {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Delivery, len(g.deliveries))
	copy(out, g.deliveries)
	return out
}
