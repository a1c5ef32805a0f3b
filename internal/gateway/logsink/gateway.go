// Package logsink delivers notifications to the structured log. It is the
// default gateway when no provider is configured.
package logsink

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Gateway writes each message to a zap logger.
type Gateway struct {
	logger *zap.Logger
	ids    tracker.IDGenerator
}

// New wires a logger and ID generator to the Gateway interface.
func New(logger *zap.Logger, ids tracker.IDGenerator) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{logger: logger.Named("gateway"), ids: ids}
}

// Send logs the message and returns a generated ID.
func (g *Gateway) Send(_ context.Context, userID, message string) (string, error) {
	id := ""
	if g.ids != nil {
		var err error
		if id, err = g.ids.NewID(); err != nil {
			return "", err
		}
	}
	g.logger.Info("notification",
		zap.String("message_id", id),
		zap.String("user_id", userID),
		zap.String("message", message),
	)
	return id, nil
}
