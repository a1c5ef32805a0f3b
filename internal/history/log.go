package history

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// LogSink writes entries to a zap logger. Useful in development when the
// history file is disabled.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a logger to the HistoryLog interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("history")}
}

// Append logs the entry using structured fields.
func (s *LogSink) Append(_ context.Context, entry tracker.HistoryEntry) error {
	s.logger.Info("history entry",
		zap.Time("timestamp", entry.Timestamp),
		zap.String("variant_key", string(entry.VariantKey)),
		zap.String("kind", string(entry.Kind)),
		zap.String("detail", entry.Detail),
	)
	return nil
}

// Tee fans each entry out to every log and joins their errors.
type Tee []tracker.HistoryLog

// Append writes to all logs even when one fails.
func (t Tee) Append(ctx context.Context, entry tracker.HistoryEntry) error {
	var errs []error
	for _, log := range t {
		if log == nil {
			continue
		}
		if err := log.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
