// Package worker runs one poll cycle for a source: poll, fold observations
// into the state store, record history, and dispatch transitions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/metrics"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Worker is the scheduler task for one source.
type Worker struct {
	source   tracker.Source
	store    tracker.StatusStore
	notifier tracker.Notifier
	history  tracker.HistoryLog
	ids      tracker.IDGenerator
	clock    tracker.Clock
	logger   *zap.Logger
}

// New constructs a Worker. Notifier and history are optional.
func New(
	source tracker.Source,
	store tracker.StatusStore,
	notifier tracker.Notifier,
	history tracker.HistoryLog,
	ids tracker.IDGenerator,
	clock tracker.Clock,
	logger *zap.Logger,
) (*Worker, error) {
	switch {
	case source == nil:
		return nil, errors.New("source is required")
	case store == nil:
		return nil, errors.New("status store is required")
	case ids == nil:
		return nil, errors.New("id generator is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		source:   source,
		store:    store,
		notifier: notifier,
		history:  history,
		ids:      ids,
		clock:    clock,
		logger:   logger.Named("worker").With(zap.String("source", source.Name())),
	}, nil
}

// Source returns the name of the polled source.
func (w *Worker) Source() string {
	return w.source.Name()
}

// Summary counts what one run did.
type Summary struct {
	RunID         string
	Observations  int
	Transitions   int
	Failures      int
	StoreFailures int
	Notifications tracker.DispatchReport
}

// Run executes one poll cycle. The returned error is the source's hard
// failure; store write failures are logged and recorded, not returned.
func (w *Worker) Run(ctx context.Context) error {
	_, err := w.RunOnce(ctx)
	return err
}

// RunOnce is Run plus a summary of the cycle.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	runID, err := w.ids.NewID()
	if err != nil {
		w.logger.Warn("generate run id", zap.Error(err))
	}
	logger := w.logger.With(zap.String("run_id", runID))
	summary := Summary{RunID: runID}
	started := time.Now()
	name := w.source.Name()

	result, err := w.source.Poll(ctx)
	if err != nil {
		logger.Error("poll failed", zap.Error(err))
		w.appendHistory(ctx, logger, tracker.HistoryEntry{
			Timestamp:  w.clock.Now(),
			VariantKey: tracker.VariantKey(name),
			Kind:       tracker.HistoryKindFor(err),
			Detail:     err.Error(),
		})
		return summary, fmt.Errorf("poll %s: %w", name, err)
	}

	var transitions []tracker.Transition
	for _, obs := range result.Observations {
		metrics.ObserveObservation(name, obs.InStock)
		summary.Observations++
		_, transition, err := w.store.Apply(obs.Key, obs)
		if err != nil {
			if !w.storeFailure(ctx, logger, obs.Key, err) {
				return summary, fmt.Errorf("apply %s: %w", obs.Key, err)
			}
			summary.StoreFailures++
		}
		if transition == nil {
			continue
		}
		transitions = append(transitions, *transition)
		metrics.ObserveTransition(name, string(transition.Direction()))
		logger.Info("stock transition",
			zap.String("variant_key", string(transition.Key)),
			zap.Bool("in_stock", transition.ToInStock),
			zap.String("title", transition.Title))
		w.appendHistory(ctx, logger, historyFor(*transition))
	}
	summary.Transitions = len(transitions)

	for _, failure := range result.Failures {
		metrics.ObserveVariantFailure(name)
		summary.Failures++
		logger.Warn("variant check failed",
			zap.String("variant_key", string(failure.Key)), zap.Error(failure.Err))
		if _, _, err := w.store.RecordFailure(failure.Key); err != nil {
			if !w.storeFailure(ctx, logger, failure.Key, err) {
				return summary, fmt.Errorf("record failure %s: %w", failure.Key, err)
			}
			summary.StoreFailures++
		}
		w.appendHistory(ctx, logger, tracker.HistoryEntry{
			Timestamp:  w.clock.Now(),
			VariantKey: failure.Key,
			Kind:       tracker.HistoryVariantFailure,
			Detail:     errorText(failure.Err),
		})
	}

	if w.notifier != nil {
		for _, t := range transitions {
			report := w.notifier.Notify(ctx, t)
			summary.Notifications.Sent += report.Sent
			summary.Notifications.Skipped += report.Skipped
			summary.Notifications.Failed += report.Failed
			summary.Notifications.LookupFailures += report.LookupFailures
		}
	}

	logger.Info("poll complete",
		zap.Int("observations", summary.Observations),
		zap.Int("transitions", summary.Transitions),
		zap.Int("failures", summary.Failures),
		zap.Int("store_failures", summary.StoreFailures),
		zap.Int("notified", summary.Notifications.Sent),
		zap.Int("notify_failed", summary.Notifications.Failed+summary.Notifications.LookupFailures),
		zap.Duration("elapsed", time.Since(started)))
	return summary, nil
}

// storeFailure logs a *tracker.StoreIOFailure and writes a marker. Any other
// error is not a store write failure and reports false.
func (w *Worker) storeFailure(ctx context.Context, logger *zap.Logger, key tracker.VariantKey, err error) bool {
	var ioErr *tracker.StoreIOFailure
	if !errors.As(err, &ioErr) {
		return false
	}
	logger.Error("state persist failed", zap.String("variant_key", string(key)), zap.Error(err))
	w.appendHistory(ctx, logger, tracker.HistoryEntry{
		Timestamp:  w.clock.Now(),
		VariantKey: key,
		Kind:       tracker.HistoryStoreFailure,
		Detail:     err.Error(),
	})
	return true
}

func (w *Worker) appendHistory(ctx context.Context, logger *zap.Logger, entry tracker.HistoryEntry) {
	if w.history == nil {
		return
	}
	if err := w.history.Append(ctx, entry); err != nil {
		logger.Error("history append failed", zap.String("kind", string(entry.Kind)), zap.Error(err))
	}
}

func historyFor(t tracker.Transition) tracker.HistoryEntry {
	kind := tracker.HistoryOutOfStock
	if t.ToInStock {
		kind = tracker.HistoryInStock
	}
	detail := t.Title
	if t.ToInStock && t.Quantity != nil && *t.Quantity > 0 {
		detail = fmt.Sprintf("%s (%d available)", t.Title, *t.Quantity)
	}
	return tracker.HistoryEntry{
		Timestamp:  t.OccurredAt,
		VariantKey: t.Key,
		Kind:       kind,
		Detail:     detail,
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
