// Package notify fans stock transitions out to subscribers. Each (user,
// variant) pair is evaluated, sent, and recorded under its own lock so a
// repeat transition never races the record of the previous one.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/restock-tracker/internal/metrics"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

const defaultConcurrency = 4

// Config controls dispatch policy.
type Config struct {
	Cooldown         time.Duration
	NotifyOutOfStock bool
	Concurrency      int
	TrackerURL       string
	// DailyCap bounds successful sends per UTC day across all users. Zero
	// means unlimited.
	DailyCap int
}

// ErrDailyCapReached is the delivery error reported for sends refused by
// Config.DailyCap.
var ErrDailyCapReached = errors.New("daily notification cap reached")

type outcome string

const (
	outcomeSent    outcome = "sent"
	outcomeSkipped outcome = "skipped"
	outcomeFailed  outcome = "failed"
	outcomeCapped  outcome = "capped"
)

// Dispatcher implements tracker.Notifier.
type Dispatcher struct {
	subscribers tracker.SubscriberSource
	gateway     tracker.Gateway
	records     *RecordStore
	sends       *SendCounter
	clock       tracker.Clock
	cfg         Config
	logger      *zap.Logger

	pairMu sync.Mutex
	pairs  map[string]*sync.Mutex
}

var _ tracker.Notifier = (*Dispatcher)(nil)

// New wires a Dispatcher. sends may be nil when cfg.DailyCap is zero.
func New(
	subscribers tracker.SubscriberSource,
	gateway tracker.Gateway,
	records *RecordStore,
	sends *SendCounter,
	clock tracker.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if subscribers == nil {
		return nil, errors.New("subscriber source is required")
	}
	if gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if records == nil {
		return nil, errors.New("record store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("cooldown must be >= 0, got %s", cfg.Cooldown)
	}
	if cfg.DailyCap < 0 {
		return nil, fmt.Errorf("daily cap must be >= 0, got %d", cfg.DailyCap)
	}
	if cfg.DailyCap > 0 && sends == nil {
		return nil, errors.New("send counter is required with a daily cap")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: subscribers,
		gateway:     gateway,
		records:     records,
		sends:       sends,
		clock:       clock,
		cfg:         cfg,
		logger:      logger.Named("notify"),
		pairs:       make(map[string]*sync.Mutex),
	}, nil
}

// Notify delivers t to every enabled subscriber and reports per-user outcomes.
// A failure for one user never stops delivery to the others.
func (d *Dispatcher) Notify(ctx context.Context, t tracker.Transition) tracker.DispatchReport {
	var report tracker.DispatchReport
	logger := d.logger.With(
		zap.String("variant_key", string(t.Key)),
		zap.String("direction", string(t.Direction())),
	)

	subs, err := d.subscribers.SubscribersFor(ctx, t.Key)
	if err != nil {
		logger.Error("lookup subscribers", zap.Error(err))
		metrics.ObserveNotification("lookup_failed")
		report.LookupFailures = 1
		return report
	}
	if len(subs) == 0 {
		logger.Debug("no subscribers")
		return report
	}

	var sent, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			switch d.deliver(gctx, logger, sub, t) {
			case outcomeSent:
				sent.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			case outcomeFailed, outcomeCapped:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Sent = int(sent.Load())
	report.Skipped = int(skipped.Load())
	report.Failed = int(failed.Load())
	logger.Info("dispatch complete",
		zap.Int("sent", report.Sent),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report
}

func (d *Dispatcher) deliver(ctx context.Context, logger *zap.Logger, sub tracker.Subscriber, t tracker.Transition) outcome {
	result := d.evaluateAndSend(ctx, logger, sub, t)
	metrics.ObserveNotification(string(result))
	return result
}

func (d *Dispatcher) evaluateAndSend(ctx context.Context, logger *zap.Logger, sub tracker.Subscriber, t tracker.Transition) outcome {
	logger = logger.With(zap.String("user", maskUser(sub.UserID)))
	if !sub.NotificationsEnabled {
		return outcomeSkipped
	}
	if !t.ToInStock && !d.cfg.NotifyOutOfStock {
		return outcomeSkipped
	}

	pair := d.pairLock(tracker.RecordKey(sub.UserID, t.Key))
	pair.Lock()
	defer pair.Unlock()

	direction := t.Direction()
	now := d.clock.Now()
	if rec, ok := d.records.Get(sub.UserID, t.Key); ok &&
		rec.LastNotifiedDirection == direction &&
		now.Sub(rec.LastNotifiedAt) < d.cfg.Cooldown {
		logger.Debug("within cooldown", zap.Time("last_notified_at", rec.LastNotifiedAt))
		return outcomeSkipped
	}
	if err := ctx.Err(); err != nil {
		logger.Warn("dispatch canceled", zap.Error(err))
		return outcomeFailed
	}

	if d.sends != nil && !d.sends.Reserve(now, d.cfg.DailyCap) {
		failure := &tracker.DeliveryFailure{UserID: maskUser(sub.UserID), Err: ErrDailyCapReached}
		logger.Error("delivery refused", zap.Int("daily_cap", d.cfg.DailyCap), zap.Error(failure))
		return outcomeCapped
	}

	messageID, err := d.gateway.Send(ctx, sub.UserID, FormatMessage(t, d.cfg.TrackerURL))
	if err != nil {
		if d.sends != nil {
			d.sends.Release(now)
		}
		failure := &tracker.DeliveryFailure{UserID: maskUser(sub.UserID), Err: err}
		logger.Warn("delivery failed", zap.Error(failure))
		return outcomeFailed
	}
	if d.sends != nil {
		if err := d.sends.Commit(now); err != nil {
			logger.Error("persist send count", zap.Error(err))
		}
	}

	rec := tracker.NotificationRecord{LastNotifiedAt: now, LastNotifiedDirection: direction}
	if err := d.records.Upsert(sub.UserID, t.Key, rec); err != nil {
		logger.Error("persist notification record", zap.Error(err))
	}
	logger.Info("notification sent", zap.String("message_id", messageID))
	return outcomeSent
}

func (d *Dispatcher) pairLock(key string) *sync.Mutex {
	d.pairMu.Lock()
	defer d.pairMu.Unlock()
	mu, ok := d.pairs[key]
	if !ok {
		mu = &sync.Mutex{}
		d.pairs[key] = mu
	}
	return mu
}
