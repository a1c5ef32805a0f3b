package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/restock-tracker/internal/config"
	"github.com/JakeFAU/restock-tracker/internal/fetcher"
	"github.com/JakeFAU/restock-tracker/internal/fetcher/challenge"
	collyfetcher "github.com/JakeFAU/restock-tracker/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/restock-tracker/internal/fetcher/headless"
	"github.com/JakeFAU/restock-tracker/internal/gateway/logsink"
	memorygateway "github.com/JakeFAU/restock-tracker/internal/gateway/memory"
	pubsubgateway "github.com/JakeFAU/restock-tracker/internal/gateway/pubsub"
	"github.com/JakeFAU/restock-tracker/internal/gateway/telegram"
	"github.com/JakeFAU/restock-tracker/internal/policy/ratelimit"
	"github.com/JakeFAU/restock-tracker/internal/source"
	"github.com/JakeFAU/restock-tracker/internal/source/amazon"
	"github.com/JakeFAU/restock-tracker/internal/source/shopify"
	gcsstorage "github.com/JakeFAU/restock-tracker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/restock-tracker/internal/storage/local"
	"github.com/JakeFAU/restock-tracker/internal/store/state"
	memorysubs "github.com/JakeFAU/restock-tracker/internal/subscription/memory"
	pgsubs "github.com/JakeFAU/restock-tracker/internal/subscription/postgres"
	sqlitesubs "github.com/JakeFAU/restock-tracker/internal/subscription/sqlite"
	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

type scheduledSource struct {
	source          tracker.Source
	intervalSeconds int
}

func (a *App) setupMirror(ctx context.Context) (state.Mirror, error) {
	switch a.cfg.Mirror.Kind {
	case config.MirrorGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Mirror.Bucket, Prefix: a.cfg.Mirror.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs mirror init failed: %w", err)
		}
		a.addCloser("gcs mirror", store.Close)
		a.logger.Info("using GCS state mirror", zap.String("bucket", a.cfg.Mirror.Bucket))
		return store, nil
	case config.MirrorLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Mirror.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local mirror init failed: %w", err)
		}
		a.logger.Info("using local state mirror", zap.String("path", a.cfg.Mirror.BaseDir))
		return store, nil
	default:
		a.logger.Debug("state mirror disabled")
		return nil, nil
	}
}

func (a *App) setupFetcher() (*fetcher.Client, error) {
	primary := collyfetcher.New(collyfetcher.Config{
		UserAgent:  a.cfg.HTTP.UserAgent,
		UserAgents: a.cfg.HTTP.UserAgents,
		Timeout:    a.cfg.FetchTimeout(),
		Retries:    a.cfg.HTTP.Retries,
	})
	a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.HTTP.UserAgent))

	opts := fetcher.Options{
		Primary:          primary,
		Pacer:            a.setupPacer(),
		Detector:         challenge.New(0),
		ChallengePenalty: a.cfg.HTTP.ChallengePenalty,
		Logger:           a.logger,
	}
	a.logger.Info("rate limiter enabled",
		zap.Float64("default_rps", a.cfg.HTTP.RateLimitRPS),
		zap.Int("default_burst", a.cfg.HTTP.RateLimitBurst),
	)

	if a.cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: a.cfg.NavTimeout(),
			WaitSelector:      a.cfg.Headless.WaitSelector,
			LoadImages:        a.cfg.Headless.LoadImages,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			a.addCloser("headless fetcher", func() error {
				headless.Close()
				return nil
			})
			opts.Headless = headless
			a.logger.Info("using headless fallback", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	client, err := fetcher.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create fetch client: %w", err)
	}
	return client, nil
}

func (a *App) setupPacer() *ratelimit.Limiter {
	hosts := make(map[string]ratelimit.HostLimit, len(a.cfg.HTTP.HostLimits))
	for _, limit := range a.cfg.HTTP.HostLimits {
		hosts[limit.Host] = ratelimit.HostLimit{RPS: limit.RPS, Burst: limit.Burst}
		a.logger.Info("host rate limit", zap.String("host", limit.Host), zap.Float64("rps", limit.RPS), zap.Int("burst", limit.Burst))
	}
	return ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.HTTP.RateLimitRPS,
		DefaultBurst: a.cfg.HTTP.RateLimitBurst,
		Hosts:        hosts,
		MaxPenalty:   a.cfg.HTTP.MaxPenalty,
	})
}

func (a *App) setupSources(client tracker.Fetcher) ([]scheduledSource, error) {
	shop := a.cfg.Sources.Shopify
	shopSource, err := shopify.New(shopify.Config{
		StoreURL:    shop.StoreURL,
		ProductsURL: shop.ProductsURL,
		Pacer:       source.Pacer{Base: shop.BaseDelay, Jitter: shop.Jitter},
		CrossCheck:  shop.CrossCheck,
		NoExpand:    shop.NoExpand,
	}, client, a.clock, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create shopify source: %w", err)
	}
	sources := []scheduledSource{{source: shopSource, intervalSeconds: shop.IntervalSeconds}}

	amz := a.cfg.Sources.Amazon
	products, err := amazon.ParseProducts(amz.ASINs)
	if err != nil {
		return nil, fmt.Errorf("parse amazon asins: %w", err)
	}
	if len(products) == 0 {
		a.logger.Warn("no ASINs configured, amazon source disabled")
		return sources, nil
	}
	amzSource, err := amazon.New(amazon.Config{
		BaseURL:  amz.BaseURL,
		Products: products,
		Pacer:    source.Pacer{Base: amz.BaseDelay, Jitter: amz.Jitter},
	}, client, a.clock, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create amazon source: %w", err)
	}
	return append(sources, scheduledSource{source: amzSource, intervalSeconds: amz.IntervalSeconds}), nil
}

func (a *App) setupSubscriptions(ctx context.Context) (tracker.SubscriberSource, error) {
	subs := a.cfg.Subscriptions
	switch subs.Kind {
	case config.SubscriptionsSQLite:
		src, err := sqlitesubs.Open(ctx, subs.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite subscriptions init failed: %w", err)
		}
		a.addCloser("sqlite subscriptions", src.Close)
		a.logger.Info("using sqlite subscriptions", zap.String("path", subs.SQLitePath))
		return src, nil
	case config.SubscriptionsPostgres:
		src, err := pgsubs.New(ctx, pgsubs.Config{DSN: subs.PostgresDSN, Table: subs.PostgresTable})
		if err != nil {
			return nil, fmt.Errorf("postgres subscriptions init failed: %w", err)
		}
		a.addCloser("postgres subscriptions", func() error {
			src.Close()
			return nil
		})
		a.logger.Info("using postgres subscriptions", zap.String("table", subs.PostgresTable))
		return src, nil
	default:
		a.logger.Warn("using in-memory subscriptions; nobody is subscribed")
		return memorysubs.New(), nil
	}
}

func (a *App) setupGateway(ctx context.Context) (tracker.Gateway, error) {
	gw := a.cfg.Gateway
	switch gw.Kind {
	case config.GatewayTelegram:
		g, err := telegram.Open(gw.TelegramToken)
		if err != nil {
			return nil, fmt.Errorf("telegram gateway init failed: %w", err)
		}
		a.logger.Info("using telegram gateway")
		return g, nil
	case config.GatewayPubSub:
		g, err := pubsubgateway.Open(ctx, gw.PubSubProjectID, gw.PubSubTopic, a.clock)
		if err != nil {
			return nil, fmt.Errorf("pubsub gateway init failed: %w", err)
		}
		a.addCloser("pubsub gateway", g.Close)
		a.logger.Info("using pubsub gateway",
			zap.String("project", gw.PubSubProjectID),
			zap.String("topic", gw.PubSubTopic),
		)
		return g, nil
	case config.GatewayMemory:
		a.logger.Info("using in-memory gateway")
		return memorygateway.New(), nil
	default:
		a.logger.Info("using log gateway")
		return logsink.New(a.logger, a.ids), nil
	}
}
