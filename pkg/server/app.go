package server

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mid "MarketPipe/internal/middleware"
	"MarketPipe/internal/usecase"
	pkgch "MarketPipe/pkg/clickhouse"
	"MarketPipe/pkg/config"
	xhttp "MarketPipe/pkg/http"
	pkgkafka "MarketPipe/pkg/kafka"
	applogger "MarketPipe/pkg/logger"
)

// Deps groups everything the App drives. Optional parts are nil when disabled.
type Deps struct {
	Config      *config.Config
	Logger      *applogger.Logger
	MarketData  *usecase.MarketData
	Pipeline    *mid.CandlePipeline
	Processor   *usecase.CandleProcessor
	Collector   *usecase.QuoteCollector
	Consumer    *pkgkafka.Consumer
	Handlers    []pkgkafka.MessageHandler
	Producer    *pkgkafka.Producer
	ClickHouse  *pkgch.Client
	HTTPHandler xhttp.Handler
	Closers     []func() error
}

// App encapsulates the entire application lifecycle.
type App struct {
	Deps
	httpServer *xhttp.Server
	wg         sync.WaitGroup
}

// New creates a new App instance with all dependencies.
func New(d Deps) *App {
	if d.Logger == nil {
		d.Logger = applogger.Nop()
	}
	return &App{Deps: d}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.Logger.Info("shutdown signal received")
	shutdownCtx, stop := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer stop()
	return a.Shutdown(shutdownCtx, cancel)
}

// Start launches background work and the HTTP server. It does not block.
func (a *App) Start(ctx context.Context) error {
	cfg := a.Config
	l := a.Logger

	if a.Pipeline != nil {
		a.Pipeline.Start(ctx)
		l.Info("candle pipeline started", applogger.String("backend", cfg.Backend.Type))
	}

	a.every(ctx, cfg.Pricing.SweepInterval, func(now time.Time) {
		if n := a.MarketData.SweepQuotes(now); n > 0 {
			l.Debug("stale quotes evicted", applogger.Int("count", n))
		}
	})
	a.every(ctx, cfg.Candles.CloseInterval, func(now time.Time) {
		a.MarketData.CloseElapsed(ctx, now)
	})

	if a.Collector != nil {
		if err := a.Collector.Start(ctx); err != nil {
			// the REST ingest path keeps working without the LP feed
			l.Error("lp collector start failed", applogger.Error(err))
		} else {
			l.Info("lp collector started", applogger.Strings("instruments", cfg.LPFeed.Instruments))
		}
	}

	if a.Consumer != nil && len(a.Handlers) > 0 {
		topics := make([]string, 0, len(a.Handlers))
		for _, h := range a.Handlers {
			a.Consumer.RegisterHandler(h)
			topics = append(topics, h.Topic())
		}
		if err := a.Consumer.Start(); err != nil {
			l.Error("kafka consumer start failed", applogger.Error(err))
			return err
		}
		l.Info("kafka consumer started", applogger.Strings("topics", topics))
	}

	opts := []xhttp.ServerOption{
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithLogger(l),
		xhttp.WithSlowThreshold(cfg.Server.SlowThreshold),
	}
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	opts = append(opts, xhttp.WithMetrics(metricsPath, nil, nil))
	a.httpServer = xhttp.NewServer(a.HTTPHandler, opts...)
	return a.httpServer.Start()
}

// every runs fn on a ticker until ctx ends. A non-positive interval disables it.
func (a *App) every(ctx context.Context, interval time.Duration, fn func(now time.Time)) {
	if interval <= 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				fn(now)
			}
		}
	}()
}

// Shutdown stops intake first, then drains candles to the backend and closes clients.
func (a *App) Shutdown(ctx context.Context, cancel context.CancelFunc) error {
	l := a.Logger
	l.Info("shutting down")

	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			l.Error("http shutdown error", applogger.Error(err))
		}
	}
	if a.Collector != nil {
		if err := a.Collector.Shutdown(ctx); err != nil {
			l.Warn("collector stop error", applogger.Error(err))
		}
	}
	if a.Consumer != nil {
		if err := a.Consumer.Stop(ctx); err != nil {
			l.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	// the pipeline loop does not follow ctx; it drains in Pipeline.Stop below
	cancel()
	a.wg.Wait()

	if n := a.MarketData.CloseElapsed(ctx, time.Now()); n > 0 {
		l.Info("closed elapsed candles", applogger.Int("count", n))
	}
	if a.Pipeline != nil {
		if err := a.Pipeline.Stop(ctx); err != nil {
			l.Error("candle pipeline flush error", applogger.Error(err))
		}
	}
	if a.Processor != nil {
		a.Processor.Close()
	}
	if a.Producer != nil {
		if err := a.Producer.Close(); err != nil {
			l.Warn("kafka producer close error", applogger.Error(err))
		}
	}
	for _, c := range a.Closers {
		if err := c(); err != nil {
			l.Warn("close error", applogger.Error(err))
		}
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			l.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	l.Info("shutdown complete")
	l.DetachDigest()
	return nil
}
