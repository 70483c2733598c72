package di

import (
	"context"
	"fmt"
	"io"
	"time"

	"MarketPipe/internal/domain/models"
	"MarketPipe/internal/domain/repository"
	"MarketPipe/internal/handler/api"
	"MarketPipe/internal/handler/ws"
	mid "MarketPipe/internal/middleware"
	internalrepo "MarketPipe/internal/repository"
	"MarketPipe/internal/service/cache"
	"MarketPipe/internal/service/hub"
	"MarketPipe/internal/service/lpfeed"
	svcmetrics "MarketPipe/internal/service/metrics"
	"MarketPipe/internal/service/ratelimit"
	"MarketPipe/internal/usecase"
	pkgch "MarketPipe/pkg/clickhouse"
	"MarketPipe/pkg/config"
	xhttp "MarketPipe/pkg/http"
	pkgkafka "MarketPipe/pkg/kafka"
	"MarketPipe/pkg/logger"
	"MarketPipe/pkg/metrics"
	"MarketPipe/pkg/server"

	"github.com/prometheus/client_golang/prometheus"
)

const initTimeout = 10 * time.Second

// ProvideLogger builds the root logger from config.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&cfg.Logging.Config)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(logger.String("env", cfg.Environment)), nil
}

// ProvideRegisterer returns the registry every collector registers with.
// The HTTP server exposes the default gatherer.
func ProvideRegisterer() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg prometheus.Registerer) repository.Metrics {
	return metrics.NewWithRegistry(reg)
}

func ProvideHubMetrics(reg prometheus.Registerer) *svcmetrics.HubMetrics {
	return svcmetrics.NewHubMetrics(reg)
}

func ProvidePipelineMetrics(reg prometheus.Registerer) *svcmetrics.PipelineMetrics {
	return svcmetrics.NewPipelineMetrics(reg)
}

func ProvideAPIMetrics(reg prometheus.Registerer) *svcmetrics.APIMetrics {
	return svcmetrics.NewAPIMetrics(reg)
}

// ProvideClickHouseClient creates a ClickHouse client and applies the schema.
// It returns nil when neither the clickhouse backend nor the history store is enabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	ch := cfg.ClickHouse
	if !ch.Enabled && cfg.Backend.Type != usecase.BackendClickHouse {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	client, err := pkgch.NewClient(ctx,
		pkgch.WithHost(ch.Host, ch.Port),
		pkgch.WithDatabase(ch.Database),
		pkgch.WithCredentials(ch.User, ch.Password),
		pkgch.WithMaxConnections(ch.MaxConnections, ch.MaxConnections/2),
		pkgch.WithTimeouts(ch.DialTimeout, ch.ReadTimeout),
		pkgch.WithHTTP(ch.UseHTTP),
		pkgch.WithAsyncInsert(ch.AsyncInsert, ch.WaitForAsync),
		pkgch.WithMaxExecutionTime(ch.MaxExecutionTime),
		pkgch.WithFinalReads(true),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	if err := client.InitSchema(ctx, internalrepo.Schema(candleTable(cfg), actionTable(cfg))); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

func candleTable(cfg *config.Config) string {
	return cfg.ClickHouse.Database + "." + cfg.ClickHouse.CandleTable
}

func actionTable(cfg *config.Config) string {
	return cfg.ClickHouse.Database + "." + cfg.ClickHouse.ActionTable
}

// ProvideKafkaProducer creates a Kafka producer, or nil when no brokers are configured.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}
	p := cfg.Kafka.Producer
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithMaxAttempts(p.MaxAttempts),
		pkgkafka.WithBatching(p.BatchSize, p.Linger),
		pkgkafka.WithWriteTimeout(p.WriteTimeout),
		pkgkafka.WithAsync(p.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideCandleStore returns the ClickHouse candle store, or a nil interface without ClickHouse.
func ProvideCandleStore(ch *pkgch.Client, cfg *config.Config, log *logger.Logger) repository.CandleStore {
	if ch == nil {
		return nil
	}
	return internalrepo.NewCHCandleStore(ch.DB(), candleTable(cfg), log)
}

func ProvideActionStore(ch *pkgch.Client, cfg *config.Config) repository.ActionStore {
	if ch == nil {
		return nil
	}
	return internalrepo.NewCHActionStore(ch.DB(), actionTable(cfg))
}

func ProvideCandlePublisher(producer *pkgkafka.Producer, cfg *config.Config) repository.CandlePublisher {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaCandlePublisher(producer, cfg.Kafka.Topics.Candles)
}

func ProvideCandleProcessor(pub repository.CandlePublisher, store repository.CandleStore, m repository.Metrics, cfg *config.Config) (*usecase.CandleProcessor, error) {
	return usecase.NewCandleProcessor(pub, store, m, cfg.Backend.Type)
}

func ProvideCandlePipeline(proc *usecase.CandleProcessor, m repository.Metrics, pm *svcmetrics.PipelineMetrics, cfg *config.Config, log *logger.Logger) *mid.CandlePipeline {
	return mid.NewCandlePipeline(proc, m,
		mid.WithBufferSize(cfg.Backend.BufferSize),
		mid.WithDepthGauge(pm.BufferDepth),
		mid.WithBatch(cfg.Backend.BatchSize, cfg.Backend.BatchTimeout),
		mid.WithRetry(cfg.Backend.RetryMax, 50*time.Millisecond, 2*time.Second),
		mid.WithLogger(log.With(logger.String("component", "candle_pipeline"))),
	)
}

// ProvideInstruments converts the configured registry.
func ProvideInstruments(cfg *config.Config) *usecase.Instruments {
	list := make([]models.Instrument, 0, len(cfg.Instruments))
	for _, in := range cfg.Instruments {
		list = append(list, models.Instrument{
			ID:             in.ID,
			Class:          models.InstrumentClass(in.Class),
			Precision:      in.Precision,
			ListedAt:       in.ListedAt,
			Markup:         in.Markup,
			EmbeddedSpread: in.EmbeddedSpread,
		})
	}
	return usecase.NewInstruments(list)
}

func ProvideQuoteStore(cfg *config.Config) *usecase.QuoteStore {
	return usecase.NewQuoteStore(usecase.WithStaleAfter(cfg.Pricing.StaleAfter))
}

func ProvidePricingEngine(qs *usecase.QuoteStore, ins *usecase.Instruments, cfg *config.Config) *usecase.PricingEngine {
	policies := make(map[models.InstrumentClass]usecase.SpreadPolicy, len(cfg.Pricing.Policies))
	for class, p := range cfg.Pricing.Policies {
		policies[models.InstrumentClass(class)] = usecase.SpreadPolicy{BasisPoints: p.BasisPoints, Markup: p.Markup}
	}
	return usecase.NewPricingEngine(qs, ins, policies)
}

// ProvideCandleAggregator reads history from the candle store when one is
// configured, so late trades beyond the retained window merge into persisted rows.
func ProvideCandleAggregator(cfg *config.Config, store repository.CandleStore, log *logger.Logger) *usecase.CandleAggregator {
	ac := usecase.CandleAggregatorConfig{
		LatePolicy: usecase.LatePolicy(cfg.Candles.LatePolicy),
		Retention:  cfg.Candles.Retention,
		Timeframes: models.AllTimeframes,
	}
	if store != nil {
		ac.History = store
	}
	return usecase.NewCandleAggregator(ac, log.With(logger.String("component", "candles")))
}

// ProvideLedger builds the corporate action ledger and replays persisted actions.
func ProvideLedger(ins *usecase.Instruments, store repository.ActionStore, cfg *config.Config, log *logger.Logger) (*usecase.CorporateActionLedger, error) {
	opts := []usecase.LedgerOption{usecase.WithCorrections(cfg.CorporateActions.AllowCorrections)}
	if store != nil {
		opts = append(opts, usecase.WithActionStore(store))
	}
	ledger := usecase.NewCorporateActionLedger(ins, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	n, err := ledger.Load(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		log.Info("corporate actions restored", logger.Int("count", n))
	}
	return ledger, nil
}

func ProvideDepthBook() *usecase.DepthBook {
	return usecase.NewDepthBook()
}

func ProvideHub(cfg *config.Config, m *svcmetrics.HubMetrics, log *logger.Logger) *hub.Hub {
	return hub.New(
		hub.WithConfig(hub.Config{
			QueueSize:  cfg.Hub.QueueSize,
			MaxDrops:   cfg.Hub.MaxDrops,
			DropPolicy: hub.DropPolicy(cfg.Hub.DropPolicy),
		}),
		hub.WithLogger(log.With(logger.String("component", "hub"))),
		hub.WithMetrics(m),
	)
}

func ProvideMarketData(
	ins *usecase.Instruments,
	qs *usecase.QuoteStore,
	pricing *usecase.PricingEngine,
	candles *usecase.CandleAggregator,
	ledger *usecase.CorporateActionLedger,
	depth *usecase.DepthBook,
	h *hub.Hub,
	pipeline *mid.CandlePipeline,
	store repository.CandleStore,
	m repository.Metrics,
	log *logger.Logger,
) *usecase.MarketData {
	return usecase.NewMarketData(usecase.MarketDataDeps{
		Instruments: ins,
		Quotes:      qs,
		Pricing:     pricing,
		Candles:     candles,
		Ledger:      ledger,
		Depth:       depth,
		Hub:         h,
		Sink:        pipeline,
		Store:       store,
		Metrics:     m,
		Log:         log,
	})
}

// ProvideCache returns Redis behind an in-process L1 when enabled, otherwise only the in-process TTL cache.
func ProvideCache(cfg *config.Config, log *logger.Logger) cache.BytesCache {
	if !cfg.Redis.Enabled {
		return cache.NewTTLCache(4096)
	}
	rc := cache.NewRedisCache(cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx); err != nil {
		// cache misses degrade to store reads, not failures
		log.Warn("redis unreachable, candle responses will not be cached", logger.Error(err))
	}
	return cache.NewLayeredCache(rc, 1024, cfg.Candles.CacheTTL/4)
}

func ProvideHTTPHandler(
	cfg *config.Config,
	md *usecase.MarketData,
	h *hub.Hub,
	c cache.BytesCache,
	am *svcmetrics.APIMetrics,
	log *logger.Logger,
) xhttp.Handler {
	rest := api.NewMarketEchoHandler(api.Config{
		CandleCacheTTL: cfg.Candles.CacheTTL,
		QuoteBurst:     cfg.API.QuoteBurst,
		QuoteRate:      cfg.API.QuoteRate,
	}, md, h, c, ratelimit.New(), am, log)
	stream := ws.NewHandler(ws.Config{
		WriteTimeout: cfg.WS.WriteTimeout,
		PongWait:     cfg.WS.PongWait,
	}, h, log)
	return xhttp.Handlers{rest, stream}
}

// ProvideQuoteCollector returns nil when the LP feed is disabled.
func ProvideQuoteCollector(cfg *config.Config, md *usecase.MarketData, m repository.Metrics, log *logger.Logger) *usecase.QuoteCollector {
	if !cfg.LPFeed.Enabled {
		return nil
	}
	lp := cfg.LPFeed
	feedLog := log.With(logger.String("provider", lp.ProviderID))
	stream := lpfeed.New(lpfeed.Config{
		URL:            lp.URL,
		APIKey:         lp.APIKey,
		ProviderID:     lp.ProviderID,
		Instruments:    lp.Instruments,
		ReconnectDelay: lp.ReconnectDelay,
		PingInterval:   lp.PingInterval,
	}, feedLog)
	return usecase.NewQuoteCollector(stream, md, m, feedLog)
}

// ProvideConsumer returns nil when consumption is disabled.
func ProvideConsumer(cfg *config.Config, log *logger.Logger) (*pkgkafka.Consumer, error) {
	kc := cfg.Kafka.Consumer
	if !kc.Enabled {
		return nil, nil
	}
	c, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(kc.GroupID),
		pkgkafka.WithConsumerWorkers(kc.Workers),
		pkgkafka.WithConsumerLaneBuffer(kc.BufferSize),
		pkgkafka.WithConsumerRetry(kc.RetryMax, kc.BackoffMin, kc.BackoffMax),
		pkgkafka.WithConsumerDLQ(kc.DLQTopic),
		pkgkafka.WithConsumerFetch(kc.MinBytes, kc.MaxBytes),
		pkgkafka.WithConsumerLogger(log.With(logger.String("component", "kafka_consumer"))),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return c, nil
}

// ProvideMessageHandlers lists the topics the consumer serves. Candle records are
// sunk into ClickHouse only when the kafka backend publishes them and a store exists.
func ProvideMessageHandlers(cfg *config.Config, md *usecase.MarketData, store repository.CandleStore, m repository.Metrics) []pkgkafka.MessageHandler {
	hs := []pkgkafka.MessageHandler{usecase.NewEngineEventsHandler(cfg.Kafka.Topics.EngineEvents, md)}
	if cfg.Backend.Type == usecase.BackendKafka && store != nil {
		hs = append(hs, usecase.NewKafkaCandlesHandler(cfg.Kafka.Topics.Candles, store, m))
	}
	return hs
}

// ProvideApp assembles the application and attaches the error digest once a producer exists.
func ProvideApp(
	cfg *config.Config,
	log *logger.Logger,
	md *usecase.MarketData,
	pipeline *mid.CandlePipeline,
	proc *usecase.CandleProcessor,
	collector *usecase.QuoteCollector,
	consumer *pkgkafka.Consumer,
	handlers []pkgkafka.MessageHandler,
	producer *pkgkafka.Producer,
	ch *pkgch.Client,
	handler xhttp.Handler,
	c cache.BytesCache,
	m repository.Metrics,
) *server.App {
	if consumer != nil {
		if rec, ok := m.(pkgkafka.Recorder); ok {
			consumer.WithHook(pkgkafka.MetricsHook{Metrics: rec})
		}
	}
	if cfg.Logging.Digest.Enabled && producer != nil {
		log.AttachDigest(&logger.DigestConfig{
			Interval:  cfg.Logging.Digest.Interval,
			MaxKeys:   cfg.Logging.Digest.MaxKeys,
			Topic:     cfg.Kafka.Topics.Logs,
			Publisher: producer,
		})
	}

	var closers []func() error
	if cl, ok := c.(io.Closer); ok {
		closers = append(closers, cl.Close)
	}
	return server.New(server.Deps{
		Config:      cfg,
		Logger:      log,
		MarketData:  md,
		Pipeline:    pipeline,
		Processor:   proc,
		Collector:   collector,
		Consumer:    consumer,
		Handlers:    handlers,
		Producer:    producer,
		ClickHouse:  ch,
		HTTPHandler: handler,
		Closers:     closers,
	})
}
