//go:build wireinject
// +build wireinject

package di

import (
	"MarketPipe/pkg/config"
	"MarketPipe/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Observability
		ProvideLogger,
		ProvideRegisterer,
		ProvideMetrics,
		ProvideHubMetrics,
		ProvidePipelineMetrics,
		ProvideAPIMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideConsumer,
		ProvideCache,

		// Repositories
		ProvideCandleStore,
		ProvideActionStore,
		ProvideCandlePublisher,

		// Domain
		ProvideInstruments,
		ProvideQuoteStore,
		ProvidePricingEngine,
		ProvideCandleAggregator,
		ProvideLedger,
		ProvideDepthBook,
		ProvideHub,
		ProvideCandleProcessor,
		ProvideCandlePipeline,
		ProvideMarketData,

		// Ingest and delivery
		ProvideQuoteCollector,
		ProvideMessageHandlers,
		ProvideHTTPHandler,

		ProvideApp,
	)
	return &server.App{}, nil
}
