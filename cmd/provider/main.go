package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/metrics"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/api"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/coordinator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/version"

	// Import sources to register them
	_ "github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources/cex"
)

var (
	configFile = flag.String("config", "config/config.yaml", "Path to configuration file")
	showVer    = flag.Bool("version", false, "Show version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("feed-value-provider version %s\n", version.Version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	logger, err := logging.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("Starting feed value provider",
		"version", version.Version,
		"feeds", len(cfg.Feeds),
		"sources", len(cfg.Sources))

	// Initialize metrics
	if cfg.Metrics.Enabled {
		metrics.Init()
		go func() {
			logger.Info("Starting metrics server", "addr", cfg.Metrics.Addr)
			if err := metrics.ServeHTTP(cfg.Metrics.Addr); err != nil {
				logger.Error("Metrics server failed", "error", err.Error())
			}
		}()
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- run(ctx, cfg, logger)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
		cancel()
	case err := <-errChan:
		if err != nil {
			logger.Error("Provider failed", "error", err.Error())
			cancel()
		}
	}

	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	// Start sources. A single failed source is skipped, never fatal.
	allSources := startSources(ctx, cfg, logger)
	if len(allSources) == 0 {
		return fmt.Errorf("no sources available")
	}

	// Assemble the pipeline
	feeds := make(map[feed.Key]feed.Limits, len(cfg.Feeds))
	for _, fc := range cfg.Feeds {
		expected := expectedSourcesFor(fc.Symbol, allSources)
		feeds[fc.Key()] = fc.Limits(expected)
	}

	coord := coordinator.New(
		coordinator.Config{
			Feeds:    feeds,
			CacheTTL: cfg.Provider.CacheTTL.ToDuration(),
			Cache: cache.Config{
				Capacity:   cfg.Provider.CacheCapacity,
				ByRoundTTL: cfg.Provider.ByRoundTTL.ToDuration(),
			},
			Gate: feed.GateConfig{
				MaxUpdateAge:    cfg.Validation.MaxAge.ToDuration(),
				FutureTolerance: cfg.Validation.FutureTolerance.ToDuration(),
			},
			Aggregation: aggregator.Config{
				SourceWeights: staticSourceWeights(cfg.Sources),
			},
			Readiness: coordinator.ReadinessConfig{
				ExpectedFeeds:   cfg.Readiness.ExpectedFeeds,
				NearFraction:    cfg.Readiness.NearFraction,
				NearAfter:       cfg.Readiness.NearAfter.ToDuration(),
				PartialFraction: cfg.Readiness.PartialFraction,
				PartialAfter:    cfg.Readiness.PartialAfter.ToDuration(),
				Ceiling:         cfg.Readiness.Ceiling.ToDuration(),
			},
		},
		coordinator.Deps{
			Sources: allSources,
			Rounds: feed.NewRoundClock(
				time.Unix(cfg.Provider.EpochStart, 0),
				cfg.Provider.RoundDuration.ToDuration()),
		},
		logger)
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	// Start the serving surface
	server := api.NewServer(cfg.Provider.HTTP.Addr, coord, logger)

	var wsServer *api.WebSocketServer
	if cfg.Provider.WebSocket.Enabled {
		wsServer = api.NewWebSocketServer(cfg.Provider.WebSocket.Addr, logger)
		server.SetWebSocketServer(wsServer)

		go func() {
			if err := wsServer.Start(ctx); err != nil {
				logger.Error("WebSocket server error", "error", err.Error())
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("Error stopping HTTP server", "error", err.Error())
		}
		if wsServer != nil {
			wsServer.Stop()
		}

		// Coordinator shutdown stops the sources too.
		coord.Shutdown()
	}()

	return server.Start()
}

// startSources creates, initializes and starts every enabled source from
// the registry, skipping any that fails.
func startSources(ctx context.Context, cfg *config.Config, logger *logging.Logger) []sources.Source {
	var allSources []sources.Source
	for _, sourceCfg := range cfg.Sources {
		if !sourceCfg.Enabled {
			continue
		}

		logger.Info("Initializing source", "type", sourceCfg.Type, "name", sourceCfg.Name)

		// Add logger to config so sources don't create their own
		if sourceCfg.Config == nil {
			sourceCfg.Config = make(map[string]interface{})
		}
		sourceCfg.Config["logger"] = logger

		source, err := sources.Create(sourceCfg.Type, sourceCfg.Name, sourceCfg.Config)
		if err != nil {
			logger.Warn("Failed to create source", "type", sourceCfg.Type, "name", sourceCfg.Name, "error", err.Error())
			continue
		}

		if err := source.Initialize(ctx); err != nil {
			logger.Warn("Failed to initialize source", "source", source.Name(), "error", err.Error())
			continue
		}

		if err := source.Start(ctx); err != nil {
			logger.Warn("Failed to start source", "source", source.Name(), "error", err.Error())
			continue
		}

		allSources = append(allSources, source)
		logger.Info("Source started", "source", source.Name(), "symbols", source.Symbols())
	}
	return allSources
}

// staticSourceWeights collects the configured per-source consensus
// multipliers, keyed by source name. Sources without an explicit weight
// weigh 1.0 inside the aggregator.
func staticSourceWeights(cfgs []config.SourceConfig) map[string]float64 {
	weights := make(map[string]float64)
	for _, sc := range cfgs {
		if !sc.Enabled || sc.Weight <= 0 {
			continue
		}
		weights[sc.Name] = sc.Weight
	}
	return weights
}

// expectedSourcesFor counts the sources configured to serve a symbol,
// used to scale aggregation confidence by coverage.
func expectedSourcesFor(symbol string, all []sources.Source) int {
	normalized := sources.NormalizeSymbol(symbol)
	n := 0
	for _, src := range all {
		for _, sym := range src.Symbols() {
			if sources.NormalizeSymbol(sym) == normalized {
				n++
				break
			}
		}
	}
	return n
}
