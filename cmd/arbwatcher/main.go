package main

import (
	"context"
	"errors"
	"flag"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arbwatcher/internal/chain"
	"arbwatcher/internal/config"
	"arbwatcher/internal/engine"
	"arbwatcher/internal/ingestion"
	"arbwatcher/internal/market"
	"arbwatcher/internal/metrics"
	"arbwatcher/internal/persistence"
	"arbwatcher/internal/registry"
	"arbwatcher/pkg/chain/evm"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	resolveTimeout = 2 * time.Minute
	drainTimeout   = 10 * time.Second

	dialRetryInterval = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	// .env file is optional
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Logging)
	log.Info().Msg("Starting arbwatcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Application error")
	}

	log.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
	}

	rpcClient, err := dialRPC(ctx, cfg.Chain.RPCURL, evm.Options{
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Burst:             cfg.RPC.Burst,
		BreakerFailures:   cfg.RPC.BreakerFailures,
		BreakerTimeout:    cfg.RPC.BreakerTimeout,
		OnBreakerChange:   m.SetBreakerState,
	})
	if err != nil {
		return err
	}
	defer rpcClient.Close()

	chainID := nodeChainID(ctx, rpcClient, cfg.Chain.ChainID)

	reg, err := registry.New(cfg)
	if err != nil {
		return err
	}

	if cfg.Registry.VerifyOnChain {
		store, err := persistence.NewStore(cfg.Persistence.SQLitePath)
		if err != nil {
			log.Warn().Err(err).Msg("Metadata cache unavailable, verifying without it")
		} else {
			defer store.Close()
			if err := store.BindChain(ctx, chainID.Int64()); err != nil {
				log.Warn().Err(err).Msg("Failed to bind metadata cache to chain, verifying without it")
				store = nil
			}
		}

		var cache registry.Cache
		if store != nil {
			cache = store
		}
		verifyRegistry(ctx, reg, chain.NewMetadataReader(rpcClient), cache)
	}

	for _, p := range reg.Pools() {
		log.Info().
			Str("pool", p.Name).
			Str("address", p.Address.Hex()).
			Str("token0", p.Token0.Symbol).
			Int32("decimals0", p.Token0.Decimals).
			Str("token1", p.Token1.Symbol).
			Int32("decimals1", p.Token1.Decimals).
			Float64("fee", p.Fee).
			Msg("Watching pool")
	}

	probeIn, _ := reg.TokenBySymbol(cfg.Probe.TokenIn)
	probeOut, _ := reg.TokenBySymbol(cfg.Probe.TokenOut)
	account := common.HexToAddress(cfg.Account.Address)

	router, err := chain.NewRouter(
		rpcClient,
		common.HexToAddress(cfg.Contracts.Router),
		account,
		cfg.Account.PrivateKey,
		chainID,
		chain.Probe{
			TokenIn:      probeIn.Address,
			TokenOut:     probeOut.Address,
			AmountIn:     new(big.Int).SetUint64(cfg.Probe.AmountIn),
			AmountOutMin: new(big.Int).SetUint64(cfg.Probe.AmountOutMin),
			From:         common.HexToAddress(cfg.Probe.Account),
			Deadline:     cfg.Strategy.Deadline,
		},
	)
	if err != nil {
		return err
	}

	conditions := market.NewStore()
	refresher := market.NewRefresher(
		conditions,
		chain.NewOracle(rpcClient, common.HexToAddress(cfg.Contracts.NativeOracle)),
		chain.NewFeeReader(rpcClient),
		router,
		cfg.Market.RefreshInterval,
		m,
	)

	eng := engine.New(
		engine.Config{
			SwapAmountUSD:   cfg.Strategy.SwapAmountUSD,
			ProfitTargetUSD: cfg.Strategy.ProfitTargetUSD,
			FeeRatio:        decimal.NewFromFloat(cfg.Strategy.FeeRatio),
			Deadline:        cfg.Strategy.Deadline,
			Account:         account,
		},
		reg.Pools(),
		conditions,
		router,
		m,
	)

	ingestionSvc, err := ingestion.NewService(cfg.Chain.WSURL, reg.Addresses(), eng, cfg.Ingestion.DedupeSize, m)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return refresher.Run(gCtx)
	})

	g.Go(func() error {
		log.Info().Int("pools", ingestionSvc.TrackedPoolCount()).Msg("Starting ingestion service")
		return ingestionSvc.Run(gCtx)
	})

	err = g.Wait()
	waitForExecutions(eng)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dialRPC connects to the node, retrying until it answers or ctx is cancelled.
func dialRPC(ctx context.Context, url string, opts evm.Options) (*evm.Client, error) {
	for {
		client, err := evm.NewClient(ctx, url, opts)
		if err == nil {
			return client, nil
		}
		log.Warn().Err(err).Dur("retry_in", dialRetryInterval).Msg("Failed to connect to RPC node")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetryInterval):
		}
	}
}

type chainIDSource interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// nodeChainID asks the node for its chain id and falls back to the configured one when the
// node cannot answer.
func nodeChainID(ctx context.Context, src chainIDSource, configured int64) *big.Int {
	id, err := src.ChainID(ctx)
	if err != nil {
		log.Warn().Err(err).Int64("chain_id", configured).Msg("Failed to read chain id from node, using configured value")
		return big.NewInt(configured)
	}
	if id.Int64() != configured {
		log.Warn().Int64("configured", configured).Str("node", id.String()).Msg("Node chain id differs from configuration")
	}
	log.Info().Str("chain_id", id.String()).Msg("RPC client connected")
	return id
}

// verifyRegistry checks pool metadata on chain. When the chain cannot be read the
// configured metadata is used as is.
func verifyRegistry(ctx context.Context, reg *registry.Registry, source registry.MetadataSource, cache registry.Cache) {
	resolveCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	if err := reg.Resolve(resolveCtx, source, cache); err != nil {
		log.Warn().Err(err).Msg("Failed to verify pools on chain, using configured metadata")
	}
}

// waitForExecutions gives in-flight swaps a bounded window to finish logging their outcome.
func waitForExecutions(eng *engine.Engine) {
	done := make(chan struct{})
	go func() {
		eng.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn().Dur("timeout", drainTimeout).Msg("Abandoning in-flight swaps")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}
