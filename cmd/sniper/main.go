// Command sniper watches pump.fun token launches, buys the ones that pass
// the risk checks and manages the positions until exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nexus-trading/pumpsniper/internal/adapters/jupiter"
	"github.com/nexus-trading/pumpsniper/internal/audit"
	"github.com/nexus-trading/pumpsniper/internal/config"
	"github.com/nexus-trading/pumpsniper/internal/dashboard"
	"github.com/nexus-trading/pumpsniper/internal/execution"
	"github.com/nexus-trading/pumpsniper/internal/feed"
	"github.com/nexus-trading/pumpsniper/internal/market"
	"github.com/nexus-trading/pumpsniper/internal/observability"
	"github.com/nexus-trading/pumpsniper/internal/orchestrator"
	"github.com/nexus-trading/pumpsniper/internal/quality"
	"github.com/nexus-trading/pumpsniper/internal/risk"
	"github.com/nexus-trading/pumpsniper/internal/sniper"
	"github.com/nexus-trading/pumpsniper/internal/solana"
	"github.com/nexus-trading/pumpsniper/internal/store"
	"github.com/nexus-trading/pumpsniper/internal/store/memory"
	"github.com/nexus-trading/pumpsniper/internal/store/postgres"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	simulate := flag.Bool("simulate", false, "quote swaps but never send them (overrides execution.simulation)")
	useMemory := flag.Bool("memory", false, "use the in-memory store instead of postgres")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *simulate {
		cfg.Execution.Simulation = true
	}
	if *useMemory {
		cfg.Store.Driver = "memory"
	}

	// 3. Setup logging.
	closeLog := setupLogging(cfg.General)
	defer closeLog()

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("simulation", cfg.Execution.Simulation).
		Str("store", cfg.Store.Driver).
		Str("program", cfg.Solana.ProgramID).
		Str("buy_size_sol", decimal.NewFromFloat(cfg.Execution.BuySizeSOL).String()).
		Dur("grace_period", cfg.Qualifier.GracePeriod).
		Float64("trail_stop_pct", cfg.Monitor.TrailStopPct).
		Float64("take_profit_pct", cfg.Monitor.TakeProfitPct).
		Float64("bonding_exit_threshold", cfg.Monitor.BondingExitThreshold).
		Msg("Configuration loaded")

	// 3b. Validate configuration.
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the store and apply migrations.
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("Store unavailable")
	}
	defer st.Close()

	// 5. Wallet and Solana RPC. Live mode needs both; simulation needs neither.
	var (
		signer  execution.Signer
		rpc     solana.RPCClient
		liveRPC *solana.LiveRPCClient
		wallet  = cfg.Solana.WalletPubkey
	)
	if !cfg.Execution.Simulation {
		kp, err := loadKeypair(cfg.Solana)
		if err != nil {
			log.Fatal().Err(err).Msg("Wallet keypair unreadable")
		}
		signer = kp
		wallet = string(kp.PublicKey())

		liveRPC = solana.NewLiveRPCClient(solana.RPCConfig{
			Endpoint:     cfg.Solana.RPCEndpoint,
			Timeout:      cfg.Solana.RPCTimeout,
			MaxRetries:   1,
			RateLimitRPS: cfg.Solana.RateLimitRPS,
		})
		defer liveRPC.Close()
		rpc = liveRPC

		healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rpc.Health(healthCtx); err != nil {
			log.Warn().Err(err).Str("endpoint", cfg.Solana.RPCEndpoint).
				Msg("Solana RPC health check failed (continuing, may be rate-limited)")
		} else {
			log.Info().Str("endpoint", cfg.Solana.RPCEndpoint).Str("wallet", wallet).Msg("Solana RPC: LIVE - connected")
		}
		logBalance(healthCtx, liveRPC, kp.PublicKey(), cfg.Execution.BuySizeSOL)
		healthCancel()
	} else {
		log.Warn().Msg("Execution: SIMULATION - swaps are quoted, never sent")
	}

	// 6. Shared observability.
	metrics := observability.NewMetrics()
	journal := audit.NewJournal(st, 1024, cfg.Dashboard.SnapshotLimit)
	health := observability.NewHealthMonitor(15 * time.Second)
	streams := quality.NewMonitor(cfg.Feed.LagThreshold, cfg.Feed.StaleAfter)

	// 7. Execution gateway.
	jup := jupiter.NewAPIClient(jupiter.Config{
		QuoteURL: cfg.Execution.QuoteURL,
		SwapURL:  cfg.Execution.SwapURL,
		Timeout:  cfg.Providers.HTTPTimeout,
	}, wallet)
	executor := execution.New(execution.Config{
		SlippageBps:     cfg.Execution.SlippageBps,
		JitoTipLamports: cfg.Execution.JitoTipLamports,
		Simulation:      cfg.Execution.Simulation,
		ConfirmTimeout:  cfg.Solana.ConfirmTimeout,
	}, jup, signer, rpc, execution.RetryPolicy{
		MaxAttempts: cfg.Execution.MaxRetries,
		Min:         cfg.Execution.Backoff,
		Max:         cfg.Execution.MaxBackoff,
		Factor:      2,
	})

	// 8. Market data gateway. Bonding-curve exits need a Moralis key.
	var bonding market.BondingSource
	if cfg.Providers.MoralisKey != "" {
		bonding = market.NewMoralisClient(cfg.Providers.MoralisURL, cfg.Providers.MoralisKey, cfg.Providers.HTTPTimeout)
	} else {
		log.Warn().Msg("providers.moralis_key not set, bonding-curve exit disabled")
	}
	gateway := market.NewGateway(
		market.NewBirdeyeClient(cfg.Providers.BirdeyeURL, cfg.Providers.BirdeyeKey, cfg.Providers.HTTPTimeout),
		bonding,
		market.GatewayConfig{BatchSize: cfg.Providers.BirdeyeBatch, TokenDecimals: cfg.Providers.TokenDecimals},
	)

	// 9. Risk gate.
	gateConfig := risk.GateConfig{RecheckInterval: cfg.Qualifier.RecheckInterval, Timeout: cfg.Qualifier.Timeout}
	gate := risk.NewGate(
		risk.NewRugCheckClient(cfg.Providers.RugCheckURL, cfg.Providers.HTTPTimeout),
		thresholds(cfg.Qualifier.Thresholds),
		gateConfig,
	)
	log.Info().Int("polls", gateConfig.Attempts()).Dur("recheck_interval", gateConfig.RecheckInterval).
		Msg("Risk gate configured")

	// 10. Loops.
	ws := solana.NewWSMonitor(solana.WSMonitorConfig{
		WSEndpoint:        cfg.Solana.WSEndpoint,
		ProgramID:         solana.Pubkey(cfg.Solana.ProgramID),
		Commitment:        cfg.Feed.Commitment,
		ReconnectDelay:    cfg.Feed.ReconnectDelay,
		MaxReconnectDelay: cfg.Feed.MaxReconnectDelay,
		PingInterval:      cfg.Feed.PingInterval,
		BufferSize:        cfg.Feed.BufferSize,
		OnDrop: func(ev solana.LogEvent) {
			metrics.EventsDropped.Inc()
			journal.Warnf("Stream buffer full, dropped notification %s (slot %d)", ev.Signature, ev.Slot)
		},
	})
	ingest := feed.New(st, journal, metrics)

	exits := sniper.NewExitEngine(exitConfig(cfg.Monitor))
	qualifier := sniper.NewQualifier(sniper.QualifierConfig{
		ScanInterval:   cfg.Qualifier.ScanInterval,
		GracePeriod:    cfg.Qualifier.GracePeriod,
		MaxBuyAttempts: cfg.Qualifier.MaxBuyAttempts,
		BuySizeSOL:     decimal.NewFromFloat(cfg.Execution.BuySizeSOL),
		BuyTimeout:     cfg.Solana.ConfirmTimeout * time.Duration(cfg.Execution.MaxRetries+1),
	}, st, gate, executor, exits, journal, metrics)
	monitor := sniper.NewMonitor(sniper.MonitorConfig{
		Interval:    cfg.Monitor.Interval,
		SellTimeout: cfg.Solana.ConfirmTimeout * time.Duration(cfg.Execution.MaxRetries+1),
	}, st, gateway, executor, exits, journal, metrics)

	// 11. Reporting surface.
	statsFn := func() map[string]any {
		stats := map[string]any{
			"feed":       ingest.Stats(),
			"ws":         ws.Stats(),
			"qualifier":  qualifier.Stats(),
			"monitor":    monitor.Stats(),
			"risk":       gate.Stats(),
			"market":     gateway.Stats(),
			"execution":  executor.Stats(),
			"jupiter":    jup.APIStats(),
			"journal":    journal.Stats(),
			"streams":    streams.Snapshot(),
			"simulation": executor.Simulation(),
		}
		if liveRPC != nil {
			stats["rpc"] = liveRPC.Stats()
		}
		return stats
	}
	var dash orchestrator.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.New(dashboard.Config{
			Addr:           cfg.Dashboard.Addr,
			StreamInterval: cfg.Dashboard.StreamInterval,
			SnapshotLimit:  cfg.Dashboard.SnapshotLimit,
			RecentLogs:     journal.Recent,
		}, st, health, metrics.Registry, statsFn)
	}

	orch := orchestrator.New(orchestrator.Options{
		Store:           st,
		Events:          ws,
		Feed:            ingest,
		Qualifier:       qualifier,
		Monitor:         monitor,
		BlockedCreators: cfg.Store.BlockedCreators,
		Journal:         journal,
		Health:          health,
		Quality:         streams,
		Swaps:           jup,
		Dashboard:       dash,
	})

	// 12. Signal handling.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	log.Info().Str("ws", cfg.Solana.WSEndpoint).Msg("pump.fun sniper running")
	if err := orch.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Sniper failed to start")
		closeLog()
		st.Close()
		os.Exit(1)
	}

	log.Info().
		Interface("feed", ingest.Stats()).
		Interface("qualifier", qualifier.Stats()).
		Interface("monitor", monitor.Stats()).
		Interface("execution", executor.Stats()).
		Interface("journal", journal.Stats()).
		Msg("Final stats")
	log.Info().Msg("pump.fun sniper - Shutdown complete")
}

// logBalance reports the wallet balance and warns when it cannot cover
// one buy.
func logBalance(ctx context.Context, rpc *solana.LiveRPCClient, wallet solana.Pubkey, buySizeSOL float64) {
	lamports, err := rpc.GetBalance(ctx, wallet)
	if err != nil {
		log.Warn().Err(err).Str("wallet", string(wallet)).Msg("Wallet balance unavailable")
		return
	}
	balance := decimal.NewFromUint64(lamports).Shift(-9)
	if balance.LessThan(decimal.NewFromFloat(buySizeSOL)) {
		log.Warn().Str("wallet", string(wallet)).Str("balance_sol", balance.String()).
			Float64("buy_size_sol", buySizeSOL).Msg("Wallet balance below one buy")
		return
	}
	log.Info().Str("wallet", string(wallet)).Str("balance_sol", balance.String()).Msg("Wallet balance")
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	var st store.Store
	switch cfg.Driver {
	case "memory":
		log.Warn().Msg("Store: MEMORY - state is lost on exit")
		st = memory.New()
	default:
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		pg, err := postgres.Open(connectCtx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st = pg
	}
	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func loadKeypair(cfg config.SolanaConfig) (*solana.Keypair, error) {
	if cfg.KeypairPath != "" {
		return solana.LoadKeypair(cfg.KeypairPath)
	}
	return solana.ParseKeypair(cfg.PrivateKey)
}

func thresholds(t config.ThresholdsConfig) risk.Thresholds {
	return risk.Thresholds{
		MinHolders:           int64(t.MinHolders),
		MinLPLockedPct:       decimal.NewFromFloat(t.MinLPLockedPct),
		MaxCreatorBalancePct: decimal.NewFromFloat(t.MaxCreatorBalancePct),
		MinMarketCapUSD:      decimal.NewFromFloat(t.MinMarketCapUSD),
	}
}

func exitConfig(m config.MonitorConfig) sniper.ExitConfig {
	return sniper.ExitConfig{
		TrailStopPct:         decimal.NewFromFloat(m.TrailStopPct),
		TakeProfitPct:        decimal.NewFromFloat(m.TakeProfitPct),
		BondingExitThreshold: decimal.NewFromFloat(m.BondingExitThreshold),
	}
}

// setupLogging configures the global zerolog logger and returns a function
// that closes the rotating file sink, if any.
func setupLogging(general config.GeneralConfig) func() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if general.LogFormat == "text" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	closeFn := func() {}
	if general.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   general.LogFile,
			MaxSize:    general.LogMaxSizeMB,
			MaxBackups: general.LogMaxBackups,
			MaxAge:     general.LogMaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, rotator)
		closeFn = func() { _ = rotator.Close() }
	}

	log.Logger = zerolog.New(out).
		With().Timestamp().Str("service", "pumpsniper").
		Str("instance", general.InstanceID).Logger()
	return closeFn
}
