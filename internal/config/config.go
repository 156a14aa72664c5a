package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the sniper.
type Config struct {
	General   GeneralConfig   `yaml:"general"`
	Solana    SolanaConfig    `yaml:"solana"`
	Store     StoreConfig     `yaml:"store"`
	Feed      FeedConfig      `yaml:"feed"`
	Qualifier QualifierConfig `yaml:"qualifier"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Execution ExecutionConfig `yaml:"execution"`
	Providers ProvidersConfig `yaml:"providers"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

type GeneralConfig struct {
	InstanceID    string `yaml:"instance_id"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"` // json|text
	LogFile       string `yaml:"log_file"`   // empty = stdout only
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
}

type SolanaConfig struct {
	RPCEndpoint    string        `yaml:"rpc_endpoint"`
	WSEndpoint     string        `yaml:"ws_endpoint"`
	ProgramID      string        `yaml:"program_id"`
	KeypairPath    string        `yaml:"keypair_path"` // solana-keygen JSON file
	PrivateKey     string        `yaml:"private_key"`  // base58, alternative to keypair_path
	WalletPubkey   string        `yaml:"wallet_pubkey"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RPCTimeout     time.Duration `yaml:"rpc_timeout"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

type StoreConfig struct {
	Driver          string   `yaml:"driver"` // postgres|memory
	DSN             string   `yaml:"dsn"`
	BlockedCreators []string `yaml:"blocked_creators"`
}

type FeedConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	Commitment        string        `yaml:"commitment"`
	BufferSize        int           `yaml:"buffer_size"`
	StaleAfter        time.Duration `yaml:"stale_after"`   // no events for this long = degraded
	LagThreshold      time.Duration `yaml:"lag_threshold"` // 0 disables lag alerts
}

type QualifierConfig struct {
	ScanInterval    time.Duration    `yaml:"scan_interval"`
	GracePeriod     time.Duration    `yaml:"grace_period"`
	RecheckInterval time.Duration    `yaml:"recheck_interval"`
	Timeout         time.Duration    `yaml:"timeout"`
	MaxBuyAttempts  int              `yaml:"max_buy_attempts"`
	Thresholds      ThresholdsConfig `yaml:"thresholds"`
}

type ThresholdsConfig struct {
	MinHolders           int     `yaml:"min_holders"`
	MinLPLockedPct       float64 `yaml:"min_lp_locked_pct"`
	MaxCreatorBalancePct float64 `yaml:"max_creator_balance_pct"`
	MinMarketCapUSD      float64 `yaml:"min_market_cap_usd"`
}

type MonitorConfig struct {
	Interval             time.Duration `yaml:"interval"`
	TrailStopPct         float64       `yaml:"trail_stop_pct"`
	TakeProfitPct        float64       `yaml:"take_profit_pct"`
	BondingExitThreshold float64       `yaml:"bonding_exit_threshold"`
}

type ExecutionConfig struct {
	BuySizeSOL      float64       `yaml:"buy_size_sol"`
	SlippageBps     int           `yaml:"slippage_bps"`
	JitoTipLamports uint64        `yaml:"jito_tip_lamports"`
	MaxRetries      int           `yaml:"max_retries"`
	Backoff         time.Duration `yaml:"backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	Simulation      bool          `yaml:"simulation"`
	QuoteURL        string        `yaml:"quote_url"`
	SwapURL         string        `yaml:"swap_url"`
}

type ProvidersConfig struct {
	RugCheckURL   string        `yaml:"rugcheck_url"`
	BirdeyeURL    string        `yaml:"birdeye_url"`
	BirdeyeKey    string        `yaml:"birdeye_key"`
	BirdeyeBatch  int           `yaml:"birdeye_batch"`
	MoralisURL    string        `yaml:"moralis_url"`
	MoralisKey    string        `yaml:"moralis_key"` // empty = bonding exit disabled
	TokenDecimals int32         `yaml:"token_decimals"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	StreamInterval time.Duration `yaml:"stream_interval"`
	SnapshotLimit  int           `yaml:"snapshot_limit"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{Dashboard: DashboardConfig{Enabled: true}}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration with every default applied and the
// in-memory store selected. Used by tests and the -memory flag.
func Default() *Config {
	cfg := &Config{
		Store:     StoreConfig{Driver: "memory"},
		Dashboard: DashboardConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "sniper-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.General.LogMaxSizeMB == 0 {
		cfg.General.LogMaxSizeMB = 100
	}
	if cfg.General.LogMaxBackups == 0 {
		cfg.General.LogMaxBackups = 5
	}
	if cfg.General.LogMaxAgeDays == 0 {
		cfg.General.LogMaxAgeDays = 14
	}

	if cfg.Solana.RPCEndpoint == "" {
		cfg.Solana.RPCEndpoint = "https://api.mainnet-beta.solana.com"
	}
	if cfg.Solana.ProgramID == "" {
		cfg.Solana.ProgramID = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	}
	if cfg.Solana.RateLimitRPS == 0 {
		cfg.Solana.RateLimitRPS = 10
	}
	if cfg.Solana.RPCTimeout == 0 {
		cfg.Solana.RPCTimeout = 10 * time.Second
	}
	if cfg.Solana.ConfirmTimeout == 0 {
		cfg.Solana.ConfirmTimeout = 60 * time.Second
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "postgres"
	}

	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = time.Second
	}
	if cfg.Feed.MaxReconnectDelay == 0 {
		cfg.Feed.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 20 * time.Second
	}
	if cfg.Feed.Commitment == "" {
		cfg.Feed.Commitment = "processed"
	}
	if cfg.Feed.BufferSize == 0 {
		cfg.Feed.BufferSize = 256
	}
	if cfg.Feed.StaleAfter == 0 {
		cfg.Feed.StaleAfter = 2 * time.Minute
	}

	q := &cfg.Qualifier
	if q.ScanInterval == 0 {
		q.ScanInterval = 5 * time.Second
	}
	if q.GracePeriod == 0 {
		q.GracePeriod = 20 * time.Second
	}
	if q.RecheckInterval == 0 {
		q.RecheckInterval = 30 * time.Second
	}
	if q.Timeout == 0 {
		q.Timeout = 180 * time.Second
	}
	if q.MaxBuyAttempts == 0 {
		q.MaxBuyAttempts = 3
	}
	if q.Thresholds.MinHolders == 0 {
		q.Thresholds.MinHolders = 50
	}
	if q.Thresholds.MinLPLockedPct == 0 {
		q.Thresholds.MinLPLockedPct = 70
	}
	if q.Thresholds.MaxCreatorBalancePct == 0 {
		q.Thresholds.MaxCreatorBalancePct = 10
	}
	if q.Thresholds.MinMarketCapUSD == 0 {
		q.Thresholds.MinMarketCapUSD = 2000
	}

	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = 3 * time.Second
	}
	if cfg.Monitor.TrailStopPct == 0 {
		cfg.Monitor.TrailStopPct = 35
	}
	if cfg.Monitor.TakeProfitPct == 0 {
		cfg.Monitor.TakeProfitPct = 200
	}
	if cfg.Monitor.BondingExitThreshold == 0 {
		cfg.Monitor.BondingExitThreshold = 90
	}

	e := &cfg.Execution
	if e.BuySizeSOL == 0 {
		e.BuySizeSOL = 0.01
	}
	if e.SlippageBps == 0 {
		e.SlippageBps = 75
	}
	if e.JitoTipLamports == 0 {
		e.JitoTipLamports = 2_000_000
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}
	if e.Backoff == 0 {
		e.Backoff = 500 * time.Millisecond
	}
	if e.MaxBackoff == 0 {
		e.MaxBackoff = 10 * time.Second
	}
	if e.QuoteURL == "" {
		e.QuoteURL = "https://quote-api.jup.ag/v6/quote"
	}
	if e.SwapURL == "" {
		e.SwapURL = "https://quote-api.jup.ag/v6/swap"
	}

	p := &cfg.Providers
	if p.RugCheckURL == "" {
		p.RugCheckURL = "https://api.rugcheck.xyz/v1"
	}
	if p.BirdeyeURL == "" {
		p.BirdeyeURL = "https://public-api.birdeye.so"
	}
	if p.BirdeyeBatch == 0 {
		p.BirdeyeBatch = 40
	}
	if p.MoralisURL == "" {
		p.MoralisURL = "https://solana-gateway.moralis.com"
	}
	if p.TokenDecimals == 0 {
		p.TokenDecimals = 6
	}
	if p.HTTPTimeout == 0 {
		p.HTTPTimeout = 10 * time.Second
	}

	if cfg.Dashboard.Addr == "" {
		cfg.Dashboard.Addr = ":8000"
	}
	if cfg.Dashboard.StreamInterval == 0 {
		cfg.Dashboard.StreamInterval = 2 * time.Second
	}
	if cfg.Dashboard.SnapshotLimit == 0 {
		cfg.Dashboard.SnapshotLimit = 200
	}
}

// Validate checks the configuration for values the loops cannot run with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of postgres|memory", c.Store.Driver))
	}

	if c.Solana.WSEndpoint == "" {
		errs = append(errs, errors.New("solana.ws_endpoint is required"))
	}
	if !c.Execution.Simulation && c.Solana.KeypairPath == "" && c.Solana.PrivateKey == "" {
		errs = append(errs, errors.New("solana.keypair_path or solana.private_key is required unless execution.simulation is set"))
	}

	if c.Execution.BuySizeSOL <= 0 {
		errs = append(errs, errors.New("execution.buy_size_sol must be positive"))
	}
	if c.Execution.SlippageBps <= 0 || c.Execution.SlippageBps > 10_000 {
		errs = append(errs, fmt.Errorf("execution.slippage_bps %d out of range (1..10000)", c.Execution.SlippageBps))
	}
	if c.Execution.MaxRetries < 1 {
		errs = append(errs, errors.New("execution.max_retries must be at least 1"))
	}

	if c.Monitor.TrailStopPct <= 0 || c.Monitor.TrailStopPct >= 100 {
		errs = append(errs, fmt.Errorf("monitor.trail_stop_pct %.2f out of range (0..100)", c.Monitor.TrailStopPct))
	}
	if c.Monitor.TakeProfitPct <= 0 {
		errs = append(errs, errors.New("monitor.take_profit_pct must be positive"))
	}
	if c.Monitor.BondingExitThreshold <= 0 || c.Monitor.BondingExitThreshold > 100 {
		errs = append(errs, fmt.Errorf("monitor.bonding_exit_threshold %.2f out of range (0..100]", c.Monitor.BondingExitThreshold))
	}

	if c.Qualifier.RecheckInterval <= 0 {
		errs = append(errs, errors.New("qualifier.recheck_interval must be positive"))
	}
	if c.Qualifier.Timeout < c.Qualifier.RecheckInterval {
		errs = append(errs, errors.New("qualifier.timeout must be at least one recheck_interval"))
	}
	if c.Qualifier.MaxBuyAttempts < 1 {
		errs = append(errs, errors.New("qualifier.max_buy_attempts must be at least 1"))
	}

	if c.Providers.BirdeyeBatch < 2 || c.Providers.BirdeyeBatch > 100 {
		errs = append(errs, fmt.Errorf("providers.birdeye_batch %d out of range (2..100)", c.Providers.BirdeyeBatch))
	}

	return errors.Join(errs...)
}
