// Package config defines the top-level configuration for the MEV engine and
// provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MEVENGINE_* environment variables.
type Config struct {
	Chains    []ChainConfig   `toml:"chains"`
	Feed      FeedConfig      `toml:"feed"`
	Oracle    OracleConfig    `toml:"oracle"`
	Detector  DetectorConfig  `toml:"detector"`
	Profit    ProfitConfig    `toml:"profit"`
	Risk      RiskConfig      `toml:"risk"`
	Selector  SelectorConfig  `toml:"selector"`
	Execution ExecutionConfig `toml:"execution"`
	Engine    EngineConfig    `toml:"engine"`
	Signer    SignerConfig    `toml:"signer"`
	Relay     RelayConfig     `toml:"relay"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Badger    BadgerConfig    `toml:"badger"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Log       LogConfig       `toml:"log"`
	Mode      string          `toml:"mode"`
}

// ChainConfig describes one monitored chain and the on-chain objects the
// detectors know about.
type ChainConfig struct {
	ID               uint64          `toml:"id"`
	Name             string          `toml:"name"`
	WSURL            string          `toml:"ws_url"`
	HTTPURL          string          `toml:"http_url"`
	NativeSymbol     string          `toml:"native_symbol"`
	WrappedNative    string          `toml:"wrapped_native"`
	USDPair          string          `toml:"usd_pair"`
	SubmitMode       string          `toml:"submit_mode"`
	ExecutorContract string          `toml:"executor_contract"`
	FlashLender      string          `toml:"flash_lender"`
	MaxGasPerBundle  uint64          `toml:"max_gas_per_bundle"`
	PendingTxs       bool            `toml:"pending_txs"`
	Tokens           []TokenConfig   `toml:"tokens"`
	Pools            []PoolConfig    `toml:"pools"`
	Lending          []LendingConfig `toml:"lending"`
	Routers          []string        `toml:"routers"`
}

// TokenConfig is an ERC-20 entry in a chain's token registry.
type TokenConfig struct {
	Symbol   string `toml:"symbol"`
	Address  string `toml:"address"`
	Decimals uint8  `toml:"decimals"`
}

// PoolConfig is a constant-product pool entry.
type PoolConfig struct {
	Address  string `toml:"address"`
	Protocol string `toml:"protocol"`
	Token0   string `toml:"token0"`
	Token1   string `toml:"token1"`
	FeeBps   uint32 `toml:"fee_bps"`
}

// LendingConfig is a lending market whose position updates are watched for
// liquidations.
type LendingConfig struct {
	Protocol         string `toml:"protocol"`
	Address          string `toml:"address"`
	ThresholdBps     uint32 `toml:"liquidation_threshold_bps"`
	BonusBps         uint32 `toml:"liquidation_bonus_bps"`
	CloseFactorBps   uint32 `toml:"close_factor_bps"`
	EstimatedGasUsed uint64 `toml:"estimated_gas_used"`
}

// FeedConfig holds chain feed adapter parameters.
type FeedConfig struct {
	QueueSize     int      `toml:"queue_size"`
	BackoffBase   duration `toml:"backoff_base"`
	BackoffCap    duration `toml:"backoff_cap"`
	JitterPct     int      `toml:"jitter_pct"`
	DegradedAfter int      `toml:"degraded_after"`
}

// OracleConfig holds aggregator parameters and feed sources.
type OracleConfig struct {
	MaxDeviationBps int64            `toml:"max_deviation_bps"`
	StaleAfter      duration         `toml:"stale_after"`
	SourceWeights   map[string]int64 `toml:"source_weights"`
	Pairs           []OraclePair     `toml:"pairs"`
	RedisChannel    string           `toml:"redis_channel"`
	HTTPFeeds       []HTTPFeedConfig `toml:"http_feeds"`
}

// OraclePair declares a pair and the decimals of its quote asset.
type OraclePair struct {
	ChainID       uint64 `toml:"chain_id"`
	Pair          string `toml:"pair"`
	QuoteDecimals uint8  `toml:"quote_decimals"`
}

// HTTPFeedConfig is a polled JSON price endpoint.
type HTTPFeedConfig struct {
	Name     string   `toml:"name"`
	URL      string   `toml:"url"`
	Interval duration `toml:"interval"`
	APIKey   string   `toml:"api_key"`
}

// DetectorConfig holds per-strategy detection parameters.
type DetectorConfig struct {
	Expiry              duration `toml:"expiry"`
	MinGrossProfit      Amount   `toml:"min_gross_profit"`
	ArbGasEstimate      uint64   `toml:"arb_gas_estimate"`
	FlashGasEstimate    uint64   `toml:"flash_gas_estimate"`
	FlashLoanFeeBps     uint32   `toml:"flash_loan_fee_bps"`
	InventoryLimit      Amount   `toml:"inventory_limit"`
	SandwichMinValue    Amount   `toml:"sandwich_min_value"`
	SandwichRefundPct   uint32   `toml:"sandwich_refund_pct"`
	SandwichGasEstimate uint64   `toml:"sandwich_gas_estimate"`
}

// ProfitConfig holds profit calculator parameters.
type ProfitConfig struct {
	MinNetProfit    Amount   `toml:"min_net_profit"`
	PriorityTip     Amount   `toml:"priority_tip"`
	SimulateTimeout duration `toml:"simulate_timeout"`
}

// RiskConfig holds portfolio limits. Monetary values are micro-USD.
type RiskConfig struct {
	MaxTradeSize         Amount            `toml:"max_trade_size"`
	DefaultStrategyLimit Amount            `toml:"default_strategy_limit"`
	StrategyLimits       map[string]Amount `toml:"strategy_limits"`
	MaxDailyLoss         Amount            `toml:"max_daily_loss"`
	MaxTotalExposure     Amount            `toml:"max_total_exposure"`
	MaxConcentrationBps  uint32            `toml:"max_concentration_bps"`
	CapOversized         bool              `toml:"cap_oversized"`
	MaxConsecutiveLosses int               `toml:"max_consecutive_losses"`
	RolloverCron         string            `toml:"rollover_cron"`
}

// SelectorConfig holds scheduling-tick capacity parameters.
type SelectorConfig struct {
	TickInterval duration `toml:"tick_interval"`
	GasBudget    uint64   `toml:"gas_budget"`
	MaxInFlight  int      `toml:"max_in_flight"`
	GasQuantum   uint64   `toml:"gas_quantum"`
}

// ExecutionConfig holds coordinator parameters.
type ExecutionConfig struct {
	MaxRetries       int      `toml:"max_retries"`
	FeeBumpBps       uint32   `toml:"fee_bump_bps"`
	SubmissionWindow duration `toml:"submission_window"`
	ReceiptPoll      duration `toml:"receipt_poll"`
	LockTTL          duration `toml:"lock_ttl"`
	LaunchTimeout    duration `toml:"launch_timeout"`
	SignerFatalAfter int      `toml:"signer_fatal_after"`
	DistributedLocks bool     `toml:"distributed_locks"`
}

// EngineConfig holds pipeline sizing.
type EngineConfig struct {
	Workers            int      `toml:"workers"`
	CandidateBuffer    int      `toml:"candidate_buffer"`
	CheckpointInterval duration `toml:"checkpoint_interval"`
}

// SignerConfig holds the local signing key source.
type SignerConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// RelayConfig holds the private bundle relay endpoint.
type RelayConfig struct {
	URL        string   `toml:"url"`
	AuthKey    string   `toml:"auth_key"`
	Timeout    duration `toml:"timeout"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// Enabled reports whether Postgres should back the stores.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.DSN) != "" || p.Host != ""
}

// BadgerConfig holds the local portfolio store used without Postgres.
type BadgerConfig struct {
	Dir      string `toml:"dir"`
	InMemory bool   `toml:"in_memory"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls cold-storage archival of terminal records.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	JWTSecret   string   `toml:"jwt_secret"`
	// RateLimit is API requests per second per client IP.
	RateLimit   int      `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// LogConfig holds logger parameters. An empty File logs to stdout.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Amount is an integer quantity in minimal units, written in TOML as a
// decimal string so it can exceed int64 ("1_000_000" is accepted).
type Amount struct {
	v *big.Int
}

// NewAmount wraps v.
func NewAmount(v int64) Amount { return Amount{v: big.NewInt(v)} }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	s := strings.ReplaceAll(strings.TrimSpace(string(text)), "_", "")
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("config: invalid integer amount %q", string(text))
	}
	a.v = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.Int().String()), nil
}

// Int returns a copy of the value, zero when unset.
func (a Amount) Int() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			QueueSize:     1024,
			BackoffBase:   duration{500 * time.Millisecond},
			BackoffCap:    duration{30 * time.Second},
			JitterPct:     20,
			DegradedAfter: 10,
		},
		Oracle: OracleConfig{
			MaxDeviationBps: 150,
			StaleAfter:      duration{30 * time.Second},
			SourceWeights:   map[string]int64{},
			RedisChannel:    "oracle:quotes",
		},
		Detector: DetectorConfig{
			Expiry:              duration{2 * time.Second},
			MinGrossProfit:      NewAmount(1_000_000_000_000),
			ArbGasEstimate:      180_000,
			FlashGasEstimate:    320_000,
			FlashLoanFeeBps:     5,
			InventoryLimit:      NewAmount(5_000_000_000_000_000_000),
			SandwichMinValue:    NewAmount(5_000_000_000_000_000),
			SandwichRefundPct:   90,
			SandwichGasEstimate: 150_000,
		},
		Profit: ProfitConfig{
			MinNetProfit:    NewAmount(500_000_000_000),
			PriorityTip:     NewAmount(1_000_000_000),
			SimulateTimeout: duration{300 * time.Millisecond},
		},
		Risk: RiskConfig{
			MaxTradeSize:         NewAmount(50_000_000_000),
			DefaultStrategyLimit: NewAmount(100_000_000_000),
			StrategyLimits:       map[string]Amount{},
			MaxDailyLoss:         NewAmount(5_000_000_000),
			MaxTotalExposure:     NewAmount(250_000_000_000),
			MaxConcentrationBps:  5000,
			CapOversized:         true,
			MaxConsecutiveLosses: 0,
			RolloverCron:         "0 0 * * *",
		},
		Selector: SelectorConfig{
			TickInterval: duration{25 * time.Millisecond},
			GasBudget:    3_000_000,
			MaxInFlight:  8,
			GasQuantum:   10_000,
		},
		Execution: ExecutionConfig{
			MaxRetries:       2,
			FeeBumpBps:       1250,
			SubmissionWindow: duration{2 * time.Second},
			ReceiptPoll:      duration{250 * time.Millisecond},
			LockTTL:          duration{30 * time.Second},
			LaunchTimeout:    duration{time.Second},
			SignerFatalAfter: 5,
		},
		Engine: EngineConfig{
			Workers:            0,
			CandidateBuffer:    1024,
			CheckpointInterval: duration{30 * time.Second},
		},
		Relay: RelayConfig{
			URL:        "https://relay.flashbots.net",
			Timeout:    duration{2 * time.Second},
			RateLimit:  20,
			RateWindow: duration{time.Second},
		},
		Postgres: PostgresConfig{
			Port:          5432,
			Database:      "mevengine",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Badger: BadgerConfig{
			Dir: "data/portfolio",
		},
		Redis: RedisConfig{
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "mevengine-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Cron:          "0 3 * * *",
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"halted", "resumed", "fatal"},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Mode: "engine",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":  true,
	"api":     true,
	"dry-run": true,
}

// validLogLevels enumerates the accepted values for Config.Log.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validSubmitModes = map[string]bool{
	"":          true,
	"flashbots": true,
	"public":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, api, dry-run)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log.level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	runsEngine := c.Mode == "engine" || c.Mode == "dry-run"
	if runsEngine && len(c.Chains) == 0 {
		errs = append(errs, "chains: at least one [[chains]] entry is required for mode "+c.Mode)
	}
	seen := map[uint64]bool{}
	for i, ch := range c.Chains {
		prefix := fmt.Sprintf("chains[%d]", i)
		if ch.ID == 0 {
			errs = append(errs, prefix+": id must be positive")
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Sprintf("%s: duplicate chain id %d", prefix, ch.ID))
		}
		seen[ch.ID] = true
		if ch.WSURL == "" {
			errs = append(errs, prefix+": ws_url must not be empty")
		}
		if ch.NativeSymbol == "" {
			errs = append(errs, prefix+": native_symbol must not be empty")
		}
		if ch.USDPair == "" {
			errs = append(errs, prefix+": usd_pair must not be empty")
		}
		if !validSubmitModes[ch.SubmitMode] {
			errs = append(errs, fmt.Sprintf("%s: unknown submit_mode %q (valid: flashbots, public)", prefix, ch.SubmitMode))
		}
		if ch.MaxGasPerBundle == 0 {
			errs = append(errs, prefix+": max_gas_per_bundle must be > 0")
		}
		for _, a := range append([]string{ch.WrappedNative, ch.ExecutorContract}, ch.Routers...) {
			if a != "" && !common.IsHexAddress(a) {
				errs = append(errs, fmt.Sprintf("%s: invalid address %q", prefix, a))
			}
		}
		for j, t := range ch.Tokens {
			if !common.IsHexAddress(t.Address) {
				errs = append(errs, fmt.Sprintf("%s.tokens[%d]: invalid address %q", prefix, j, t.Address))
			}
		}
		for j, p := range ch.Pools {
			if !common.IsHexAddress(p.Address) || !common.IsHexAddress(p.Token0) || !common.IsHexAddress(p.Token1) {
				errs = append(errs, fmt.Sprintf("%s.pools[%d]: address, token0 and token1 must be hex addresses", prefix, j))
			}
			if p.FeeBps >= 10_000 {
				errs = append(errs, fmt.Sprintf("%s.pools[%d]: fee_bps must be < 10000", prefix, j))
			}
		}
	}

	if c.Feed.QueueSize < 1 {
		errs = append(errs, "feed: queue_size must be >= 1")
	}
	if c.Feed.BackoffBase.Duration <= 0 || c.Feed.BackoffCap.Duration < c.Feed.BackoffBase.Duration {
		errs = append(errs, "feed: backoff_base must be > 0 and backoff_cap >= backoff_base")
	}
	if c.Feed.JitterPct < 0 || c.Feed.JitterPct >= 100 {
		errs = append(errs, "feed: jitter_pct must be in [0, 100)")
	}
	if c.Feed.DegradedAfter < 1 {
		errs = append(errs, "feed: degraded_after must be >= 1")
	}

	if c.Oracle.MaxDeviationBps <= 0 {
		errs = append(errs, "oracle: max_deviation_bps must be > 0")
	}
	if c.Oracle.StaleAfter.Duration <= 0 {
		errs = append(errs, "oracle: stale_after must be > 0")
	}

	if c.Detector.Expiry.Duration <= 0 {
		errs = append(errs, "detector: expiry must be > 0")
	}
	if c.Detector.SandwichRefundPct > 100 {
		errs = append(errs, "detector: sandwich_refund_pct must be <= 100")
	}

	if c.Risk.MaxDailyLoss.Int().Sign() <= 0 {
		errs = append(errs, "risk: max_daily_loss must be > 0")
	}
	if c.Risk.MaxTradeSize.Int().Sign() <= 0 {
		errs = append(errs, "risk: max_trade_size must be > 0")
	}
	if c.Risk.MaxConcentrationBps == 0 || c.Risk.MaxConcentrationBps > 10_000 {
		errs = append(errs, "risk: max_concentration_bps must be in (0, 10000]")
	}

	if c.Selector.TickInterval.Duration <= 0 {
		errs = append(errs, "selector: tick_interval must be > 0")
	}
	if c.Selector.MaxInFlight < 1 {
		errs = append(errs, "selector: max_in_flight must be >= 1")
	}
	if c.Selector.GasQuantum == 0 {
		errs = append(errs, "selector: gas_quantum must be > 0")
	}

	if c.Execution.MaxRetries < 0 {
		errs = append(errs, "execution: max_retries must be >= 0")
	}
	if c.Execution.SubmissionWindow.Duration <= 0 {
		errs = append(errs, "execution: submission_window must be > 0")
	}
	// the state-key lock is never refreshed, so it must outlive every intent
	if c.Execution.LockTTL.Duration <= c.Execution.SubmissionWindow.Duration {
		errs = append(errs, "execution: lock_ttl must exceed submission_window")
	}
	if c.Execution.LaunchTimeout.Duration <= 0 {
		errs = append(errs, "execution: launch_timeout must be > 0")
	}

	if c.Mode == "engine" {
		if c.Signer.PrivateKey == "" && c.Signer.EncryptedKeyPath == "" {
			errs = append(errs, "signer: either private_key or encrypted_key_path must be set for mode engine")
		}
		if c.Signer.EncryptedKeyPath != "" && c.Signer.KeyPassword == "" {
			errs = append(errs, "signer: key_password is required when encrypted_key_path is set")
		}
	}

	if c.Postgres.Enabled() {
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	} else if !c.Badger.InMemory && c.Badger.Dir == "" {
		errs = append(errs, "badger: dir must be set when postgres is not configured")
	}

	if c.Execution.DistributedLocks && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required when execution.distributed_locks is set")
	}

	if c.Archive.Enabled {
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			errs = append(errs, "s3: endpoint and bucket are required when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
