// Package config loads and hot-reloads the liquidation agent's YAML
// configuration, following the teacher's services/swapd/config pattern:
// a Duration wrapper for human-readable durations, an Option-based loader,
// and validation that runs on every load including reloads.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshalling of strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a human readable duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Bands holds the HF classification boundaries (spec.md §6).
type Bands struct {
	Watch        float64 `yaml:"hf_watch"`
	Critical     float64 `yaml:"hf_critical"`
	Liquidatable float64 `yaml:"hf_liquidatable"`
}

// AssetThreshold configures one reserve's liquidation threshold.
type AssetThreshold struct {
	Address   string  `yaml:"address"`
	Symbol    string  `yaml:"symbol"`
	Threshold float64 `yaml:"threshold"`
}

// FeedConfig configures one off-chain price connector.
type FeedConfig struct {
	BinanceSymbols   []string          `yaml:"binance_symbols"`
	BinanceSymbolMap map[string]string `yaml:"binance_symbol_map"`
	PythFeedIDs      []string          `yaml:"pyth_feed_ids"`
	PythFeedMap      map[string]string `yaml:"pyth_feed_map"`
}

// AdminConfig secures the read-only operator HTTP surface.
type AdminConfig struct {
	ListenAddress string `yaml:"listen"`
	JWTSecret     string `yaml:"jwt_secret"`
}

// AuditConfig configures the durable audit mirror (SPEC_FULL.md §12).
type AuditConfig struct {
	DSN              string   `yaml:"dsn"`
	ParquetExportDir string   `yaml:"parquet_export_dir"`
	ExportInterval   Duration `yaml:"export_interval"`
}

// SeedStoreConfig configures the local bbolt warm-start cache.
type SeedStoreConfig struct {
	Path string `yaml:"path"`
}

// Config is the full recognized option set from spec.md §6. chain_id and
// rpc_url are startup-only. The Watcher reloads and validates the whole
// snapshot on a file change, but the running agent applies only Bands from
// a reloaded snapshot; every other field takes effect at the next restart.
type Config struct {
	ChainID int64  `yaml:"chain_id"`
	RPCURL  string `yaml:"rpc_url"`

	PoolAddress            string `yaml:"pool_address"`
	OracleAddress          string `yaml:"oracle_address"`
	FlashLiquidatorAddress string `yaml:"flash_liquidator_address"`
	OneInchRouterAddress   string `yaml:"one_inch_router_address"`

	NativeAssetAddress string `yaml:"native_asset_address"`
	OracleBaseDecimals uint8  `yaml:"oracle_base_decimals"`

	MaxSlippageBps uint64 `yaml:"max_slippage_bps"`
	TxCacheTTLBlocks uint64 `yaml:"tx_cache_ttl_blocks"`

	Bands Bands `yaml:"bands"`

	MinProfitUSD float64 `yaml:"min_profit_usd"`
	MaxGasUSD    float64 `yaml:"max_gas_usd"`
	MinDebtUSD   float64 `yaml:"min_debt_usd"`

	EnableExecution bool  `yaml:"enable_execution"`
	DryRun          bool  `yaml:"dry_run"`
	MaxConcurrentTx int32 `yaml:"max_concurrent_tx"`
	FlashLoanMode   bool  `yaml:"flash_loan_mode"`
	ReceiveAToken   bool  `yaml:"receive_a_token"`

	TargetDebtAssets       []AssetThreshold `yaml:"target_debt_assets"`
	TargetCollateralAssets []AssetThreshold `yaml:"target_collateral_assets"`

	Feeds FeedConfig `yaml:"feeds"`

	PriceStaleMS         int64    `yaml:"price_stale_ms"`
	PriceUpdateDebounce  Duration `yaml:"price_update_debounce"`

	RelayMode       string `yaml:"relay_mode"`
	PrivateRelayURL string `yaml:"private_relay_url"`

	SignerKey     string `yaml:"signer_key"`
	KeystorePath  string `yaml:"keystore_path"`
	KeystorePass  string `yaml:"keystore_passphrase"`

	BlockPollInterval  Duration `yaml:"block_poll_interval"`
	EventConfirmations uint64   `yaml:"event_confirmations"`

	SeedLookbackBlocks uint64 `yaml:"seed_lookback_blocks"`
	MaxCandidates      uint64 `yaml:"max_candidates"`

	LogLevel string `yaml:"log_level"`

	Admin     AdminConfig     `yaml:"admin"`
	Audit     AuditConfig     `yaml:"audit"`
	SeedStore SeedStoreConfig `yaml:"seed_store"`

	NotifierWebhookURL string `yaml:"notifier_webhook_url"`
	RPCRequestsPerSecond float64 `yaml:"rpc_requests_per_second"`
}

type loadOptions struct {
	skipValidate bool
}

// Option customizes Load's behavior; used by tests to load fixtures that
// intentionally omit production validation.
type Option func(*loadOptions)

// WithSkipValidate disables validation, for test fixtures only.
func WithSkipValidate() Option {
	return func(o *loadOptions) { o.skipValidate = true }
}

// Load reads and validates configuration from path.
func Load(path string, opts ...Option) (Config, error) {
	cfg := Config{}
	options := loadOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if !options.skipValidate {
		if err := Validate(cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Bands.Watch == 0 {
		cfg.Bands.Watch = 1.10
	}
	if cfg.Bands.Critical == 0 {
		cfg.Bands.Critical = 1.04
	}
	if cfg.Bands.Liquidatable == 0 {
		cfg.Bands.Liquidatable = 1.00
	}
	if cfg.MinProfitUSD == 0 {
		cfg.MinProfitUSD = 50
	}
	if cfg.MaxGasUSD == 0 {
		cfg.MaxGasUSD = 20
	}
	if cfg.MinDebtUSD == 0 {
		cfg.MinDebtUSD = 50
	}
	if cfg.MaxConcurrentTx == 0 {
		cfg.MaxConcurrentTx = 1
	}
	if cfg.TxCacheTTLBlocks == 0 {
		cfg.TxCacheTTLBlocks = 5
	}
	if cfg.MaxSlippageBps == 0 {
		cfg.MaxSlippageBps = 50
	}
	if cfg.PriceStaleMS == 0 {
		cfg.PriceStaleMS = 5000
	}
	if cfg.PriceUpdateDebounce.Duration == 0 {
		cfg.PriceUpdateDebounce.Duration = 500 * time.Millisecond
	}
	if cfg.RelayMode == "" {
		cfg.RelayMode = "none"
	}
	if cfg.BlockPollInterval.Duration == 0 {
		cfg.BlockPollInterval.Duration = time.Second
	}
	if cfg.SeedLookbackBlocks == 0 {
		cfg.SeedLookbackBlocks = 100000
	}
	if cfg.MaxCandidates == 0 {
		cfg.MaxCandidates = 50000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RPCRequestsPerSecond == 0 {
		cfg.RPCRequestsPerSecond = 10
	}
	if cfg.Audit.DSN == "" {
		cfg.Audit.DSN = "file:liquidatord_audit.db?mode=rwc"
	}
	if cfg.Audit.ParquetExportDir == "" {
		cfg.Audit.ParquetExportDir = "./audit-export"
	}
	if cfg.Audit.ExportInterval.Duration == 0 {
		cfg.Audit.ExportInterval.Duration = time.Hour
	}
	if !cfg.DryRun && !cfg.EnableExecution {
		cfg.DryRun = true
	}
}

// Validate enforces HF_WATCH > HF_CRITICAL > HF_LIQUIDATABLE, non-empty
// RPC/pool addresses, and a signer present iff execution is enabled and
// dry-run is off (spec.md §6).
func Validate(cfg Config) error {
	if !(cfg.Bands.Watch > cfg.Bands.Critical && cfg.Bands.Critical > cfg.Bands.Liquidatable) {
		return fmt.Errorf("config: hf_watch (%v) must be > hf_critical (%v) must be > hf_liquidatable (%v)",
			cfg.Bands.Watch, cfg.Bands.Critical, cfg.Bands.Liquidatable)
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return fmt.Errorf("config: rpc_url must be set")
	}
	if strings.TrimSpace(cfg.PoolAddress) == "" {
		return fmt.Errorf("config: pool_address must be set")
	}
	if strings.TrimSpace(cfg.OracleAddress) == "" {
		return fmt.Errorf("config: oracle_address must be set")
	}
	if cfg.EnableExecution && !cfg.DryRun {
		if strings.TrimSpace(cfg.SignerKey) == "" && strings.TrimSpace(cfg.KeystorePath) == "" {
			return fmt.Errorf("config: a signer (signer_key or keystore_path) is required when enable_execution is true and dry_run is false")
		}
	}
	switch cfg.RelayMode {
	case "none", "flashbots", "custom", "":
	default:
		return fmt.Errorf("config: relay_mode must be one of none|flashbots|custom, got %q", cfg.RelayMode)
	}
	return nil
}

// ValidateReload additionally rejects changes to the startup-only fields
// chain_id and rpc_url (spec.md §6: "chain_id (startup-only); rpc_url
// (startup-only)").
func ValidateReload(previous, next Config) error {
	if err := Validate(next); err != nil {
		return err
	}
	if previous.ChainID != next.ChainID {
		return fmt.Errorf("config: chain_id cannot change on reload (was %d, got %d)", previous.ChainID, next.ChainID)
	}
	if previous.RPCURL != next.RPCURL {
		return fmt.Errorf("config: rpc_url cannot change on reload")
	}
	return nil
}
