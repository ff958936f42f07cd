package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"rehoboam/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Collector    CollectorConfig    `mapstructure:"collector"`
	Market       MarketConfig       `mapstructure:"market"`
	Onchain      OnchainConfig      `mapstructure:"onchain"`
	Sentiment    SentimentConfig    `mapstructure:"sentiment"`
	Profiler     ProfilerConfig     `mapstructure:"profiler"`
	Detector     DetectorConfig     `mapstructure:"detector"`
	Predictor    PredictorConfig    `mapstructure:"predictor"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Inference    InferenceConfig    `mapstructure:"inference"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Export       ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	// AlertRetention drops alerts raised earlier than now minus the retention; 0 keeps everything.
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
}

// CollectorConfig governs surveillance polling.
type CollectorConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	SourceTimeout time.Duration `mapstructure:"source_timeout"`
	LogSize       int           `mapstructure:"log_size"`
	EventQueue    int           `mapstructure:"event_queue"`
}

// MarketConfig covers the ticker feed.
type MarketConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	Symbols        []string      `mapstructure:"symbols"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RequestsPerSec int           `mapstructure:"requests_per_sec"`
	MaxRetryTime   time.Duration `mapstructure:"max_retry_time"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// OnchainConfig covers the ERC-4626 vault rate source.
type OnchainConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RPCURL         string        `mapstructure:"rpc_url"`
	VaultAddress   string        `mapstructure:"vault_address"`
	Symbol         string        `mapstructure:"symbol"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SentimentConfig covers the placeholder headline feed.
type SentimentConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Headlines []string `mapstructure:"headlines"`
}

// ProfilerConfig tunes behavioral profiling.
type ProfilerConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	HistorySize      int           `mapstructure:"history_size"`
	MinRiskSamples   int           `mapstructure:"min_risk_samples"`
	MinStyleSamples  int           `mapstructure:"min_style_samples"`
	FrequencyPeriod  time.Duration `mapstructure:"frequency_period"`
	AnomalyZScore    float64       `mapstructure:"anomaly_z_score"`
	StabilityFloor   float64       `mapstructure:"stability_floor"`
	RiskShiftTrigger float64       `mapstructure:"risk_shift_trigger"`
}

// DetectorConfig tunes the manipulation detectors.
type DetectorConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	DedupWindow          time.Duration `mapstructure:"dedup_window"`
	VolumeThreshold      float64       `mapstructure:"volume_threshold"`
	PriceThreshold       float64       `mapstructure:"price_threshold"`
	PriceVolumeConfirm   float64       `mapstructure:"price_volume_confirm"`
	PumpPriceFloor       float64       `mapstructure:"pump_price_floor"`
	PumpVolumeFloor      float64       `mapstructure:"pump_volume_floor"`
	CoordinationAccounts int           `mapstructure:"coordination_accounts"`
	CoordinationWindow   time.Duration `mapstructure:"coordination_window"`
	WashRatioThreshold   float64       `mapstructure:"wash_ratio_threshold"`
	WashWindow           time.Duration `mapstructure:"wash_window"`
	SpoofSizeMultiple    float64       `mapstructure:"spoof_size_multiple"`
	SpoofCancelWindow    time.Duration `mapstructure:"spoof_cancel_window"`
	SpoofCancelRatio     float64       `mapstructure:"spoof_cancel_ratio"`
	ResolvedHistory      int           `mapstructure:"resolved_history"`
}

// PredictorConfig tunes the prediction ensemble.
type PredictorConfig struct {
	MaxCacheTTL      time.Duration `mapstructure:"max_cache_ttl"`
	DeadZone         float64       `mapstructure:"dead_zone"`
	ResearchCooldown time.Duration `mapstructure:"research_cooldown"`
	ResearchTimeout  time.Duration `mapstructure:"research_timeout"`
	DefaultTimeframe string        `mapstructure:"default_timeframe"`
}

// OrchestratorConfig tunes the top-level control loop.
type OrchestratorConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	DivergenceThreshold float64       `mapstructure:"divergence_threshold"`
	OutcomeWindow       int           `mapstructure:"outcome_window"`
	PatternWindow       int           `mapstructure:"pattern_window"`
	ReportHistory       int           `mapstructure:"report_history"`
	ForecastTimeframe   string        `mapstructure:"forecast_timeframe"`
}

// InferenceConfig describes the external AI dependency.
type InferenceConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinSeverity string         `mapstructure:"min_severity"`
	Cooldown    time.Duration  `mapstructure:"cooldown"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("REHOBOAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		panic("default config must decode: " + err.Error())
	}
	return &cfg
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// SetDefaults registers every default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rehoboam")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.advisory_lock_key", int64(0x7265686f))
	v.SetDefault("database.alert_retention", "720h")

	v.SetDefault("collector.interval", "30s")
	v.SetDefault("collector.source_timeout", "20s")
	v.SetDefault("collector.log_size", 100)
	v.SetDefault("collector.event_queue", 1024)

	v.SetDefault("market.enabled", true)
	v.SetDefault("market.base_url", "https://api.kraken.com/0/public")
	v.SetDefault("market.symbols", []string{"XBTUSD", "ETHUSD"})
	v.SetDefault("market.request_timeout", "10s")
	v.SetDefault("market.requests_per_sec", 5)
	v.SetDefault("market.max_retry_time", "20s")

	v.SetDefault("onchain.enabled", false)
	v.SetDefault("onchain.symbol", "VAULT")
	v.SetDefault("onchain.request_timeout", "10s")

	v.SetDefault("sentiment.enabled", false)
	v.SetDefault("sentiment.headlines", []string{})

	v.SetDefault("profiler.interval", "300s")
	v.SetDefault("profiler.history_size", 1000)
	v.SetDefault("profiler.min_risk_samples", 5)
	v.SetDefault("profiler.min_style_samples", 10)
	v.SetDefault("profiler.frequency_period", "24h")
	v.SetDefault("profiler.anomaly_z_score", 2.5)
	v.SetDefault("profiler.stability_floor", 0.3)
	v.SetDefault("profiler.risk_shift_trigger", 0.3)

	v.SetDefault("detector.interval", "120s")
	v.SetDefault("detector.dedup_window", "5m")
	v.SetDefault("detector.volume_threshold", 5.0)
	v.SetDefault("detector.price_threshold", 0.15)
	v.SetDefault("detector.price_volume_confirm", 1.5)
	v.SetDefault("detector.pump_price_floor", 0.10)
	v.SetDefault("detector.pump_volume_floor", 2.0)
	v.SetDefault("detector.coordination_accounts", 5)
	v.SetDefault("detector.coordination_window", "60s")
	v.SetDefault("detector.wash_ratio_threshold", 0.1)
	v.SetDefault("detector.wash_window", "5m")
	v.SetDefault("detector.spoof_size_multiple", 5.0)
	v.SetDefault("detector.spoof_cancel_window", "10s")
	v.SetDefault("detector.spoof_cancel_ratio", 0.5)
	v.SetDefault("detector.resolved_history", 500)

	v.SetDefault("predictor.max_cache_ttl", "1h")
	v.SetDefault("predictor.dead_zone", 0.1)
	v.SetDefault("predictor.research_cooldown", "120s")
	v.SetDefault("predictor.research_timeout", "45s")
	v.SetDefault("predictor.default_timeframe", "24h")

	v.SetDefault("orchestrator.interval", "180s")
	v.SetDefault("orchestrator.divergence_threshold", 0.7)
	v.SetDefault("orchestrator.outcome_window", 10)
	v.SetDefault("orchestrator.pattern_window", 50)
	v.SetDefault("orchestrator.report_history", 480)
	v.SetDefault("orchestrator.forecast_timeframe", "24h")

	v.SetDefault("inference.enabled", false)
	v.SetDefault("inference.model", "gpt-4o-mini")
	v.SetDefault("inference.timeout", "30s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_severity", "medium")
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for name, d := range map[string]time.Duration{
		"collector.interval":    c.Collector.Interval,
		"profiler.interval":     c.Profiler.Interval,
		"detector.interval":     c.Detector.Interval,
		"orchestrator.interval": c.Orchestrator.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than zero", name)
		}
	}
	if c.Profiler.HistorySize < c.Profiler.MinStyleSamples {
		return fmt.Errorf("profiler.history_size must be at least profiler.min_style_samples")
	}
	if c.Profiler.MinRiskSamples <= 0 || c.Profiler.MinStyleSamples <= 0 {
		return fmt.Errorf("profiler sample minimums must be positive")
	}
	if c.Detector.VolumeThreshold <= 0 || c.Detector.PriceThreshold <= 0 {
		return fmt.Errorf("detector thresholds must be positive")
	}
	if c.Database.AlertRetention < 0 {
		return fmt.Errorf("database.alert_retention must not be negative")
	}
	if c.Detector.DedupWindow < 0 {
		return fmt.Errorf("detector.dedup_window cannot be negative")
	}
	if c.Predictor.DeadZone <= 0 || c.Predictor.DeadZone >= 1 {
		return fmt.Errorf("predictor.dead_zone must be within (0,1)")
	}
	if c.Orchestrator.DivergenceThreshold <= 0 || c.Orchestrator.DivergenceThreshold > 1 {
		return fmt.Errorf("orchestrator.divergence_threshold must be within (0,1]")
	}
	if c.Orchestrator.OutcomeWindow < 3 {
		return fmt.Errorf("orchestrator.outcome_window must be at least 3")
	}
	if c.Onchain.Enabled {
		if c.Onchain.RPCURL == "" {
			return fmt.Errorf("onchain.rpc_url 必须配置")
		}
		if c.Onchain.VaultAddress == "" {
			return fmt.Errorf("onchain.vault_address 必须配置")
		}
	}
	if c.Inference.Enabled && c.Inference.APIKey == "" {
		return fmt.Errorf("inference.api_key 必须配置")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
