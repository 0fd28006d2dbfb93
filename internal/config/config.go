package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fairwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Session  SessionConfig  `mapstructure:"session"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Detector DetectorConfig `mapstructure:"detector"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Trust    TrustConfig    `mapstructure:"trust"`
	Rollup   RollupConfig   `mapstructure:"rollup"`
	Server   ServerConfig   `mapstructure:"server"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// IsProduction reports whether the deployment is production.
func (a AppConfig) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(a.Environment))
	return env == "production" || env == "prod"
}

// StorageConfig selects and tunes the outcome store.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// SessionConfig governs ingestion admission.
type SessionConfig struct {
	PublicKey     string        `mapstructure:"public_key"`
	AllowUnsigned bool          `mapstructure:"allow_unsigned"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	WriteRetries  int           `mapstructure:"write_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	WinCeiling    float64       `mapstructure:"win_ceiling"`
	MaxMessageKB  int64         `mapstructure:"max_message_kb"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteDeadline time.Duration `mapstructure:"write_deadline"`
}

// DetectorConfig holds anomaly thresholds.
type DetectorConfig struct {
	WindowSize          int     `mapstructure:"window_size"`
	MinSpins            int     `mapstructure:"min_spins"`
	BaselineRTP         float64 `mapstructure:"baseline_rtp"`
	RtpHighDrift        float64 `mapstructure:"rtp_high_drift"`
	RtpLowDrift         float64 `mapstructure:"rtp_low_drift"`
	VolHighRatio        float64 `mapstructure:"vol_high_ratio"`
	VolLowRatio         float64 `mapstructure:"vol_low_ratio"`
	ClusterWindow       int     `mapstructure:"cluster_window"`
	ClusterWinMultiple  float64 `mapstructure:"cluster_win_multiple"`
	ClusterDensity      float64 `mapstructure:"cluster_density"`
	RuleBreakingScore   float64 `mapstructure:"rule_breaking_score"`
	MinTaggedForSkew    int     `mapstructure:"min_tagged_for_skew"`
	SnapshotWindowHours int     `mapstructure:"snapshot_window_hours"`
}

// AlertingConfig defines throttling, escalation and routing.
type AlertingConfig struct {
	Cooldown          time.Duration  `mapstructure:"cooldown"`
	DedupWindow       time.Duration  `mapstructure:"dedup_window"`
	HistoryRetention  time.Duration  `mapstructure:"history_retention"`
	MultiWindow       time.Duration  `mapstructure:"multi_window"`
	MultiCount        int            `mapstructure:"multi_count"`
	CriticalThreshold float64        `mapstructure:"critical_threshold"`
	Telegram          TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TrustConfig parameterises both trust engines and the recovery job.
type TrustConfig struct {
	CasinoStart      float64       `mapstructure:"casino_start"`
	DegenStart       float64       `mapstructure:"degen_start"`
	DomainStart      float64       `mapstructure:"domain_start"`
	MaxHistory       int           `mapstructure:"max_history"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	RecoveryIdle     time.Duration `mapstructure:"recovery_idle"`
	RecoveryMaxRate  float64       `mapstructure:"recovery_max_rate"`
	TiltRecoveryWait time.Duration `mapstructure:"tilt_recovery_wait"`
}

// RollupConfig controls batching and snapshot persistence.
type RollupConfig struct {
	Dir              string        `mapstructure:"dir"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// ServerConfig covers the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Pprof           bool          `mapstructure:"pprof"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ChainConfig covers on-chain committed seed lookup.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RevealBaseURL  string        `mapstructure:"reveal_base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("FAIRWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fairwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "data/fairwatch.db")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 2)
	v.SetDefault("storage.conn_max_lifetime", "30m")
	v.SetDefault("storage.advisory_lock_key", int64(0x66776174))

	v.SetDefault("session.public_key", "")
	v.SetDefault("session.allow_unsigned", false)
	v.SetDefault("session.sweep_interval", "1m")

	v.SetDefault("ingest.write_retries", 3)
	v.SetDefault("ingest.retry_backoff", "100ms")
	v.SetDefault("ingest.win_ceiling", 10000.0)
	v.SetDefault("ingest.max_message_kb", 512)
	v.SetDefault("ingest.read_timeout", "60s")
	v.SetDefault("ingest.write_deadline", "10s")

	v.SetDefault("detector.window_size", 200)
	v.SetDefault("detector.min_spins", 20)
	v.SetDefault("detector.baseline_rtp", 0.96)
	v.SetDefault("detector.rtp_high_drift", 0.10)
	v.SetDefault("detector.rtp_low_drift", 0.05)
	v.SetDefault("detector.vol_high_ratio", 3.0)
	v.SetDefault("detector.vol_low_ratio", 1.5)
	v.SetDefault("detector.cluster_window", 20)
	v.SetDefault("detector.cluster_win_multiple", 1.5)
	v.SetDefault("detector.cluster_density", 0.7)
	v.SetDefault("detector.rule_breaking_score", 70.0)
	v.SetDefault("detector.min_tagged_for_skew", 50)
	v.SetDefault("detector.snapshot_window_hours", 1)

	v.SetDefault("alerting.cooldown", "5m")
	v.SetDefault("alerting.dedup_window", "60s")
	v.SetDefault("alerting.history_retention", "1h")
	v.SetDefault("alerting.multi_window", "10m")
	v.SetDefault("alerting.multi_count", 3)
	v.SetDefault("alerting.critical_threshold", 0.7)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("trust.casino_start", 75.0)
	v.SetDefault("trust.degen_start", 70.0)
	v.SetDefault("trust.domain_start", 50.0)
	v.SetDefault("trust.max_history", 100)
	v.SetDefault("trust.recovery_interval", "1h")
	v.SetDefault("trust.recovery_idle", "24h")
	v.SetDefault("trust.recovery_max_rate", 0.5)
	v.SetDefault("trust.tilt_recovery_wait", "4h")

	v.SetDefault("rollup.dir", "data/rollups")
	v.SetDefault("rollup.flush_interval", "5m")
	v.SetDefault("rollup.snapshot_interval", "30s")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.pprof", false)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.reveal_base_url", "")
	v.SetDefault("chain.user_agent", "")

	v.SetDefault("export.max_data_points", 10000)
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
	switch c.Storage.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path must be set for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Detector.BaselineRTP <= 0 {
		return fmt.Errorf("detector.baseline_rtp must be greater than zero")
	}
	if c.Detector.WindowSize <= 0 {
		return fmt.Errorf("detector.window_size must be greater than zero")
	}
	if c.App.IsProduction() {
		if strings.TrimSpace(c.Session.PublicKey) == "" {
			return fmt.Errorf("session.public_key is required in production")
		}
		if c.Session.AllowUnsigned {
			return fmt.Errorf("session.allow_unsigned cannot be enabled in production")
		}
	}
	if c.Ingest.WriteRetries < 1 {
		return fmt.Errorf("ingest.write_retries must be at least 1")
	}
	if c.Trust.RecoveryInterval <= 0 {
		return fmt.Errorf("trust.recovery_interval must be greater than zero")
	}
	if c.Trust.RecoveryMaxRate < 0 {
		return fmt.Errorf("trust.recovery_max_rate cannot be negative")
	}
	if c.Rollup.FlushInterval <= 0 {
		return fmt.Errorf("rollup.flush_interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
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
