// Package config loads the reward daemon configuration from defaults, an
// optional config.yaml, a .env file and REWARDS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Rewards    RewardsConfig
	Quota      QuotaConfig
	Withdrawal WithdrawalConfig
	Telegram   TelegramConfig
	Admin      AdminConfig
	Service    ServiceConfig
	Audit      AuditConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port           string
	AllowedOrigins []string
}

type StoreConfig struct {
	// Addr of a remote store daemon. Empty means an embedded store in DataDir.
	Addr       string
	DataDir    string
	Timeout    time.Duration
	DisableTLS bool
}

type RewardsConfig struct {
	Ad             decimal.Decimal
	Task           decimal.Decimal
	CommissionRate decimal.Decimal
	Epsilon        decimal.Decimal
	Pacing         time.Duration
	TokenTTL       time.Duration
	SpinPrizes     []decimal.Decimal
	SpinWeights    []int
}

type QuotaConfig struct {
	AdsCap  int
	SpinCap int
	Window  time.Duration
}

type WithdrawalConfig struct {
	Minimum  decimal.Decimal
	VaultKey string
}

type TelegramConfig struct {
	BotToken string
	Channel  string
	InitTTL  time.Duration
}

type AdminConfig struct {
	ID string
	// RequireInitData also verifies init data on admin requests.
	RequireInitData bool
}

type ServiceConfig struct {
	// JWTSecret authenticates the commission caller. Empty disables the check.
	JWTSecret string
}

type AuditConfig struct {
	// DatabaseURL selects the Postgres journal. Empty keeps audit in the store.
	DatabaseURL string
}

type LogConfig struct {
	Production bool
}

// SetDefaults registers every knob so env overrides resolve even without a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("store.addr", "")
	v.SetDefault("store.data_dir", "./data")
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("store.disable_tls", false)

	v.SetDefault("rewards.ad", "3")
	v.SetDefault("rewards.task", "50")
	v.SetDefault("rewards.commission_rate", "0.05")
	v.SetDefault("rewards.epsilon", "0.0001")
	v.SetDefault("rewards.pacing", "3s")
	v.SetDefault("rewards.token_ttl", "60s")
	v.SetDefault("rewards.spin_prizes", []string{"5", "10", "15", "20", "5"})
	v.SetDefault("rewards.spin_weights", []int{30, 25, 15, 5, 25})

	v.SetDefault("quota.ads_cap", 100)
	v.SetDefault("quota.spin_cap", 15)
	v.SetDefault("quota.window", "6h")

	v.SetDefault("withdrawal.minimum", "400")
	v.SetDefault("withdrawal.vault_key", "")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.channel", "")
	v.SetDefault("telegram.init_ttl", "20m")

	v.SetDefault("admin.id", "")
	v.SetDefault("admin.require_init_data", false)
	v.SetDefault("service.jwt_secret", "")
	v.SetDefault("audit.database_url", "")
	v.SetDefault("log.production", false)
}

// Load reads configuration from the working directory and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("REWARDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Store: StoreConfig{
			Addr:       v.GetString("store.addr"),
			DataDir:    v.GetString("store.data_dir"),
			Timeout:    v.GetDuration("store.timeout"),
			DisableTLS: v.GetBool("store.disable_tls"),
		},
		Rewards: RewardsConfig{
			Pacing:      v.GetDuration("rewards.pacing"),
			TokenTTL:    v.GetDuration("rewards.token_ttl"),
			SpinWeights: v.GetIntSlice("rewards.spin_weights"),
		},
		Quota: QuotaConfig{
			AdsCap:  v.GetInt("quota.ads_cap"),
			SpinCap: v.GetInt("quota.spin_cap"),
			Window:  v.GetDuration("quota.window"),
		},
		Withdrawal: WithdrawalConfig{
			VaultKey: v.GetString("withdrawal.vault_key"),
		},
		Telegram: TelegramConfig{
			BotToken: v.GetString("telegram.bot_token"),
			Channel:  v.GetString("telegram.channel"),
			InitTTL:  v.GetDuration("telegram.init_ttl"),
		},
		Admin:   AdminConfig{ID: v.GetString("admin.id"), RequireInitData: v.GetBool("admin.require_init_data")},
		Service: ServiceConfig{JWTSecret: v.GetString("service.jwt_secret")},
		Audit:   AuditConfig{DatabaseURL: v.GetString("audit.database_url")},
		Log:     LogConfig{Production: v.GetBool("log.production")},
	}

	amounts := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"rewards.ad", &cfg.Rewards.Ad},
		{"rewards.task", &cfg.Rewards.Task},
		{"rewards.commission_rate", &cfg.Rewards.CommissionRate},
		{"rewards.epsilon", &cfg.Rewards.Epsilon},
		{"withdrawal.minimum", &cfg.Withdrawal.Minimum},
	}
	for _, a := range amounts {
		d, err := decimal.NewFromString(v.GetString(a.key))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.key, err)
		}
		*a.dst = d
	}

	for _, s := range v.GetStringSlice("rewards.spin_prizes") {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("rewards.spin_prizes: %w", err)
		}
		cfg.Rewards.SpinPrizes = append(cfg.Rewards.SpinPrizes, d)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the reward rules cannot run with.
func (c *Config) Validate() error {
	if len(c.Rewards.SpinPrizes) == 0 || len(c.Rewards.SpinPrizes) != len(c.Rewards.SpinWeights) {
		return errors.New("rewards.spin_prizes and rewards.spin_weights must be non-empty and the same length")
	}
	total := 0
	for _, w := range c.Rewards.SpinWeights {
		if w < 0 {
			return errors.New("rewards.spin_weights must not be negative")
		}
		total += w
	}
	if total == 0 {
		return errors.New("rewards.spin_weights must not all be zero")
	}
	if c.Quota.AdsCap <= 0 || c.Quota.SpinCap <= 0 || c.Quota.Window <= 0 {
		return errors.New("quota caps and window must be positive")
	}
	if c.Rewards.TokenTTL <= 0 {
		return errors.New("rewards.token_ttl must be positive")
	}
	if c.Rewards.CommissionRate.IsNegative() || c.Withdrawal.Minimum.IsNegative() {
		return errors.New("amounts must not be negative")
	}
	return nil
}

// DaemonConfig configures the store daemon. It keeps the CELERIX_* variables
// existing deployments already set.
type DaemonConfig struct {
	DataDir       string
	Port          string
	HTTPPort      string
	DisableTLS    bool
	LogProduction bool
}

// LoadDaemon reads the store daemon configuration from the environment.
func LoadDaemon() *DaemonConfig {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CELERIX")
	v.AutomaticEnv()
	v.SetDefault("data_dir", "./data")
	v.SetDefault("port", "7001")
	v.SetDefault("http_port", "7002")
	v.SetDefault("disable_tls", false)
	v.SetDefault("log_production", false)

	return &DaemonConfig{
		DataDir:       v.GetString("data_dir"),
		Port:          v.GetString("port"),
		HTTPPort:      v.GetString("http_port"),
		DisableTLS:    v.GetBool("disable_tls"),
		LogProduction: v.GetBool("log_production"),
	}
}
