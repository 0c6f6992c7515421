package config

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Security  SecurityConfig  `mapstructure:"security"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxBodyBytes caps the request body read by the gateway
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

type SecurityConfig struct {
	AdminPassword string `mapstructure:"admin_password"`
	// JWTSecret signs admin session tokens; derived from the admin password when empty
	JWTSecret       string        `mapstructure:"jwt_secret"`
	AdminTokenTTL   time.Duration `mapstructure:"admin_token_ttl"`
	AdminLoginRPS   float64       `mapstructure:"admin_login_rps"`
	AdminLoginBurst int           `mapstructure:"admin_login_burst"`
	// APIKey is a static key imported into the key store at startup
	APIKey         string   `mapstructure:"api_key"`
	EnableCORS     bool     `mapstructure:"enable_cors"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	Window       time.Duration `mapstructure:"window"`
	DefaultQuota int           `mapstructure:"default_quota"`
	Shards       int           `mapstructure:"shards"`
	IdleTTL      time.Duration `mapstructure:"idle_ttl"`
	CleanupEvery time.Duration `mapstructure:"cleanup_every"`
}

type StatsConfig struct {
	Redis RedisStatsConfig `mapstructure:"redis"`
}

type RedisStatsConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Prefix    string        `mapstructure:"prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	TrackKeys bool          `mapstructure:"track_keys"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	Output        string `mapstructure:"output"`
	ConsoleOutput bool   `mapstructure:"console_output"`
	MaxSize       int    `mapstructure:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups"`
	MaxAge        int    `mapstructure:"max_age"`
	Compress      bool   `mapstructure:"compress"`
}

type StorageConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	KeysDir  string `mapstructure:"keys_dir"`
	UsageDir string `mapstructure:"usage_dir"`
	LogsDir  string `mapstructure:"logs_dir"`
	// SeedFile is an optional YAML file of keys imported at startup
	SeedFile      string        `mapstructure:"seed_file"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Load loads the configuration from file and environment
func Load() (*Config, error) {
	var cfg Config

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	SetDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrCreate loads the configuration, writing a default config file when none exists
func LoadOrCreate() (*Config, error) {
	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if _, err := os.Stat(configFile); err == nil {
		cfg, err := Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configFile, err)
		}
		return cfg, nil
	}

	fmt.Println("\n⚠️  Config file not found, creating default config...")

	// Flags and environment still apply to a fresh config
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if cfg.Security.AdminPassword == "" {
		password, err := generateRandomPassword(16)
		if err != nil {
			return nil, fmt.Errorf("failed to generate admin password: %w", err)
		}
		cfg.Security.AdminPassword = password
		fmt.Printf("\n🔑 Generated admin password: %s\n", password)
		fmt.Println("   ⚠️  IMPORTANT: Please save this password!")
		fmt.Println("   It is required for POST /admin/login")
	}

	if err := SaveConfig(cfg, configFile); err != nil {
		fmt.Printf("\n⚠️  Warning: Failed to save config file: %v\n", err)
		fmt.Println("   Continuing with in-memory config...")
	} else {
		fmt.Printf("\n✅ Config file created: %s\n", configFile)
	}

	return cfg, nil
}

// SaveConfig writes the user-facing sections of cfg to path
func SaveConfig(cfg *Config, path string) error {
	viper.Set("server", cfg.Server)
	viper.Set("security", cfg.Security)
	viper.Set("rate_limit", cfg.RateLimit)
	viper.Set("stats", cfg.Stats)
	viper.Set("logging", cfg.Logging)
	viper.Set("storage", cfg.Storage)

	return viper.WriteConfigAs(path)
}

func generateRandomPassword(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		b[i] = charset[n.Int64()]
	}
	return string(b), nil
}

// SetDefaults fills every zero-valued setting
func SetDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}

	if cfg.Security.AdminTokenTTL == 0 {
		cfg.Security.AdminTokenTTL = 12 * time.Hour
	}
	if cfg.Security.AdminLoginRPS == 0 {
		cfg.Security.AdminLoginRPS = 0.2
	}
	if cfg.Security.AdminLoginBurst == 0 {
		cfg.Security.AdminLoginBurst = 5
	}
	if len(cfg.Security.AllowedOrigins) == 0 {
		cfg.Security.AllowedOrigins = []string{"*"}
	}

	// Rate limiting: 1000 requests per hour per key
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Hour
	}
	if cfg.RateLimit.DefaultQuota == 0 {
		cfg.RateLimit.DefaultQuota = 1000
	}
	if cfg.RateLimit.Shards == 0 {
		cfg.RateLimit.Shards = 32
	}
	if cfg.RateLimit.IdleTTL == 0 {
		cfg.RateLimit.IdleTTL = 2 * cfg.RateLimit.Window
	}
	if cfg.RateLimit.CleanupEvery == 0 {
		cfg.RateLimit.CleanupEvery = 5 * time.Minute
	}

	if cfg.Stats.Redis.Addr == "" {
		cfg.Stats.Redis.Addr = "localhost:6379"
	}
	if cfg.Stats.Redis.Prefix == "" {
		cfg.Stats.Redis.Prefix = "promptgate:stats"
	}
	if cfg.Stats.Redis.TTL == 0 {
		cfg.Stats.Redis.TTL = 24 * time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "logs/promptgate.log"
	}
	cfg.Logging.ConsoleOutput = true
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 10
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = 30
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.KeysDir == "" {
		cfg.Storage.KeysDir = "./data/keys"
	}
	if cfg.Storage.UsageDir == "" {
		cfg.Storage.UsageDir = "./data/usage"
	}
	if cfg.Storage.LogsDir == "" {
		cfg.Storage.LogsDir = "./logs"
	}
	if cfg.Storage.FlushInterval == 0 {
		cfg.Storage.FlushInterval = time.Minute
	}
}

// Validate rejects settings the server cannot run with
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	if cfg.RateLimit.Window < time.Second {
		return fmt.Errorf("rate_limit.window must be at least 1s, got %s", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.DefaultQuota < 1 {
		return fmt.Errorf("rate_limit.default_quota must be positive, got %d", cfg.RateLimit.DefaultQuota)
	}
	if cfg.RateLimit.Shards < 1 {
		return fmt.Errorf("rate_limit.shards must be positive, got %d", cfg.RateLimit.Shards)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative")
	}
	return nil
}
