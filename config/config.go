package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config represents the application configuration.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Finnhub FinnhubConfig `mapstructure:"finnhub"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type AppConfig struct {
	Port           string   `mapstructure:"port"`
	Env            string   `mapstructure:"env"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// FinnhubConfig configures both the REST client and the trade stream.
type FinnhubConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	APIURL           string        `mapstructure:"api_url"`
	WSURL            string        `mapstructure:"ws_url"`
	StreamEnabled    bool          `mapstructure:"stream_enabled"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// PingPeriod enables read-deadline liveness checks when positive.
	PingPeriod time.Duration `mapstructure:"ping_period"`
	// DerivePercentChange fills in percentChange on trade ticks from the
	// previous close. Off by default: trades carry no daily change.
	DerivePercentChange bool `mapstructure:"derive_percent_change"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ClientBuffer      int           `mapstructure:"client_buffer"`
	MaxSymbols        int           `mapstructure:"max_symbols"`
	SnapshotQueue     int           `mapstructure:"snapshot_queue"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	Issuer     string `mapstructure:"issuer"`
	CookieName string `mapstructure:"cookie_name"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// envAliases keeps the short variable names deployments already use.
var envAliases = map[string]string{
	"app.port":            "PORT",
	"app.env":             "ENV",
	"app.allowed_origins": "ALLOWED_ORIGINS",
}

// LoadConfig loads configuration from defaults, the given .env files
// (".env" when none are named) and environment variables, in increasing
// order of precedence.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// .env files are optional. Existing variables are never overridden.
		_ = godotenv.Load(f)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		names := []string{key, strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
		if alias, ok := envAliases[key]; ok {
			names = append(names, alias)
		}
		if err := v.BindEnv(names...); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.allowed_origins", []string{"http://localhost:4200"})

	v.SetDefault("finnhub.api_key", "")
	v.SetDefault("finnhub.api_url", "https://finnhub.io/api/v1")
	v.SetDefault("finnhub.ws_url", "wss://ws.finnhub.io")
	v.SetDefault("finnhub.stream_enabled", true)
	v.SetDefault("finnhub.reconnect_delay", 5*time.Second)
	v.SetDefault("finnhub.handshake_timeout", 10*time.Second)
	v.SetDefault("finnhub.ping_period", time.Duration(0))
	v.SetDefault("finnhub.derive_percent_change", false)

	v.SetDefault("stream.heartbeat_interval", 15*time.Second)
	v.SetDefault("stream.client_buffer", 256)
	v.SetDefault("stream.max_symbols", 50)
	v.SetDefault("stream.snapshot_queue", 1024)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.cookie_name", "access_token")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.snapshot_ttl", 24*time.Hour)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Finnhub.StreamEnabled && c.Finnhub.APIKey == "" {
		errs = append(errs, errors.New("FINNHUB_API_KEY is required when streaming is enabled"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	if c.App.Port == "" {
		errs = append(errs, errors.New("app port cannot be empty"))
	}
	for name, d := range map[string]time.Duration{
		"finnhub.reconnect_delay":   c.Finnhub.ReconnectDelay,
		"finnhub.handshake_timeout": c.Finnhub.HandshakeTimeout,
		"stream.heartbeat_interval": c.Stream.HeartbeatInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Finnhub.PingPeriod < 0 {
		errs = append(errs, errors.New("finnhub.ping_period cannot be negative"))
	}
	if c.Stream.MaxSymbols <= 0 {
		errs = append(errs, errors.New("stream.max_symbols must be positive"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if _, err := zapcore.ParseLevel(c.App.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("app.log_level: %w", err))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the app runs in the production environment.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

// NewLogger builds a JSON logger in production and a console logger
// elsewhere, at the configured level.
func NewLogger(app AppConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(app.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if app.IsProduction() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build(zap.Fields(zap.String("env", app.Env)))
}
