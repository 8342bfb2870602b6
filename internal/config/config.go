package config

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/stockfolio/internal/logger"
	"github.com/yourorg/stockfolio/internal/repository/postgres"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "./configs/stockfolio.yaml"

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

func (c *ServerConfig) Setup() {
	c.Port = cmp.Or(c.Port, "8080")
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	QuoteTTL time.Duration `yaml:"quote_ttl"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type AlpacaConfig struct {
	APIKey            string   `yaml:"api_key"`
	APISecret         string   `yaml:"api_secret"`
	StreamURL         string   `yaml:"stream_url"`
	DataURL           string   `yaml:"data_url"`
	Feed              string   `yaml:"feed"`
	Symbols           []string `yaml:"symbols"`
	Timeframe         string   `yaml:"timeframe"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
}

// Enabled reports whether credentials are configured.
func (c *AlpacaConfig) Enabled() bool {
	return c.APIKey != "" && c.APISecret != ""
}

func (c *AlpacaConfig) Setup() {
	c.Feed = cmp.Or(c.Feed, "iex")
	c.StreamURL = cmp.Or(c.StreamURL, "wss://stream.data.alpaca.markets/v2/"+c.Feed)
	c.DataURL = cmp.Or(c.DataURL, "https://data.alpaca.markets")
	c.Timeframe = cmp.Or(c.Timeframe, "1Day")
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"AAPL", "TSLA", "MSFT", "NVDA", "SPY"}
	}
	for i := range c.Symbols {
		c.Symbols[i] = strings.ToUpper(strings.TrimSpace(c.Symbols[i]))
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 200
	}
}

type Config struct {
	LogLevel       string          `yaml:"log_level"`
	MigrationsPath string          `yaml:"migrations_path"`
	Server         ServerConfig    `yaml:"server"`
	Postgres       postgres.Config `yaml:"postgres"`
	Redis          RedisConfig     `yaml:"redis"`
	Auth           AuthConfig      `yaml:"auth"`
	Alpaca         AlpacaConfig    `yaml:"alpaca"`
}

// ApplyEnv overrides file values with the environment variables that are set.
func (c *Config) ApplyEnv() {
	c.Server.Port = cmp.Or(os.Getenv("PORT"), c.Server.Port)
	c.LogLevel = cmp.Or(os.Getenv("LOG_LEVEL"), c.LogLevel)
	c.Redis.URL = cmp.Or(os.Getenv("REDIS_URL"), c.Redis.URL)
	c.Auth.JWTSecret = cmp.Or(os.Getenv("JWT_SECRET"), c.Auth.JWTSecret)
	c.Alpaca.APIKey = cmp.Or(os.Getenv("ALPACA_API_KEY"), c.Alpaca.APIKey)
	c.Alpaca.APISecret = cmp.Or(os.Getenv("ALPACA_API_SECRET"), c.Alpaca.APISecret)
	c.Postgres.ApplyEnv()
}

func (c *Config) ValidateAndSetup() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	c.LogLevel = cmp.Or(c.LogLevel, "info")
	c.MigrationsPath = cmp.Or(c.MigrationsPath, "migrations")

	c.Server.Setup()
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("invalid port %q", c.Server.Port)
	}

	c.Postgres.Setup()
	if err := c.Postgres.Validate(); err != nil {
		return fmt.Errorf("%w: can't setup postgres", err)
	}

	c.Redis.URL = cmp.Or(c.Redis.URL, "redis://localhost:6379/0")
	if c.Redis.QuoteTTL <= 0 {
		c.Redis.QuoteTTL = 60 * time.Second
	}

	c.Alpaca.Setup()
	return nil
}

// LoadConfig reads filename if it exists, applies environment overrides and
// fills defaults. A missing file is not an error.
func LoadConfig(filename string) (Config, error) {
	var cfg Config
	input, err := os.ReadFile(filename)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("%w: can't read file", err)
	default:
		if err := yaml.Unmarshal(input, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: can't unmarshal config", err)
		}
	}

	cfg.ApplyEnv()
	if err := cfg.ValidateAndSetup(); err != nil {
		return cfg, fmt.Errorf("%w: can't setup cfg", err)
	}
	return cfg, nil
}
