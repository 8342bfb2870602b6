package postgres

import (
	"cmp"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

const (
	DriverPgx = "pgx"
	DriverPq  = "postgres"
)

type Config struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"db_name"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func NewConfigFromEnv() *Config {
	return (&Config{}).ApplyEnv()
}

// ApplyEnv overrides fields with the POSTGRES_* variables that are set.
func (c *Config) ApplyEnv() *Config {
	c.Driver = cmp.Or(os.Getenv("POSTGRES_DRIVER"), c.Driver)
	c.Host = cmp.Or(os.Getenv("POSTGRES_HOST"), c.Host)
	c.Port = cmp.Or(os.Getenv("POSTGRES_PORT"), c.Port)
	c.Username = cmp.Or(os.Getenv("POSTGRES_USERNAME"), c.Username)
	c.Password = cmp.Or(os.Getenv("POSTGRES_PASSWORD"), c.Password)
	c.DBName = cmp.Or(os.Getenv("POSTGRES_DB_NAME"), c.DBName)
	c.SSLMode = cmp.Or(os.Getenv("POSTGRES_SSL_MODE"), c.SSLMode)
	return c
}

func (c *Config) Setup() *Config {
	const (
		defaultDriver   = DriverPgx
		defaultHost     = "localhost"
		defaultPort     = "5432"
		defaultUsername = "postgres"
		defaultPassword = "postgres"
		defaultDBName   = "postgres"
		defaultSSLMode  = "disable"

		defaultMaxOpenConns    = 25
		defaultMaxIdleConns    = 5
		defaultConnMaxLifetime = 5 * time.Minute
	)

	c.Driver = cmp.Or(c.Driver, defaultDriver)
	c.Host = cmp.Or(c.Host, defaultHost)
	c.Port = cmp.Or(c.Port, defaultPort)
	if _, err := strconv.Atoi(c.Port); err != nil {
		c.Port = defaultPort
	}
	c.Username = cmp.Or(c.Username, defaultUsername)
	c.Password = cmp.Or(c.Password, defaultPassword)
	c.DBName = cmp.Or(c.DBName, defaultDBName)
	c.SSLMode = cmp.Or(c.SSLMode, defaultSSLMode)

	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}

	return c
}

func (c *Config) Validate() error {
	switch c.Driver {
	case DriverPgx, DriverPq:
		return nil
	default:
		return fmt.Errorf("unknown postgres driver %q", c.Driver)
	}
}

// DSN is the key/value connection string understood by both drivers.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.DBName, c.Password, c.SSLMode,
	)
}

// URL is the postgres:// form required by migrate.
func (c *Config) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"driver=%s host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.Driver, c.Host, c.Port, c.Username, c.DBName, c.SSLMode,
	)
}
