// Package config loads server settings from an optional YAML file, an
// optional .env file, and environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything the API server needs to start.
type Config struct {
	Addr            string
	PostgresDSN     string
	AuthSecret      string
	RateBurst       int
	RatePerSecond   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// AllowBalanceOverride lets account updates write current_balance
	// directly instead of deriving it from transactions.
	AllowBalanceOverride bool
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:            ":8080",
		RateBurst:       50,
		RatePerSecond:   25,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds the configuration. A YAML file named by FINLEDGER_CONFIG (or
// the optional explicit path argument) is read first, then a .env file if
// present, then FINLEDGER_* environment variables override individual keys.
func Load(paths ...string) (Config, error) {
	cfg := Default()

	path := os.Getenv("FINLEDGER_CONFIG")
	if len(paths) > 0 && paths[0] != "" {
		path = paths[0]
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return cfg, err
		}
	}

	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// fileConfig mirrors Config for YAML decoding. Durations are strings so
// values like "5s" parse, and pointers distinguish unset keys from zeros.
type fileConfig struct {
	Addr                 *string `yaml:"addr"`
	PostgresDSN          *string `yaml:"postgresDsn"`
	AuthSecret           *string `yaml:"authSecret"`
	RateBurst            *int    `yaml:"rateBurst"`
	RatePerSecond        *int    `yaml:"ratePerSecond"`
	ReadTimeout          *string `yaml:"readTimeout"`
	WriteTimeout         *string `yaml:"writeTimeout"`
	IdleTimeout          *string `yaml:"idleTimeout"`
	ShutdownTimeout      *string `yaml:"shutdownTimeout"`
	AllowBalanceOverride *bool   `yaml:"allowBalanceOverride"`
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Addr != nil {
		c.Addr = *fc.Addr
	}
	if fc.PostgresDSN != nil {
		c.PostgresDSN = *fc.PostgresDSN
	}
	if fc.AuthSecret != nil {
		c.AuthSecret = *fc.AuthSecret
	}
	if fc.RateBurst != nil {
		c.RateBurst = *fc.RateBurst
	}
	if fc.RatePerSecond != nil {
		c.RatePerSecond = *fc.RatePerSecond
	}

	setDuration := func(dst *time.Duration, raw *string, key string) error {
		if raw == nil {
			return nil
		}
		d, err := time.ParseDuration(*raw)
		if err != nil {
			return fmt.Errorf("%s in %s: invalid duration %q", key, path, *raw)
		}
		*dst = d
		return nil
	}
	if err := setDuration(&c.ReadTimeout, fc.ReadTimeout, "readTimeout"); err != nil {
		return err
	}
	if err := setDuration(&c.WriteTimeout, fc.WriteTimeout, "writeTimeout"); err != nil {
		return err
	}
	if err := setDuration(&c.IdleTimeout, fc.IdleTimeout, "idleTimeout"); err != nil {
		return err
	}
	if err := setDuration(&c.ShutdownTimeout, fc.ShutdownTimeout, "shutdownTimeout"); err != nil {
		return err
	}
	if fc.AllowBalanceOverride != nil {
		c.AllowBalanceOverride = *fc.AllowBalanceOverride
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FINLEDGER_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("FINLEDGER_PG_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("FINLEDGER_AUTH_SECRET"); v != "" {
		c.AuthSecret = v
	}

	var err error
	if c.RateBurst, err = intEnv("FINLEDGER_RATE_BURST", c.RateBurst); err != nil {
		return err
	}
	if c.RatePerSecond, err = intEnv("FINLEDGER_RATE_PER_SECOND", c.RatePerSecond); err != nil {
		return err
	}
	if c.ReadTimeout, err = durationEnv("FINLEDGER_READ_TIMEOUT", c.ReadTimeout); err != nil {
		return err
	}
	if c.WriteTimeout, err = durationEnv("FINLEDGER_WRITE_TIMEOUT", c.WriteTimeout); err != nil {
		return err
	}
	if c.IdleTimeout, err = durationEnv("FINLEDGER_IDLE_TIMEOUT", c.IdleTimeout); err != nil {
		return err
	}
	if c.ShutdownTimeout, err = durationEnv("FINLEDGER_SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return err
	}
	if c.AllowBalanceOverride, err = boolEnv("FINLEDGER_ALLOW_BALANCE_OVERRIDE", c.AllowBalanceOverride); err != nil {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.RateBurst <= 0 || c.RatePerSecond <= 0 {
		return fmt.Errorf("rate limits must be positive, got burst=%d perSecond=%d", c.RateBurst, c.RatePerSecond)
	}
	return nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}
