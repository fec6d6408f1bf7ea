// Package config loads the tabsync YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tabsync/internal/ledger"
	"github.com/roach88/tabsync/internal/retry"
	"github.com/roach88/tabsync/internal/syncengine"
)

// DefaultTimezone is the venue's zone when the file names none.
const DefaultTimezone = "Asia/Tokyo"

// DefaultExchange is the RabbitMQ exchange change events fan out on.
const DefaultExchange = "tabsync.orders"

// Config is the decoded configuration file.
type Config struct {
	Timezone   string        `yaml:"timezone"`
	Client     string        `yaml:"client"`
	CachePath  string        `yaml:"cache_path"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
	Retry      Retry         `yaml:"retry"`
	Postgres   Postgres      `yaml:"postgres"`
	RabbitMQ   RabbitMQ      `yaml:"rabbitmq"`
}

// Retry configures persistence retries.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Exponential *bool         `yaml:"exponential"`
}

// Postgres configures the hosted order table. An empty DSN runs the engine
// against an in-process store.
type Postgres struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// RabbitMQ configures cross-client fan-out. An empty URL disables it.
type RabbitMQ struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var c Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Client == "" {
		c.Client = string(syncengine.ClientDesktop)
	}
	if c.CachePath == "" {
		c.CachePath = "tabsync.db"
	}
	if c.PendingTTL == 0 {
		c.PendingTTL = ledger.DefaultTTL
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = retry.DefaultBaseDelay
	}
	if c.Retry.Exponential == nil {
		exp := true
		c.Retry.Exponential = &exp
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = DefaultExchange
	}
}

// Validate checks every field, reporting all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := syncengine.ParseClient(c.Client); err != nil {
		errs = append(errs, fmt.Errorf("client: %w", err))
	}
	if c.PendingTTL < 0 {
		errs = append(errs, fmt.Errorf("pending_ttl must be positive, got %s", c.PendingTTL))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("retry.base_delay must not be negative, got %s", c.Retry.BaseDelay))
	}
	if c.Postgres.Migrate && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.migrate requires postgres.dsn"))
	}
	return errors.Join(errs...)
}

// Location returns the venue's time zone. Call after Validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ClientClass returns the parsed client class. Call after Validate.
func (c *Config) ClientClass() syncengine.Client {
	cl, _ := syncengine.ParseClient(c.Client)
	return cl
}

// RetryPolicy builds the persistence retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		Exponential: *c.Retry.Exponential,
	}
}
