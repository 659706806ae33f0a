// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvGatewayURL  = "SIGMA_GATEWAY_URL"
	EnvDatabaseDSN = "SIGMA_DATABASE_DSN"
)

// GatewayConfig locates the broker bridge.
type GatewayConfig struct {
	URL            string        `yaml:"url"`
	ClientID       int           `yaml:"clientId"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReadLimit      int64         `yaml:"readLimit"`
	PingInterval   time.Duration `yaml:"pingInterval"`
}

// InstrumentConfig is the contract template every chain entry shares.
type InstrumentConfig struct {
	Symbol            string `yaml:"symbol"`
	SecType           string `yaml:"secType"`
	Exchange          string `yaml:"exchange"`
	Currency          string `yaml:"currency"`
	TradingClass      string `yaml:"tradingClass"`
	Multiplier        string `yaml:"multiplier"`
	UnderlyingSecType string `yaml:"underlyingSecType"`
}

// ChainConfig spans the entity space: strikes by months by sides.
type ChainConfig struct {
	StrikeFrom    Decimal  `yaml:"strikeFrom"`
	StrikeTo      Decimal  `yaml:"strikeTo"`
	StrikeStep    Decimal  `yaml:"strikeStep"`
	MonthsAhead   int      `yaml:"monthsAhead"`
	RelStartMonth int      `yaml:"relStartMonth"`
	Months        []string `yaml:"months"`
	Sides         []string `yaml:"sides"`
}

// BatchConfig tunes dispatch pacing and completion detection.
type BatchConfig struct {
	RateLimitHz        float64       `yaml:"rateLimitHz"`
	StabilityPolls     int           `yaml:"stabilityPolls"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	AbsoluteTimeoutSec int           `yaml:"absoluteTimeoutSec"`
	// CompleteWhen optionally replaces the job's completion predicate with a JS expression.
	CompleteWhen string `yaml:"completeWhen"`
	WarningCodes []int  `yaml:"warningCodes"`
}

// AbsoluteTimeout returns the hard cap on waiting for replies.
func (c BatchConfig) AbsoluteTimeout() time.Duration {
	return time.Duration(c.AbsoluteTimeoutSec) * time.Second
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Verbose bool   `yaml:"verbose"`
	Prefix  string `yaml:"prefix"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/sigma"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified sigma configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	Instrument  InstrumentConfig `yaml:"instrument"`
	Chain       ChainConfig      `yaml:"chain"`
	Batch       BatchConfig      `yaml:"batch"`
	Database    DatabaseConfig   `yaml:"database"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// Default returns the configuration used when no file is present: the crude oil
// futures option chain on NYMEX.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Gateway: GatewayConfig{
			URL:      "ws://127.0.0.1:7497/bridge",
			ClientID: 1,
		},
		Instrument: InstrumentConfig{
			Symbol:            "CL",
			SecType:           "FOP",
			Exchange:          "NYMEX",
			Currency:          "USD",
			TradingClass:      "LO",
			Multiplier:        "1000",
			UnderlyingSecType: "FUT",
		},
		Chain: ChainConfig{
			StrikeFrom:    NewDecimal("40"),
			StrikeTo:      NewDecimal("80"),
			StrikeStep:    NewDecimal("0.5"),
			MonthsAhead:   6,
			RelStartMonth: 1,
		},
		Batch: BatchConfig{
			RateLimitHz:        40,
			StabilityPolls:     2,
			AbsoluteTimeoutSec: 600,
		},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return parse(bytes)
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not exist.
// The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg = Default()
	cfg.applyEnvOverrides()
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, false, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func parse(bytes []byte) (AppConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnvOverrides() {
	if url := strings.TrimSpace(os.Getenv(EnvGatewayURL)); url != "" {
		c.Gateway.URL = url
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		c.Database.DSN = dsn
	}
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Gateway.URL = strings.TrimSpace(c.Gateway.URL)
	if c.Gateway.ConnectTimeout <= 0 {
		c.Gateway.ConnectTimeout = 15 * time.Second
	}
	if c.Gateway.ReadLimit <= 0 {
		c.Gateway.ReadLimit = 2 * 1024 * 1024
	}
	if c.Gateway.PingInterval <= 0 {
		c.Gateway.PingInterval = 20 * time.Second
	}

	c.Instrument.Symbol = strings.ToUpper(strings.TrimSpace(c.Instrument.Symbol))
	c.Instrument.SecType = strings.ToUpper(strings.TrimSpace(c.Instrument.SecType))
	c.Instrument.Exchange = strings.ToUpper(strings.TrimSpace(c.Instrument.Exchange))
	c.Instrument.Currency = strings.ToUpper(strings.TrimSpace(c.Instrument.Currency))
	c.Instrument.TradingClass = strings.TrimSpace(c.Instrument.TradingClass)
	c.Instrument.Multiplier = strings.TrimSpace(c.Instrument.Multiplier)
	c.Instrument.UnderlyingSecType = strings.ToUpper(strings.TrimSpace(c.Instrument.UnderlyingSecType))

	if len(c.Chain.Sides) == 0 {
		c.Chain.Sides = []string{"C", "P"}
	}
	for i, side := range c.Chain.Sides {
		c.Chain.Sides[i] = strings.ToUpper(strings.TrimSpace(side))
	}
	for i, m := range c.Chain.Months {
		c.Chain.Months[i] = strings.TrimSpace(m)
	}

	if c.Batch.PollInterval <= 0 {
		c.Batch.PollInterval = 500 * time.Millisecond
	}
	if c.Batch.StabilityPolls <= 0 {
		c.Batch.StabilityPolls = 2
	}
	c.Batch.CompleteWhen = strings.TrimSpace(c.Batch.CompleteWhen)

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "sigma"
	}
	if c.Logging.Prefix == "" {
		c.Logging.Prefix = "sigma "
	}

	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway url required")
	}
	if c.Gateway.ClientID < 0 {
		return fmt.Errorf("gateway clientId must be >= 0")
	}

	if c.Instrument.Symbol == "" {
		return fmt.Errorf("instrument symbol required")
	}
	if c.Instrument.SecType == "" {
		return fmt.Errorf("instrument secType required")
	}
	if c.Instrument.Exchange == "" {
		return fmt.Errorf("instrument exchange required")
	}

	if !c.Chain.StrikeStep.IsPositive() {
		return fmt.Errorf("chain strikeStep must be > 0")
	}
	if !c.Chain.StrikeTo.GreaterThan(c.Chain.StrikeFrom.Decimal) {
		return fmt.Errorf("chain strikeTo must be greater than strikeFrom")
	}
	if len(c.Chain.Months) == 0 && c.Chain.MonthsAhead <= 0 {
		return fmt.Errorf("chain monthsAhead must be > 0 when no months are listed")
	}
	if c.Chain.RelStartMonth < 0 {
		return fmt.Errorf("chain relStartMonth must be >= 0")
	}

	if c.Batch.RateLimitHz <= 0 {
		return fmt.Errorf("batch rateLimitHz must be > 0")
	}
	if c.Batch.AbsoluteTimeoutSec < 0 {
		return fmt.Errorf("batch absoluteTimeoutSec must be >= 0")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
