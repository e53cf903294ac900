// Package ops loads and resolves the service configuration.
package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/copytrade"
	"main/internal/eligible"
	"main/internal/store"
	"main/pkg/conn"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Boundary BoundaryConfig `json:"boundary"`
	Copy     CopyConfig     `json:"copy"`
	Retry    RetryConfig    `json:"retry"`
	Eligible EligibleConfig `json:"eligible"`
	Monitor  MonitorConfig  `json:"monitor"`
	Profile  ProfileConfig  `json:"profile"`
}

// PostgresConfig describes the durable store connection.
type PostgresConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	User            string `json:"user"`
	Password        string `json:"password"`
	Database        string `json:"database"`
	SSLMode         string `json:"sslMode"`
	MaxOpenConns    int    `json:"maxOpenConns"`
	MaxIdleConns    int    `json:"maxIdleConns"`
	ConnMaxLifetime string `json:"connMaxLifetime"`
}

// RedisConfig describes the sharded cache connection.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"poolSize"`
}

// BoundaryConfig describes the execution boundary client.
type BoundaryConfig struct {
	BaseURL  string `json:"baseUrl"`
	AccessID string `json:"accessId"`
	Secret   string `json:"secret"`
	Timeout  string `json:"timeout"`
}

// CopyConfig tunes the replication engine.
type CopyConfig struct {
	EquityWait         string `json:"equityWait"`
	PerformanceFeeRate string `json:"performanceFeeRate"`
}

// RetryConfig bounds the store mutation retry loop.
type RetryConfig struct {
	MaxRetries int    `json:"maxRetries"`
	BaseDelay  string `json:"baseDelay"`
	MaxDelay   string `json:"maxDelay"`
}

// EligibleConfig bounds assignment eligibility.
type EligibleConfig struct {
	MinBalance string `json:"minBalance"`
	MaxBalance string `json:"maxBalance"`
}

// MonitorConfig sizes the tick queue.
type MonitorConfig struct {
	QueueCapacity int `json:"queueCapacity"`
}

// ProfileConfig enables continuous profiling.
type ProfileConfig struct {
	Enabled       bool   `json:"enabled"`
	ServerAddress string `json:"serverAddress"`
}

// Loaded is the resolved configuration ready for wiring.
type Loaded struct {
	Postgres conn.Option
	Redis    conn.RedisOption
	Boundary BoundarySpec
	Copy     copytrade.Config
	Retry    store.RetryConfig
	Eligible eligible.Config
	Monitor  MonitorConfig
	Profile  ProfileConfig
}

// BoundarySpec is the resolved boundary client definition.
type BoundarySpec struct {
	BaseURL  string
	AccessID string
	Secret   string
	Timeout  time.Duration
}

// Load reads a JSON config file and resolves every section.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	lifetime, err := parseDuration(cfg.Postgres.ConnMaxLifetime, 0)
	if err != nil {
		return Loaded{}, fmt.Errorf("postgres.connMaxLifetime: %w", err)
	}
	boundaryTimeout, err := parseDuration(cfg.Boundary.Timeout, 10*time.Second)
	if err != nil {
		return Loaded{}, fmt.Errorf("boundary.timeout: %w", err)
	}
	equityWait, err := parseDuration(cfg.Copy.EquityWait, 500*time.Millisecond)
	if err != nil {
		return Loaded{}, fmt.Errorf("copy.equityWait: %w", err)
	}
	feeRate, err := parseDecimal(cfg.Copy.PerformanceFeeRate)
	if err != nil {
		return Loaded{}, fmt.Errorf("copy.performanceFeeRate: %w", err)
	}
	baseDelay, err := parseDuration(cfg.Retry.BaseDelay, 0)
	if err != nil {
		return Loaded{}, fmt.Errorf("retry.baseDelay: %w", err)
	}
	maxDelay, err := parseDuration(cfg.Retry.MaxDelay, 0)
	if err != nil {
		return Loaded{}, fmt.Errorf("retry.maxDelay: %w", err)
	}
	minBalance, err := parseDecimal(cfg.Eligible.MinBalance)
	if err != nil {
		return Loaded{}, fmt.Errorf("eligible.minBalance: %w", err)
	}
	maxBalance, err := parseDecimal(cfg.Eligible.MaxBalance)
	if err != nil {
		return Loaded{}, fmt.Errorf("eligible.maxBalance: %w", err)
	}

	return Loaded{
		Postgres: conn.Option{
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			Database:        cfg.Postgres.Database,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: lifetime,
		},
		Redis: conn.RedisOption{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		},
		Boundary: BoundarySpec{
			BaseURL:  cfg.Boundary.BaseURL,
			AccessID: cfg.Boundary.AccessID,
			Secret:   cfg.Boundary.Secret,
			Timeout:  boundaryTimeout,
		},
		Copy: copytrade.Config{
			EquityWait:         equityWait,
			PerformanceFeeRate: feeRate,
		},
		Retry: store.RetryConfig{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  baseDelay,
			MaxDelay:   maxDelay,
		},
		Eligible: eligible.Config{
			MinBalance: minBalance,
			MaxBalance: maxBalance,
		},
		Monitor: cfg.Monitor,
		Profile: cfg.Profile,
	}, nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
