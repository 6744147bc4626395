// Package types provides configuration types for the trading backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskConfig configures the Risk validator (spec §4.2).
type RiskConfig struct {
	MaxOrderQuantity decimal.Decimal `mapstructure:"maxOrderQuantity"`
}

// ExchangeConfig configures the PaperExchange matching loop (spec §4.5).
type ExchangeConfig struct {
	FillMultiplier decimal.Decimal `mapstructure:"fillMultiplier"`
}

// CommissionConfig configures the default PaperBroker commission policy
// (spec §4.6).
type CommissionConfig struct {
	FeePerShare decimal.Decimal `mapstructure:"feePerShare"`
}

// EngineConfig is the top-level configuration bound by viper in
// cmd/server, covering every ambient knob the core exposes.
type EngineConfig struct {
	LiveFrequency Frequency        `mapstructure:"liveFrequency"`
	Risk          RiskConfig       `mapstructure:"risk"`
	Exchange      ExchangeConfig   `mapstructure:"exchange"`
	Commission    CommissionConfig `mapstructure:"commission"`
	Store         StoreConfig      `mapstructure:"store"`
	Server        ServerConfig     `mapstructure:"server"`
}

// StoreConfig configures the sqlite-backed Store facade implementation.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the admin HTTP/WS/metrics surface.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	EnableCORS   bool          `mapstructure:"enableCors"`
}

// Default returns the engine's default configuration, mirroring the
// defaults called out in spec §4.5/§4.6/§4.2.
func Default() EngineConfig {
	return EngineConfig{
		LiveFrequency: Frequency("1m"),
		Risk: RiskConfig{
			MaxOrderQuantity: decimal.NewFromInt(500),
		},
		Exchange: ExchangeConfig{
			FillMultiplier: decimal.NewFromFloat(0.5),
		},
		Commission: CommissionConfig{
			FeePerShare: decimal.NewFromFloat(-0.01),
		},
		Store: StoreConfig{
			Path: "./data/engine.db",
		},
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8090,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			EnableCORS:   true,
		},
	}
}
