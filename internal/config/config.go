// Package config loads the bot configuration from a YAML file, with broker
// credentials taken from the environment (optionally a .env file).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TradeConfig struct {
	// EntryTolerance is added to the crossed level to form the entry limit
	// price; ExitTolerance is subtracted from the target for the take-profit.
	EntryTolerance float64 `yaml:"entry_tolerance" validate:"gt=0"`
	ExitTolerance  float64 `yaml:"exit_tolerance" validate:"gt=0"`
	// StopRiskRatio places the stop below the level at that fraction of the
	// level-to-target distance.
	StopRiskRatio   float64 `yaml:"stop_risk_ratio" validate:"gt=0,lt=1"`
	CapitalFraction float64 `yaml:"capital_fraction" validate:"gt=0,lte=1"`
	// CancelOnCrossover cancels a pending, unfilled bracket when a fresh
	// crossover arrives at a different level. Off by default: pending
	// brackets are otherwise only canceled by the half-way rule or the
	// session cutoff.
	CancelOnCrossover bool `yaml:"cancel_on_crossover"`
}

type SessionConfig struct {
	Timezone       string        `yaml:"timezone" validate:"required"`
	Start          string        `yaml:"start" validate:"required"`
	OrderCutoff    string        `yaml:"order_cutoff" validate:"required"`
	CleanupAt      string        `yaml:"cleanup_at" validate:"required"`
	End            string        `yaml:"end" validate:"required"`
	RecomputeStart string        `yaml:"recompute_start" validate:"required"`
	RecomputeEnd   string        `yaml:"recompute_end" validate:"required"`
	RecomputeEvery time.Duration `yaml:"recompute_every" validate:"gt=0"`
	CleanupWait    time.Duration `yaml:"cleanup_wait" validate:"gte=0"`
}

type Config struct {
	Symbols []string `yaml:"symbols" validate:"required,min=1,dive,required"`
	Feed    string   `yaml:"feed" validate:"oneof=iex sip"`
	BaseURL string   `yaml:"base_url" validate:"required,url"`

	Trade   TradeConfig   `yaml:"trade"`
	Session SessionConfig `yaml:"session"`

	StorePath       string `yaml:"store_path" validate:"required"`
	TransitionsPath string `yaml:"transitions_path" validate:"required"`
	ReportAddr      string `yaml:"report_addr" validate:"required"`
	LogLevel        string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogDir          string `yaml:"log_dir" validate:"required"`

	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

// Default mirrors the strategy's original schedule: pivot recompute every 15
// minutes through the 8:00-8:45 pre-market window, entries from 9:44, order
// cutoff 15:30, cleanup 15:58, all New York time.
func Default() Config {
	return Config{
		Symbols: []string{"QQQ", "DIA", "SPY"},
		Feed:    "iex",
		BaseURL: "https://paper-api.alpaca.markets",
		Trade: TradeConfig{
			EntryTolerance:  0.01,
			ExitTolerance:   0.01,
			StopRiskRatio:   1.0 / 3.0,
			CapitalFraction: 0.10,
		},
		Session: SessionConfig{
			Timezone:       "America/New_York",
			Start:          "09:44",
			OrderCutoff:    "15:30",
			CleanupAt:      "15:58",
			End:            "16:00",
			RecomputeStart: "08:00",
			RecomputeEnd:   "08:45",
			RecomputeEvery: 15 * time.Minute,
			CleanupWait:    10 * time.Second,
		},
		StorePath:       "data/pivotbot.db",
		TransitionsPath: "transitions.ndjson",
		ReportAddr:      ":5000",
		LogLevel:        "info",
		LogDir:          "logs",
	}
}

// Load reads the YAML file at path (missing file means defaults), pulls
// credentials from the environment and validates the result. A .env file in
// the working directory is honored without overriding existing variables.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.APIKey = os.Getenv("APCA_API_KEY_ID")
	cfg.APISecret = os.Getenv("APCA_API_SECRET_KEY")

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks structural constraints plus the clock-time fields the
// validator tags cannot express.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}
	if _, err := time.LoadLocation(cfg.Session.Timezone); err != nil {
		return fmt.Errorf("invalid session timezone %q: %w", cfg.Session.Timezone, err)
	}
	for name, value := range map[string]string{
		"start":           cfg.Session.Start,
		"order_cutoff":    cfg.Session.OrderCutoff,
		"cleanup_at":      cfg.Session.CleanupAt,
		"end":             cfg.Session.End,
		"recompute_start": cfg.Session.RecomputeStart,
		"recompute_end":   cfg.Session.RecomputeEnd,
	} {
		if _, err := time.Parse("15:04", value); err != nil {
			return fmt.Errorf("invalid session %s %q: %w", name, value, err)
		}
	}
	return nil
}
