package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	App struct {
		Name     string `koanf:"name"`
		HTTPAddr string `koanf:"http_addr"`
		LogLevel string `koanf:"log_level"`
		LogFile  string `koanf:"log_file"`
	} `koanf:"app"`

	Postgres struct {
		DSN string `koanf:"dsn"`
	} `koanf:"postgres"`

	Security struct {
		JWTSecret string        `koanf:"jwt_secret"`
		TokenTTL  time.Duration `koanf:"token_ttl"`
	} `koanf:"security"`

	Orders struct {
		// CloseLeadTime is how long before the close date an order moves
		// to closing and non-participants are notified.
		CloseLeadTime time.Duration `koanf:"close_lead_time"`
		PageSize      int           `koanf:"page_size"`
	} `koanf:"orders"`

	Scheduler struct {
		PollInterval time.Duration `koanf:"poll_interval"`
	} `koanf:"scheduler"`
}

// Load reads base.yaml from pathDir, an optional per-environment overlay,
// and LUNCHPOOL_ environment variables (nested keys with __),
// e.g. LUNCHPOOL_POSTGRES__DSN, LUNCHPOOL_SECURITY__JWT_SECRET.
func Load(pathDir, envName string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(fmt.Sprintf("%s/base.yaml", pathDir)), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load base: %w", err)
	}

	// Environment overlay is optional for local runs.
	_ = k.Load(file.Provider(fmt.Sprintf("%s/%s.yaml", pathDir, envName)), yaml.Parser())

	if err := k.Load(env.Provider("LUNCHPOOL_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "LUNCHPOOL_")
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.App.HTTPAddr == "" {
		return fmt.Errorf("app.http_addr required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn required")
	}
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret required")
	}
	if c.Security.TokenTTL <= 0 {
		return fmt.Errorf("security.token_ttl must be positive")
	}
	if c.Orders.CloseLeadTime <= 0 {
		return fmt.Errorf("orders.close_lead_time must be positive")
	}
	if c.Orders.PageSize <= 0 {
		return fmt.Errorf("orders.page_size must be positive")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	return nil
}
