package policy

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Overrides are environment settings applied on top of the policy file.
// Empty values leave the file's setting in place.
type Overrides struct {
	Addr      string `env:"SDKROUTER_ADDR"`
	BusDriver string `env:"SDKROUTER_BUS_DRIVER"`
	RedisURL  string `env:"SDKROUTER_REDIS_URL"`
	Codec     string `env:"SDKROUTER_CODEC"`
	StallSec  int    `env:"SDKROUTER_STALL_SECONDS"`
}

func ParseEnv() (Overrides, error) {
	var overrides Overrides
	if err := env.Parse(&overrides); err != nil {
		return Overrides{}, fmt.Errorf("parse env: %w", err)
	}
	return overrides, nil
}

func (o Overrides) Apply(cfg Config) Config {
	if addr := strings.TrimSpace(o.Addr); addr != "" {
		cfg.Server.Addr = addr
	}
	if driver := strings.TrimSpace(o.BusDriver); driver != "" {
		cfg.Bus.Driver = driver
	}
	if redisURL := strings.TrimSpace(o.RedisURL); redisURL != "" {
		cfg.Bus.RedisURL = redisURL
	}
	if codec := strings.TrimSpace(o.Codec); codec != "" {
		cfg.Session.Codec = codec
	}
	if o.StallSec > 0 {
		cfg.Watchdog.StallSeconds = o.StallSec
	}
	return cfg
}

// LoadWithEnv loads the policy file, applies environment overrides and
// validates the result.
func LoadWithEnv(path string) (Config, string, error) {
	cfg, finalPath, err := Load(path)
	if err != nil {
		return cfg, finalPath, err
	}
	overrides, err := ParseEnv()
	if err != nil {
		return cfg, finalPath, err
	}
	cfg = overrides.Apply(cfg)
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s with environment: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}
