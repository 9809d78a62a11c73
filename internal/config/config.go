package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port         int    `env:"PORT" envDefault:"8080"`
	DatabaseURL  string `env:"DATABASE_URL,required"`
	RedisURL     string `env:"REDIS_URL,required"`
	GatewayURL   string `env:"GATEWAY_URL,required"`
	GatewayToken string `env:"GATEWAY_TOKEN"`
	ConsoleToken string `env:"CONSOLE_TOKEN,required"`

	// Pairing loop cadence. The refresh interval must stay strictly below
	// the gateway's artifact expiry (PAIRING_ARTIFACT_TTL_MS) or operators
	// end up scanning codes that are already dead.
	PairingInitialDelayMS    int `env:"PAIRING_INITIAL_DELAY_MS" envDefault:"2000"`
	PairingProbeIntervalMS   int `env:"PAIRING_PROBE_INTERVAL_MS" envDefault:"3000"`
	PairingRefreshIntervalMS int `env:"PAIRING_REFRESH_INTERVAL_MS" envDefault:"15000"`
	PairingSuccessDwellMS    int `env:"PAIRING_SUCCESS_DWELL_MS" envDefault:"1500"`
	PairingArtifactTTLMS     int `env:"PAIRING_ARTIFACT_TTL_MS" envDefault:"20000"`

	PairingOpenLimitPerMin int `env:"PAIRING_OPEN_LIMIT_PER_MIN" envDefault:"10"`
	HistoryRetentionHours  int `env:"HISTORY_RETENTION_HOURS" envDefault:"168"`

	StaticDir string `env:"STATIC_DIR" envDefault:"static/console"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) PairingInitialDelay() time.Duration {
	return time.Duration(c.PairingInitialDelayMS) * time.Millisecond
}

func (c *Config) PairingProbeInterval() time.Duration {
	return time.Duration(c.PairingProbeIntervalMS) * time.Millisecond
}

func (c *Config) PairingRefreshInterval() time.Duration {
	return time.Duration(c.PairingRefreshIntervalMS) * time.Millisecond
}

func (c *Config) PairingSuccessDwell() time.Duration {
	return time.Duration(c.PairingSuccessDwellMS) * time.Millisecond
}

func (c *Config) PairingArtifactTTL() time.Duration {
	return time.Duration(c.PairingArtifactTTLMS) * time.Millisecond
}

func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionHours) * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.PairingProbeIntervalMS <= 0 {
		return fmt.Errorf("PAIRING_PROBE_INTERVAL_MS must be positive")
	}
	if c.PairingRefreshIntervalMS <= 0 {
		return fmt.Errorf("PAIRING_REFRESH_INTERVAL_MS must be positive")
	}
	if c.PairingSuccessDwellMS <= 0 {
		return fmt.Errorf("PAIRING_SUCCESS_DWELL_MS must be positive")
	}
	if c.PairingInitialDelayMS < 0 {
		return fmt.Errorf("PAIRING_INITIAL_DELAY_MS must not be negative")
	}
	if c.PairingRefreshIntervalMS >= c.PairingArtifactTTLMS {
		return fmt.Errorf(
			"PAIRING_REFRESH_INTERVAL_MS (%d) must be strictly less than PAIRING_ARTIFACT_TTL_MS (%d)",
			c.PairingRefreshIntervalMS, c.PairingArtifactTTLMS,
		)
	}

	if !strings.HasPrefix(c.GatewayURL, "http://") && !strings.HasPrefix(c.GatewayURL, "https://") {
		return fmt.Errorf("GATEWAY_URL must be an http(s) URL")
	}

	if isProduction {
		if err := validateSecret("CONSOLE_TOKEN", c.ConsoleToken); err != nil {
			return err
		}

		if c.GatewayToken == "" {
			log.Warn().Msg("GATEWAY_TOKEN is empty in production: gateway requests will be unauthenticated")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if strings.HasPrefix(c.GatewayURL, "http://") {
			log.Warn().Msg("GATEWAY_URL uses http:// (not TLS) in production: consider using https://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
