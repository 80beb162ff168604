package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/psi/internal/domain/aggregate"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	CodeSetPath      string        `mapstructure:"CODESET_PATH"`
	CodeSetVersion   string        `mapstructure:"CODESET_VERSION"`
	IndicatorVersion string        `mapstructure:"INDICATOR_VERSION"`
	IndicatorDir     string        `mapstructure:"INDICATOR_DIR"`
	Workers          int           `mapstructure:"WORKERS"`
	DefaultFacility  string        `mapstructure:"DEFAULT_FACILITY"`
	StratifyBy       string        `mapstructure:"STRATIFY_BY"`
	AgeBands         string        `mapstructure:"AGE_BANDS"`
	MaxUploadMB      int64         `mapstructure:"MAX_UPLOAD_MB"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins      []string      `mapstructure:"-"`
	AuthSigningKey   string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience     string        `mapstructure:"AUTH_AUDIENCE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CODESET_PATH", "CODESET_VERSION", "INDICATOR_VERSION", "INDICATOR_DIR",
	"WORKERS", "DEFAULT_FACILITY", "STRATIFY_BY", "AGE_BANDS", "MAX_UPLOAD_MB",
	"REQUEST_TIMEOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
}

// Load reads .env (when present) and the environment. It does not validate;
// commands call Validate once they know which settings they need.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CODESET_PATH", "codesets/PSI_Code_Sets.json")
	v.SetDefault("CODESET_VERSION", "2024")
	v.SetDefault("INDICATOR_VERSION", "2024")
	v.SetDefault("WORKERS", 0)
	v.SetDefault("STRATIFY_BY", "facility")
	v.SetDefault("AGE_BANDS", "18,40,65,75")
	v.SetDefault("MAX_UPLOAD_MB", 50)
	v.SetDefault("REQUEST_TIMEOUT", "5m")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up.
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Strata parses STRATIFY_BY and AGE_BANDS.
func (c *Config) Strata() (aggregate.Stratification, error) {
	var bands aggregate.AgeBands
	if strings.TrimSpace(c.AgeBands) != "" {
		var err error
		if bands, err = aggregate.ParseAgeBands(c.AgeBands); err != nil {
			return aggregate.Stratification{}, fmt.Errorf("AGE_BANDS: %w", err)
		}
	}
	s, err := aggregate.ParseStratification(c.StratifyBy, bands)
	if err != nil {
		return aggregate.Stratification{}, fmt.Errorf("STRATIFY_BY: %w", err)
	}
	return s, nil
}

func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// Validate checks the settings every command relies on. Outside development
// a signing key is required so that bearer tokens are actually verified.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("WORKERS must not be negative, got %d", c.Workers)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive, got %d", c.MaxUploadMB)
	}
	if c.IndicatorVersion == "" && c.IndicatorDir == "" {
		return fmt.Errorf("INDICATOR_VERSION or INDICATOR_DIR is required")
	}
	if c.CodeSetPath == "" {
		return fmt.Errorf("CODESET_PATH is required")
	}
	if _, err := c.Strata(); err != nil {
		return err
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
