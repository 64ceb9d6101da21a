package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIBaseURL = "https://discord.com/api/v10"

	minTokenLength = 50
	minSnowflake   = 17
	maxSnowflake   = 19
)

// APIKeyConfig describes a caller key accepted by the HTTP surface.
type APIKeyConfig struct {
	Key     string   `yaml:"key"`
	Name    string   `yaml:"name"`
	Role    string   `yaml:"role"`
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"`
}

// Config holds configuration loaded from a YAML file and environment variables.
type Config struct {
	BotToken        string   `yaml:"bot_token"`
	ApplicationID   string   `yaml:"application_id"`
	AllowedGuilds   []string `yaml:"allowed_guilds"`
	AllowedChannels []string `yaml:"allowed_channels"`

	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	APIBaseURL        string        `yaml:"api_base_url"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`

	ServerName    string `yaml:"server_name"`
	ServerVersion string `yaml:"server_version"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`

	ListenAddr              string         `yaml:"listen_addr"`
	GracefulShutdownTimeout int            `yaml:"graceful_shutdown_timeout"`
	RedisAddr               string         `yaml:"redis_addr"`
	BudgetKey               string         `yaml:"budget_key"`
	JWTSecret               string         `yaml:"jwt_secret"`
	JWTIssuer               string         `yaml:"jwt_issuer"`
	JWTAudience             string         `yaml:"jwt_audience"`
	JWKSURL                 string         `yaml:"jwks_url"`
	APIKeys                 []APIKeyConfig `yaml:"api_keys"`
	InboundRPS              float64        `yaml:"inbound_rps"`
	InboundBurst            int            `yaml:"inbound_burst"`
}

// Defaults returns a Config with every optional field populated.
func Defaults() Config {
	return Config{
		RequestsPerSecond:       5,
		BurstSize:               10,
		APIBaseURL:              DefaultAPIBaseURL,
		RequestTimeout:          30 * time.Second,
		BreakerThreshold:        5,
		BreakerCooldown:         30 * time.Second,
		ServerName:              "Discord MCP Server",
		ServerVersion:           "0.1.0",
		LogLevel:                "INFO",
		LogFormat:               "json",
		ListenAddr:              ":8080",
		GracefulShutdownTimeout: 15,
		BudgetKey:               "discord:budget",
		InboundRPS:              20,
		InboundBurst:            40,
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// CONFIG_FILE and then environment variables, and validates the result.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = SplitIDs(v)
		}
	}

	str("DISCORD_BOT_TOKEN", &c.BotToken)
	str("DISCORD_APPLICATION_ID", &c.ApplicationID)
	list("ALLOWED_GUILDS", &c.AllowedGuilds)
	list("ALLOWED_CHANNELS", &c.AllowedChannels)
	str("DISCORD_API_BASE_URL", &c.APIBaseURL)
	str("SERVER_NAME", &c.ServerName)
	str("SERVER_VERSION", &c.ServerVersion)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("REDIS_ADDR", &c.RedisAddr)
	str("RATE_LIMIT_BUDGET_KEY", &c.BudgetKey)
	str("JWT_SECRET", &c.JWTSecret)
	str("JWT_ISS", &c.JWTIssuer)
	str("JWT_AUD", &c.JWTAudience)
	str("JWT_JWKS_URL", &c.JWKSURL)

	var errs []error
	parse := func(key string, fn func(string) error) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		if err := fn(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	parse("RATE_LIMIT_REQUESTS_PER_SECOND", func(v string) (err error) {
		c.RequestsPerSecond, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("RATE_LIMIT_BURST_SIZE", func(v string) (err error) {
		c.BurstSize, err = strconv.Atoi(v)
		return err
	})
	parse("INBOUND_RPS", func(v string) (err error) {
		c.InboundRPS, err = strconv.ParseFloat(v, 64)
		return err
	})
	parse("INBOUND_BURST", func(v string) (err error) {
		c.InboundBurst, err = strconv.Atoi(v)
		return err
	})
	parse("BREAKER_THRESHOLD", func(v string) (err error) {
		c.BreakerThreshold, err = strconv.Atoi(v)
		return err
	})
	parse("BREAKER_COOLDOWN", func(v string) (err error) {
		c.BreakerCooldown, err = time.ParseDuration(v)
		return err
	})
	parse("DISCORD_REQUEST_TIMEOUT", func(v string) (err error) {
		c.RequestTimeout, err = time.ParseDuration(v)
		return err
	})
	parse("GRACEFUL_SHUTDOWN_TIMEOUT", func(v string) (err error) {
		c.GracefulShutdownTimeout, err = strconv.Atoi(v)
		return err
	})
	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if len(c.BotToken) < minTokenLength {
		errs = append(errs, fmt.Errorf("bot token must be at least %d characters", minTokenLength))
	}
	if n := len(c.ApplicationID); n < minSnowflake || n > maxSnowflake || !isDigits(c.ApplicationID) {
		errs = append(errs, fmt.Errorf("application id must be %d-%d digits", minSnowflake, maxSnowflake))
	}
	if !finite(c.RequestsPerSecond) || c.RequestsPerSecond <= 0 || c.RequestsPerSecond > 50 {
		errs = append(errs, fmt.Errorf("requests per second must be in (0, 50], got %v", c.RequestsPerSecond))
	}
	if c.BurstSize <= 0 || c.BurstSize > 100 {
		errs = append(errs, fmt.Errorf("burst size must be in (0, 100], got %d", c.BurstSize))
	}
	if !finite(c.InboundRPS) || c.InboundRPS <= 0 {
		errs = append(errs, fmt.Errorf("inbound rps must be a positive number, got %v", c.InboundRPS))
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.LogFormat))
	}
	if c.BreakerThreshold < 0 {
		errs = append(errs, errors.New("breaker threshold must not be negative"))
	}
	return errors.Join(errs...)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// SplitIDs parses a comma separated id list, dropping blanks. An input without
// any id yields nil, which means unrestricted.
func SplitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// AuthEnabled reports whether any caller authentication is configured.
func (c Config) AuthEnabled() bool {
	return c.JWTSecret != "" || c.JWKSURL != "" || len(c.APIKeys) > 0
}

// UserAgent is the value sent upstream in the User-Agent header.
func (c Config) UserAgent() string {
	return c.ServerName + "/" + c.ServerVersion
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
