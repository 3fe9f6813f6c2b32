// Package config loads relay configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Upstream drivers.
const (
	DriverSSE       = "sse"
	DriverLangChain = "langchain"
)

// LLM providers for the langchain driver.
const (
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Upstream UpstreamConfig `yaml:"upstream"`
	History  HistoryConfig  `yaml:"history"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WSPingInterval  time.Duration `yaml:"ws_ping_interval"`
	// TurnQueue bounds how many inbound frames wait while a turn is running.
	TurnQueue int `yaml:"turn_queue"`
	// AllowedOrigins restricts WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type UpstreamConfig struct {
	Driver                string        `yaml:"driver"`
	Provider              string        `yaml:"provider"`
	BaseURL               string        `yaml:"base_url"`
	APIKey                string        `yaml:"api_key"`
	DefaultModel          string        `yaml:"default_model"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

type HistoryConfig struct {
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
}

// AuthConfig maps bearer tokens to user ids.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8888",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			WSPingInterval:  30 * time.Second,
			TurnQueue:       8,
		},
		Database: DatabaseConfig{Path: "padi-relay.db"},
		Upstream: UpstreamConfig{
			Driver:                DriverSSE,
			Provider:              ProviderOpenAI,
			BaseURL:               "https://api.apiyi.com",
			DefaultModel:          "gpt-3.5-turbo",
			ResponseHeaderTimeout: 60 * time.Second,
		},
		History: HistoryConfig{
			DefaultPageSize: 20,
			MaxPageSize:     200,
		},
		Auth: AuthConfig{Tokens: map[string]string{}},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if path
// is non-empty) and environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("RELAY_ADDR", c.Server.Addr)
	c.Database.Path = getEnv("RELAY_DB_PATH", c.Database.Path)
	c.Upstream.Driver = getEnv("RELAY_UPSTREAM_DRIVER", c.Upstream.Driver)
	c.Upstream.Provider = getEnv("RELAY_LLM_PROVIDER", c.Upstream.Provider)
	c.Upstream.BaseURL = getEnv("OPENAI_BASE_URL", c.Upstream.BaseURL)
	c.Upstream.APIKey = getEnv("OPENAI_API_KEY", c.Upstream.APIKey)
	c.Upstream.DefaultModel = getEnv("RELAY_DEFAULT_MODEL", c.Upstream.DefaultModel)
	c.Log.Level = getEnv("RELAY_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("RELAY_LOG_FORMAT", c.Log.Format)
	c.Server.TurnQueue = getEnvInt("RELAY_TURN_QUEUE", c.Server.TurnQueue)

	if raw := os.Getenv("RELAY_AUTH_TOKENS"); raw != "" {
		tokens, err := parseTokens(raw)
		if err != nil {
			return err
		}
		if c.Auth.Tokens == nil {
			c.Auth.Tokens = map[string]string{}
		}
		for token, user := range tokens {
			c.Auth.Tokens[token] = user
		}
	}
	return nil
}

// parseTokens reads "token:user,token:user".
func parseTokens(raw string) (map[string]string, error) {
	tokens := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("RELAY_AUTH_TOKENS: malformed entry %q", pair)
		}
		tokens[token] = user
	}
	return tokens, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	var errs []error

	switch c.Upstream.Driver {
	case DriverSSE:
		if c.Upstream.BaseURL == "" {
			errs = append(errs, errors.New("upstream.base_url is required for the sse driver"))
		}
	case DriverLangChain:
		switch c.Upstream.Provider {
		case ProviderOpenAI, ProviderOllama, ProviderAnthropic:
		default:
			errs = append(errs, fmt.Errorf("unsupported LLM provider: %s", c.Upstream.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported upstream driver: %s", c.Upstream.Driver))
	}

	if c.History.DefaultPageSize <= 0 || c.History.MaxPageSize <= 0 {
		errs = append(errs, errors.New("history page sizes must be positive"))
	} else if c.History.DefaultPageSize > c.History.MaxPageSize {
		errs = append(errs, errors.New("history.default_page_size exceeds history.max_page_size"))
	}
	if c.Server.TurnQueue <= 0 {
		errs = append(errs, errors.New("server.turn_queue must be positive"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
