package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrSecretMissing is returned when the token backend starts without a Direct Line secret.
var ErrSecretMissing = errors.New("DIRECTLINE_SECRET is not set")

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	DirectLine DirectLineConfig
	Chat       ChatConfig
	Log        LogConfig
	Mock       MockConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port               string   `env:"PORT" envDefault:"3001"`
	CorsAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	TokenRateLimit     float64  `env:"TOKEN_RATE_LIMIT" envDefault:"1"`
	TokenRateBurst     int      `env:"TOKEN_RATE_BURST" envDefault:"5"`

	// Addr is derived from Port.
	Addr string `env:"-"`
}

// DirectLineConfig describes the upstream bot transport.
type DirectLineConfig struct {
	Secret             string        `env:"DIRECTLINE_SECRET"`
	BaseURL            string        `env:"DIRECTLINE_BASE_URL" envDefault:"https://directline.botframework.com/v3/directline"`
	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT" envDefault:"20s"`
	TokenEndpoint      string        `env:"TOKEN_ENDPOINT" envDefault:"http://localhost:3001/api/directline/token"`
	TokenRefreshBefore time.Duration `env:"TOKEN_REFRESH_BEFORE" envDefault:"5m"`
}

// ChatConfig describes the chat surface behaviour.
type ChatConfig struct {
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	SessionTTL   time.Duration `env:"SESSION_TTL" envDefault:"30m"`
}

// LogConfig describes logging output.
type LogConfig struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	FilePath    string `env:"LOG_FILE_PATH"`
	Level       string `env:"LOG_LEVEL" envDefault:"info"`
}

// IsProduction reports whether logs should be JSON encoded.
func (c LogConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// MockConfig describes the local Direct Line simulator.
type MockConfig struct {
	Port       string        `env:"MOCK_PORT" envDefault:"3978"`
	Secret     string        `env:"MOCK_SECRET" envDefault:"local-directline-secret"`
	SigningKey string        `env:"MOCK_SIGNING_KEY" envDefault:"local-directline-signing-key-0123456789"`
	TokenTTL   time.Duration `env:"MOCK_TOKEN_TTL" envDefault:"30m"`

	Addr string `env:"-"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	addr, err := resolveAddr("PORT", cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	mockAddr, err := resolveAddr("MOCK_PORT", cfg.Mock.Port)
	if err != nil {
		return nil, err
	}
	cfg.Mock.Addr = mockAddr

	cfg.DirectLine.Secret = strings.TrimSpace(cfg.DirectLine.Secret)
	cfg.DirectLine.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.DirectLine.BaseURL), "/")

	if cfg.Chat.PollInterval <= 0 {
		return nil, fmt.Errorf("invalid POLL_INTERVAL value %q: must be positive", cfg.Chat.PollInterval)
	}
	if cfg.Server.TokenRateLimit <= 0 || cfg.Server.TokenRateBurst < 1 {
		return nil, fmt.Errorf("invalid token rate limit %v/%d", cfg.Server.TokenRateLimit, cfg.Server.TokenRateBurst)
	}

	return &cfg, nil
}

// Validate checks what the token backend needs before it can serve.
func (c DirectLineConfig) Validate() error {
	if c.Secret == "" {
		return ErrSecretMissing
	}
	if c.BaseURL == "" {
		return fmt.Errorf("DIRECTLINE_BASE_URL is empty")
	}
	return nil
}

// resolveAddr 解析服务器监听地址。
func resolveAddr(key, port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		return "", fmt.Errorf("%s is empty", key)
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid %s value: %q", key, port)
	}

	return ":" + port, nil
}
