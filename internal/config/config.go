package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"cdpwatch/internal/logger"
	"cdpwatch/pkg/domain"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Browser struct {
		Endpoint string `yaml:"endpoint"` // http://host:port 或 ws:// 调试地址
		SlowMoMS int    `yaml:"slowMoMS"`
	} `yaml:"browser"`

	Network struct {
		IgnoreHTTPSErrors   bool                      `yaml:"ignoreHTTPSErrors"`
		RequestInterception bool                      `yaml:"requestInterception"`
		CacheDisabled       bool                      `yaml:"cacheDisabled"`
		Offline             bool                      `yaml:"offline"`
		ExtraHTTPHeaders    map[string]string         `yaml:"extraHTTPHeaders"`
		UserAgent           string                    `yaml:"userAgent"`
		UserAgentMetadata   *domain.UserAgentMetadata `yaml:"userAgentMetadata"`
		Credentials         *domain.Credentials       `yaml:"credentials"`
		Conditions          *domain.NetworkConditions `yaml:"conditions"`
	} `yaml:"network"`

	Rules struct {
		File string `yaml:"file"`
	} `yaml:"rules"`

	Sqlite struct {
		Enabled bool   `yaml:"enabled"`
		Dsn     string `yaml:"dsn"`
		Prefix  string `yaml:"prefix"`
		Buffer  int    `yaml:"buffer"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Browser.Endpoint = "http://127.0.0.1:9222"
	c.Sqlite.Dsn = "cdpwatch.sqlite3"
	c.Sqlite.Prefix = "cdpwatch_"
	c.Sqlite.Buffer = 256
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Log.File = "logs/cdpwatch.log"
	return c
}

// Load 在默认配置上叠加 YAML 文件，path 为空时只返回默认配置
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Browser.Endpoint == "" {
		return fmt.Errorf("%w: browser.endpoint is empty", ErrInvalidConfig)
	}
	if c.Browser.SlowMoMS < 0 {
		return fmt.Errorf("%w: browser.slowMoMS must not be negative", ErrInvalidConfig)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
	}
	for _, w := range c.Log.Writer {
		if w != "console" && w != "file" {
			return fmt.Errorf("%w: unknown log writer %q", ErrInvalidConfig, w)
		}
	}
	if c.Sqlite.Enabled && c.Sqlite.Dsn == "" {
		return fmt.Errorf("%w: sqlite.dsn is empty", ErrInvalidConfig)
	}
	if creds := c.Network.Credentials; creds != nil && creds.Username == "" {
		return fmt.Errorf("%w: network.credentials.username is empty", ErrInvalidConfig)
	}
	return nil
}

// LoggerOptions 转换为日志配置
func (c *Config) LoggerOptions() logger.Options {
	opts := logger.DefaultOptions()
	if c.Log.Level != "" {
		opts.Level = c.Log.Level
	}
	if len(c.Log.Writer) > 0 {
		opts.Writers = c.Log.Writer
	}
	if c.Log.File != "" {
		opts.FilePath = c.Log.File
	}
	return opts
}

// SessionConfig 转换为服务层会话配置
func (c *Config) SessionConfig() domain.SessionConfig {
	return domain.SessionConfig{
		DevToolsURL:         c.Browser.Endpoint,
		IgnoreHTTPSErrors:   c.Network.IgnoreHTTPSErrors,
		RequestInterception: c.Network.RequestInterception,
		CacheDisabled:       c.Network.CacheDisabled,
		Offline:             c.Network.Offline,
		ExtraHTTPHeaders:    c.Network.ExtraHTTPHeaders,
		UserAgent:           c.Network.UserAgent,
		UserAgentMetadata:   c.Network.UserAgentMetadata,
		Credentials:         c.Network.Credentials,
		Conditions:          c.Network.Conditions,
		SlowMoMS:            c.Browser.SlowMoMS,
		RulesFile:           c.Rules.File,
	}
}
