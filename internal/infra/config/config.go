package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "troupe.yaml"

// DefaultCozeBaseURL is the Coze China endpoint.
const DefaultCozeBaseURL = "https://api.coze.cn"

// Config is the top-level application configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Cast     CastConfig     `yaml:"cast"`
	HTTP     HTTPConfig     `yaml:"http"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Store    StoreConfig    `yaml:"store"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Includes []string       `yaml:"includes,omitempty"`
}

// BackendConfig selects and tunes the conversational backend.
type BackendConfig struct {
	Type           string               `yaml:"type"` // coze | scripted
	BaseURL        string               `yaml:"base_url"`
	APIToken       string               `yaml:"api_token"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Scripted       ScriptedConfig       `yaml:"scripted"`
}

// PoolConfig holds HTTP connection pool settings for the backend client.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig holds circuit breaker settings for the backend.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ScriptedConfig configures the offline backend. Replies are keyed by persona
// ID and consumed in order; personas without replies echo.
type ScriptedConfig struct {
	Replies map[string][]string `yaml:"replies,omitempty"`
}

// AgentConfig identifies one persona on the backend.
type AgentConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// CharacterConfig is a character persona. A nil willingness means the default.
type CharacterConfig struct {
	AgentConfig         `yaml:",inline"`
	SpeakingWillingness *int `yaml:"speaking_willingness,omitempty"`
}

// Willingness returns the configured willingness or def.
func (c CharacterConfig) Willingness(def int) int {
	if c.SpeakingWillingness == nil {
		return def
	}
	return *c.SpeakingWillingness
}

// CastConfig describes the characters and dispatchers of every session.
type CastConfig struct {
	Characters          []CharacterConfig `yaml:"characters"`
	UserDispatcher      AgentConfig       `yaml:"user_dispatcher"`
	CharacterDispatcher AgentConfig       `yaml:"character_dispatcher"`
	UserToken           string            `yaml:"user_token"`
	MaxAutoTurns        int               `yaml:"max_auto_turns"`
}

// HTTPConfig holds the JSON API listener settings.
type HTTPConfig struct {
	Addr         string          `yaml:"addr"`
	CookieName   string          `yaml:"cookie_name"`
	CookieSecure bool            `yaml:"cookie_secure"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-client request limits.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies,omitempty"`
}

// GatewayConfig holds the WebSocket conversation gateway settings.
type GatewayConfig struct {
	Enabled bool           `yaml:"enabled"`
	Addr    string         `yaml:"addr"`
	Tokens  []GatewayToken `yaml:"tokens,omitempty"` // empty = no authentication
}

// GatewayToken is a static client credential for the gateway.
type GatewayToken struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// StoreConfig selects where continuation tokens live.
type StoreConfig struct {
	Type           string        `yaml:"type"` // memory | sqlite
	Path           string        `yaml:"path"`
	TokenRetention time.Duration `yaml:"token_retention"` // 0 = keep forever
	PruneSchedule  string        `yaml:"prune_schedule"`
}

// SessionsConfig controls idle session reaping.
type SessionsConfig struct {
	IdleTTL      time.Duration `yaml:"idle_ttl"`
	ReapSchedule string        `yaml:"reap_schedule"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns $HOME/.troupe/data, or ./data without a home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".troupe", "data")
}

// Defaults returns a Config carrying the stock mystery cast.
func Defaults() *Config {
	return &Config{
		Backend: BackendConfig{
			Type:        "coze",
			BaseURL:     DefaultCozeBaseURL,
			ConnTimeout: 30 * time.Second,
			RespTimeout: 120 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Cast: CastConfig{
			Characters: []CharacterConfig{
				{AgentConfig: AgentConfig{ID: "7491319002259128320", Name: "神秘侦探", Description: "擅长推理和分析线索的侦探角色"}},
				{AgentConfig: AgentConfig{ID: "7494275236897619994", Name: "疑似嫌犯", Description: "行为可疑且有重要线索的角色"}},
				{AgentConfig: AgentConfig{ID: "7494275547825602594", Name: "知情目击者", Description: "目睹了案件关键情节的证人角色"}},
			},
			UserDispatcher:      AgentConfig{ID: "7494277340248211490", Name: "用户发言对象检测", Description: "基于用户发言识别发言对象"},
			CharacterDispatcher: AgentConfig{ID: "7495228391927332891", Name: "智能体发言对象检测", Description: "基于智能体发言识别发言对象"},
			UserToken:           "用户",
			MaxAutoTurns:        3,
		},
		HTTP: HTTPConfig{
			Addr:       ":8080",
			CookieName: "troupe_session",
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 60,
				Burst:             10,
			},
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    ":8081",
		},
		Store: StoreConfig{
			Type:           "memory",
			Path:           filepath.Join(defaultDataDir(), "troupe.db"),
			TokenRetention: 7 * 24 * time.Hour,
			PruneSchedule:  "@daily",
		},
		Sessions: SessionsConfig{
			IdleTTL:      2 * time.Hour,
			ReapSchedule: "*/10 * * * *",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file wins over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("TROUPE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps TROUPE_* env vars to config fields. COZE_API_TOKEN
// and COZE_API_BASE are honored when the TROUPE_ variants are unset.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
			*dst = v
		}
	}

	setString(&cfg.Backend.Type, "TROUPE_BACKEND_TYPE")
	setString(&cfg.Backend.BaseURL, "TROUPE_BACKEND_BASE_URL", "COZE_API_BASE")
	setString(&cfg.Backend.APIToken, "TROUPE_BACKEND_API_TOKEN", "COZE_API_TOKEN")
	setString(&cfg.Logger.Level, "TROUPE_LOGGER_LEVEL")
	setString(&cfg.Logger.Format, "TROUPE_LOGGER_FORMAT")
	setBool(&cfg.Tracer.Enabled, "TROUPE_TRACER_ENABLED")
	setString(&cfg.Tracer.Exporter, "TROUPE_TRACER_EXPORTER")
	setString(&cfg.Store.Type, "TROUPE_STORE_TYPE")
	setString(&cfg.Store.Path, "TROUPE_STORE_PATH")
	setString(&cfg.HTTP.Addr, "TROUPE_HTTP_ADDR")
	setBool(&cfg.Gateway.Enabled, "TROUPE_GATEWAY_ENABLED")
	setString(&cfg.Gateway.Addr, "TROUPE_GATEWAY_ADDR")
	if v := os.Getenv("TROUPE_CAST_MAX_AUTO_TURNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cast.MaxAutoTurns = n
		}
	}
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if err := decryptField(&cfg.Backend.APIToken, passphrase); err != nil {
		return fmt.Errorf("backend api_token: %w", err)
	}
	for i := range cfg.Gateway.Tokens {
		if err := decryptField(&cfg.Gateway.Tokens[i].Token, passphrase); err != nil {
			return fmt.Errorf("gateway token %q: %w", cfg.Gateway.Tokens[i].Name, err)
		}
	}
	return nil
}

// decryptField replaces an "enc:"-prefixed value with its plaintext.
func decryptField(v *string, passphrase string) error {
	if !strings.HasPrefix(*v, "enc:") {
		return nil
	}
	plain, err := DecryptValue(strings.TrimPrefix(*v, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*v = plain
	return nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
