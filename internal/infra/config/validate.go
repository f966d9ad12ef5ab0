package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateBackend(cfg, ve)
	validateCast(cfg, ve)
	validateHTTP(cfg, ve)
	validateGateway(cfg, ve)
	validateStore(cfg, ve)
	validateSessions(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateBackend(cfg *Config, ve *ValidationError) {
	b := cfg.Backend
	switch b.Type {
	case "coze":
		if b.APIToken == "" {
			ve.Add("backend.api_token is required for the coze backend")
		}
		if u, err := url.Parse(b.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("backend.base_url %q is not a valid URL", b.BaseURL)
		}
	case "scripted":
	default:
		ve.Add("backend.type %q is invalid (want: coze, scripted)", b.Type)
	}
	if b.ConnTimeout < 0 || b.RespTimeout < 0 {
		ve.Add("backend timeouts must not be negative")
	}
	if b.CircuitBreaker.Enabled && b.CircuitBreaker.Timeout < 0 {
		ve.Add("backend.circuit_breaker.timeout must not be negative")
	}
}

func validateCast(cfg *Config, ve *ValidationError) {
	c := cfg.Cast
	ids := make(map[string]bool)
	names := make(map[string]bool)
	for i, ch := range c.Characters {
		if ch.ID == "" {
			ve.Add("cast.characters[%d].id must not be empty", i)
		}
		if ch.Name == "" {
			ve.Add("cast.characters[%d].name must not be empty", i)
		}
		if ids[ch.ID] {
			ve.Add("cast.characters[%d].id %q is duplicated", i, ch.ID)
		}
		if names[ch.Name] {
			ve.Add("cast.characters[%d].name %q is duplicated", i, ch.Name)
		}
		ids[ch.ID], names[ch.Name] = true, true
		if w := ch.SpeakingWillingness; w != nil && (*w < 1 || *w > 10) {
			ve.Add("cast.characters[%d].speaking_willingness %d is out of range [1,10]", i, *w)
		}
	}

	for field, d := range map[string]AgentConfig{
		"user_dispatcher":      c.UserDispatcher,
		"character_dispatcher": c.CharacterDispatcher,
	} {
		if d.ID == "" {
			ve.Add("cast.%s.id must not be empty", field)
		}
		if ids[d.ID] {
			ve.Add("cast.%s.id %q collides with a character", field, d.ID)
		}
		if d.ID == "dispatcher" || d.ID == "character_dispatcher" {
			ve.Add("cast.%s.id %q is reserved", field, d.ID)
		}
	}
	if c.UserDispatcher.ID != "" && c.UserDispatcher.ID == c.CharacterDispatcher.ID {
		ve.Add("cast dispatchers must have distinct ids")
	}
	if strings.TrimSpace(c.UserToken) == "" {
		ve.Add("cast.user_token must not be empty")
	}
	if c.MaxAutoTurns < 1 {
		ve.Add("cast.max_auto_turns must be at least 1")
	}
}

func validateHTTP(cfg *Config, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(cfg.HTTP.Addr); err != nil {
		ve.Add("http.addr %q is not a valid host:port", cfg.HTTP.Addr)
	}
	if cfg.HTTP.CookieName == "" {
		ve.Add("http.cookie_name must not be empty")
	}
	if rl := cfg.HTTP.RateLimit; rl.Enabled && (rl.RequestsPerMinute <= 0 || rl.Burst <= 0) {
		ve.Add("http.rate_limit requires positive requests_per_minute and burst")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	for i, tok := range cfg.Gateway.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.tokens[%d]: token is required", i)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Type {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required for the sqlite store")
		}
	default:
		ve.Add("store.type %q is invalid (want: memory, sqlite)", cfg.Store.Type)
	}
	if cfg.Store.TokenRetention < 0 {
		ve.Add("store.token_retention must not be negative")
	}
	if cfg.Store.TokenRetention > 0 && cfg.Store.PruneSchedule == "" {
		ve.Add("store.prune_schedule is required when token_retention is set")
	}
}

func validateSessions(cfg *Config, ve *ValidationError) {
	if cfg.Sessions.IdleTTL < 0 {
		ve.Add("sessions.idle_ttl must not be negative")
	}
	if cfg.Sessions.IdleTTL > 0 && cfg.Sessions.ReapSchedule == "" {
		ve.Add("sessions.reap_schedule is required when idle_ttl is set")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}
