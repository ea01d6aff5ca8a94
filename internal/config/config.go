package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the arbiter backend.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Providers ProvidersConfig `json:"providers"`
	Sessions  SessionsConfig  `json:"sessions"`
	Inbox     InboxConfig     `json:"inbox"`
	Turns     TurnsConfig     `json:"turns"`
	Archive   ArchiveConfig   `json:"archive,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the WebSocket listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env ARBITER_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// RateLimitRPM caps inbound frames per client per minute.
	// 0 disables limiting.
	RateLimitRPM int `json:"rate_limit_rpm"`

	// ClientGraceSec is how long a disconnected client's inbox survives
	// before it is torn down.
	ClientGraceSec int `json:"client_grace_sec"`
}

// ProviderConfig holds credentials and endpoint overrides for one provider.
type ProviderConfig struct {
	APIKey  string `json:"-"` // env only, never persisted
	BaseURL string `json:"base_url,omitempty"`
}

// ProvidersConfig holds per-provider credentials.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic,omitempty"`
	OpenAI     ProviderConfig `json:"openai,omitempty"`
	OpenRouter ProviderConfig `json:"openrouter,omitempty"`
	Groq       ProviderConfig `json:"groq,omitempty"`
	DeepSeek   ProviderConfig `json:"deepseek,omitempty"`
	Gemini     ProviderConfig `json:"gemini,omitempty"`
	Mistral    ProviderConfig `json:"mistral,omitempty"`
	Ollama     ProviderConfig `json:"ollama,omitempty"`
}

// SessionsConfig configures conversation session storage and eviction.
type SessionsConfig struct {
	Storage        string `json:"storage"`          // snapshot dir, standalone mode
	IdleTimeoutMin int    `json:"idle_timeout_min"` // sessions idle longer are evicted
	TokenBudget    int    `json:"token_budget"`     // history pruning budget (estimated tokens)
	EvictionCron   string `json:"eviction_cron"`    // gronx expression for the eviction sweep
}

// InboxConfig bounds per-client message collection.
type InboxConfig struct {
	MaxItems     int    `json:"max_items"`     // per log (chat, rolls)
	RetentionHrs int    `json:"retention_hrs"` // age bound, oldest evicted
	SweepCron    string `json:"sweep_cron"`    // gronx expression for the retention sweep
}

// TurnsConfig bounds orchestrator behaviour.
type TurnsConfig struct {
	MaxIterations int     `json:"max_iterations"` // tool loop step budget
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens,omitempty"` // 0 = provider default
	TimeoutSec    int     `json:"timeout_sec"`          // provider call timeout
	MaxRetries    int     `json:"max_retries"`          // transport-level retries only
}

// ArchiveConfig configures the optional sqlite event archive.
type ArchiveConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	VacuumCron string `json:"vacuum_cron,omitempty"`
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is never read from the config file — env ARBITER_POSTGRES_DSN only.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode reports whether sessions persist to Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener.
// Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // env ARBITER_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// SessionIdleTimeout returns the session idle timeout as a duration.
func (c *Config) SessionIdleTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Sessions.IdleTimeoutMin) * time.Minute
}

// InboxRetention returns the inbox age bound as a duration.
func (c *Config) InboxRetention() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Inbox.RetentionHrs) * time.Hour
}

// ClientGrace returns the post-disconnect inbox grace window.
func (c *Config) ClientGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Gateway.ClientGraceSec) * time.Second
}

// RateLimitRPM returns the per-client inbound frame budget.
func (c *Config) RateLimitRPM() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway.RateLimitRPM
}

// TurnsSnapshot returns a copy of the turn tunables. Callers must not hold
// onto it across turns; the watcher swaps the live values on reload.
func (c *Config) TurnsSnapshot() TurnsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Turns
}

// SessionTokenBudget returns the conversation pruning budget.
func (c *Config) SessionTokenBudget() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Sessions.TokenBudget
}

// ProviderFor returns the credentials block for a provider id.
func (c *Config) ProviderFor(id string) ProviderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch id {
	case "anthropic":
		return c.Providers.Anthropic
	case "openai":
		return c.Providers.OpenAI
	case "openrouter":
		return c.Providers.OpenRouter
	case "groq":
		return c.Providers.Groq
	case "deepseek":
		return c.Providers.DeepSeek
	case "gemini":
		return c.Providers.Gemini
	case "mistral":
		return c.Providers.Mistral
	case "ollama":
		return c.Providers.Ollama
	}
	return ProviderConfig{}
}

// Replace swaps the mutable tunables from a freshly loaded config.
// Used by the fsnotify watcher; listener settings are deliberately not
// swapped because the server socket is already bound.
func (c *Config) Replace(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sessions = next.Sessions
	c.Inbox = next.Inbox
	c.Turns = next.Turns
	c.Archive = next.Archive
	c.Gateway.RateLimitRPM = next.Gateway.RateLimitRPM
	c.Gateway.ClientGraceSec = next.Gateway.ClientGraceSec
}

const secretMask = "***"

// MaskedCopy returns a shallow copy with secret fields masked.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := &Config{
		Gateway:   c.Gateway,
		Providers: c.Providers,
		Sessions:  c.Sessions,
		Inbox:     c.Inbox,
		Turns:     c.Turns,
		Archive:   c.Archive,
		Database:  c.Database,
		Telemetry: c.Telemetry,
		Tailscale: c.Tailscale,
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.OpenRouter.APIKey)
	maskNonEmpty(&cp.Providers.Groq.APIKey)
	maskNonEmpty(&cp.Providers.DeepSeek.APIKey)
	maskNonEmpty(&cp.Providers.Gemini.APIKey)
	maskNonEmpty(&cp.Providers.Mistral.APIKey)
	maskNonEmpty(&cp.Database.PostgresDSN)
	maskNonEmpty(&cp.Tailscale.AuthKey)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
