package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           17320,
			RateLimitRPM:   120,
			ClientGraceSec: 60,
		},
		Sessions: SessionsConfig{
			Storage:        "~/.arbiter/sessions",
			IdleTimeoutMin: 240,
			TokenBudget:    24000,
			EvictionCron:   "*/10 * * * *",
		},
		Inbox: InboxConfig{
			MaxItems:     100,
			RetentionHrs: 24,
			SweepCron:    "0 * * * *",
		},
		Turns: TurnsConfig{
			MaxIterations: 10,
			Temperature:   0.1,
			TimeoutSec:    30,
			MaxRetries:    2,
		},
		Archive: ArchiveConfig{
			Path:       "~/.arbiter/archive.db",
			VacuumCron: "0 4 * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("ARBITER_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("ARBITER_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("ARBITER_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("ARBITER_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("ARBITER_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("ARBITER_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("ARBITER_MISTRAL_API_KEY", &c.Providers.Mistral.APIKey)
	envStr("ARBITER_OLLAMA_BASE_URL", &c.Providers.Ollama.BaseURL)

	envStr("ARBITER_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("ARBITER_HOST", &c.Gateway.Host)
	if v := os.Getenv("ARBITER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("ARBITER_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("ARBITER_ARCHIVE_PATH", &c.Archive.Path)
	if v := os.Getenv("ARBITER_ARCHIVE_ENABLED"); v != "" {
		c.Archive.Enabled = v == "true" || v == "1"
	}

	envStr("ARBITER_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("ARBITER_MODE", &c.Database.Mode)

	envStr("ARBITER_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ARBITER_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ARBITER_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("ARBITER_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ARBITER_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("ARBITER_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("ARBITER_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("ARBITER_TSNET_DIR", &c.Tailscale.StateDir)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
