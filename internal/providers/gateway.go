package providers

import (
	"context"
	"log/slog"

	"github.com/tableforge/arbiter/internal/keystore"
)

// localKeyPlaceholder is sent to providers that do not check auth
// (e.g. a local Ollama) so the Authorization header is never empty.
const localKeyPlaceholder = "not-needed"

// completer is one wire dialect.
type completer interface {
	Complete(ctx context.Context, msgs []Message, tools []ToolDefinition, cfg CallConfig) (*CompletionResult, error)
}

// Gateway routes completion calls to the right provider client. Clients are
// stateless; keys travel per call, so one gateway serves every connected
// frontend regardless of whose credentials apply.
type Gateway struct {
	keys keystore.KeyStore
	log  *slog.Logger
}

func NewGateway(keys keystore.KeyStore, log *slog.Logger) *Gateway {
	return &Gateway{keys: keys, log: log.With("component", "providers")}
}

// Complete resolves the provider, fills in the API key and base URL, and
// runs one chat completion. Tools may be nil for plain text turns.
func (g *Gateway) Complete(ctx context.Context, msgs []Message, cfg CallConfig, tools []ToolDefinition) (*CompletionResult, error) {
	desc, ok := Lookup(cfg.ProviderID)
	if !ok {
		return nil, NotFoundError(cfg.ProviderID)
	}

	key, err := g.keys.Key(cfg.ProviderID)
	if err != nil || key == "" {
		if desc.RequiresAuth {
			return nil, MissingKeyError(cfg.ProviderID)
		}
		key = localKeyPlaceholder
	}
	cfg.APIKey = key

	// A caller-supplied base URL overrides the default, except for
	// providers that derive their endpoint from the model id.
	baseURL := desc.DefaultBaseURL
	if cfg.BaseURL != "" && !desc.SuppressBaseURL {
		baseURL = cfg.BaseURL
	}

	var client completer
	switch desc.Style {
	case StyleAnthropic:
		client = newAnthropicClient(baseURL)
	default:
		client = newOpenAIClient(cfg.ProviderID, baseURL)
	}

	g.log.Debug("providers.complete",
		"provider", cfg.ProviderID,
		"model", cfg.ModelID,
		"messages", len(msgs),
		"tools", len(tools))

	result, err := client.Complete(ctx, msgs, tools, cfg)
	if err != nil {
		g.log.Warn("providers.complete_failed",
			"provider", cfg.ProviderID,
			"model", cfg.ModelID,
			"error", err)
		return nil, err
	}

	if result.Usage != nil {
		g.log.Debug("providers.complete_done",
			"provider", cfg.ProviderID,
			"finish", result.FinishReason,
			"prompt_tokens", result.Usage.PromptTokens,
			"completion_tokens", result.Usage.CompletionTokens)
	}
	return result, nil
}
