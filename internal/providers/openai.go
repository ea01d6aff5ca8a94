package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultChatPath = "/chat/completions"

// openAIClient speaks the OpenAI-compatible chat completions dialect
// (OpenAI, Groq, OpenRouter, DeepSeek, Mistral, Gemini compat, Ollama).
type openAIClient struct {
	providerID string
	baseURL    string
	client     *http.Client
}

func newOpenAIClient(providerID, baseURL string) *openAIClient {
	return &openAIClient{
		providerID: providerID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{},
	}
}

func (c *openAIClient) Complete(ctx context.Context, msgs []Message, tools []ToolDefinition, cfg CallConfig) (*CompletionResult, error) {
	body := c.buildRequestBody(msgs, tools, cfg)

	return retryDo(ctx, cfg.MaxRetries, func() (*CompletionResult, error) {
		respBody, err := c.doRequest(ctx, body, cfg)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", c.providerID, err)
		}
		return c.parseResponse(&resp, cfg), nil
	})
}

func (c *openAIClient) buildRequestBody(msgs []Message, tools []ToolDefinition, cfg CallConfig) map[string]any {
	// Convert to the OpenAI wire format: tool_calls need the type+function
	// wrapper with arguments as a JSON string. Arguments are already held
	// verbatim, so they pass through untouched.
	wire := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		msg := map[string]any{"role": m.Role}

		// Omit empty content on assistant messages with tool_calls; some
		// compat backends reject it.
		if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}

		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args := tc.ArgumentsJSON
				if args == "" {
					args = "{}"
				}
				calls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": args,
					},
				}
			}
			msg["tool_calls"] = calls
		}

		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}

		wire = append(wire, msg)
	}

	body := map[string]any{
		"model":    cfg.ModelID,
		"messages": wire,
	}

	if len(tools) > 0 {
		wireTools := make([]map[string]any, len(tools))
		for i, t := range tools {
			wireTools[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			}
		}
		body["tools"] = wireTools
		body["tool_choice"] = "auto"
	}

	if cfg.Temperature > 0 {
		body["temperature"] = cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		body["max_tokens"] = cfg.MaxTokens
	}

	return body
}

func (c *openAIClient) doRequest(ctx context.Context, body any, cfg CallConfig) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.providerID, err)
	}

	if cfg.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSec)*time.Second)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+defaultChatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.providerID, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", c.providerID, ErrTimeout)
		}
		return nil, &transportError{err: fmt.Errorf("%s: %w", c.providerID, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		resp.Body.Close()
		return nil, &ProviderError{
			ProviderID: c.providerID,
			Status:     resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	return resp.Body, nil
}

func (c *openAIClient) parseResponse(resp *openAIResponse, cfg CallConfig) *CompletionResult {
	result := &CompletionResult{
		FinishReason: "stop",
		ProviderID:   cfg.ProviderID,
		ModelID:      cfg.ModelID,
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
		for _, tc := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:            tc.ID,
				Name:          strings.TrimSpace(tc.Function.Name),
				ArgumentsJSON: tc.Function.Arguments,
			})
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		}
	}

	if resp.Usage != nil {
		result.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return result
}

// --- OpenAI API types (internal) ---

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
