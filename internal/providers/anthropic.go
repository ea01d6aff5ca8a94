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

const anthropicAPIVersion = "2023-06-01"

// anthropicClient speaks the Anthropic messages dialect.
type anthropicClient struct {
	baseURL string
	client  *http.Client
}

func newAnthropicClient(baseURL string) *anthropicClient {
	return &anthropicClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (c *anthropicClient) Complete(ctx context.Context, msgs []Message, tools []ToolDefinition, cfg CallConfig) (*CompletionResult, error) {
	body := c.buildRequestBody(msgs, tools, cfg)

	return retryDo(ctx, cfg.MaxRetries, func() (*CompletionResult, error) {
		respBody, err := c.doRequest(ctx, body, cfg)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return c.parseResponse(&resp, cfg), nil
	})
}

func (c *anthropicClient) buildRequestBody(msgs []Message, tools []ToolDefinition, cfg CallConfig) map[string]any {
	// System messages are hoisted into the top-level system field; tool
	// results become tool_result blocks on user messages.
	var systemParts []string
	var messages []map[string]any

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			systemParts = append(systemParts, m.Content)

		case RoleUser:
			messages = append(messages, map[string]any{
				"role":    "user",
				"content": m.Content,
			})

		case RoleAssistant:
			var blocks []map[string]any
			if m.Content != "" {
				blocks = append(blocks, map[string]any{
					"type": "text",
					"text": m.Content,
				})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.ArgumentsJSON)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			messages = append(messages, map[string]any{
				"role":    "assistant",
				"content": blocks,
			})

		case RoleTool:
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{
					{
						"type":        "tool_result",
						"tool_use_id": m.ToolCallID,
						"content":     m.Content,
					},
				},
			})
		}
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := map[string]any{
		"model":      cfg.ModelID,
		"max_tokens": maxTokens,
		"messages":   messages,
	}

	if len(systemParts) > 0 {
		body["system"] = strings.Join(systemParts, "\n\n")
	}

	if len(tools) > 0 {
		wireTools := make([]map[string]any, len(tools))
		for i, t := range tools {
			wireTools[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			}
		}
		body["tools"] = wireTools
	}

	if cfg.Temperature > 0 {
		body["temperature"] = cfg.Temperature
	}

	return body
}

func (c *anthropicClient) doRequest(ctx context.Context, body any, cfg CallConfig) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	if cfg.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSec)*time.Second)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}

	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = anthropicAPIVersion
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("anthropic: %w", ErrTimeout)
		}
		return nil, &transportError{err: fmt.Errorf("anthropic: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		resp.Body.Close()
		return nil, &ProviderError{
			ProviderID: "anthropic",
			Status:     resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	return resp.Body, nil
}

func (c *anthropicClient) parseResponse(resp *anthropicResponse, cfg CallConfig) *CompletionResult {
	result := &CompletionResult{
		ProviderID: cfg.ProviderID,
		ModelID:    cfg.ModelID,
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:            block.ID,
				Name:          block.Name,
				ArgumentsJSON: args,
			})
		}
	}

	switch resp.StopReason {
	case "tool_use":
		result.FinishReason = "tool_calls"
	case "max_tokens":
		result.FinishReason = "length"
	default:
		result.FinishReason = "stop"
	}

	result.Usage = &Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}

	return result
}

// --- Anthropic API types (internal) ---

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
