package providers

// Conversation roles. Message is a tagged record: the Role discriminates
// which optional fields are meaningful.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation message. Messages are values; they are never
// mutated after being appended to a session.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Timestamp is set on user messages so delta cursors agree with the
	// inbox (ms since epoch).
	Timestamp int64 `json:"timestamp,omitempty"`

	// ToolCalls is set on assistant messages requesting tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set on tool messages, pairing them to the assistant
	// tool call they answer.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is an LLM-emitted request to run a named tool. ArgumentsJSON is
// the provider's argument string verbatim; parsing happens in the tool
// layer, never here.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json"`
}

// ToolDefinition describes a tool offered to the LLM.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResult is the uniform result of one chat completion.
type CompletionResult struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        *Usage     `json:"usage,omitempty"`
	ProviderID   string     `json:"provider_id"`
	ModelID      string     `json:"model_id"`
}

// CallConfig is the resolved per-call configuration. The gateway fills
// APIKey from the key store; everything else comes from the settings
// bundle and server config.
type CallConfig struct {
	ProviderID  string
	ModelID     string
	APIKey      string
	BaseURL     string
	APIVersion  string
	Headers     map[string]string
	Temperature float64
	MaxTokens   int // 0 = provider default
	TimeoutSec  int
	MaxRetries  int // transport-level retries only
}

// ValidateConversation checks the assistant↔tool pairing invariant: every
// assistant message with tool_calls is immediately followed by exactly one
// tool message per call id, before any further assistant or user message.
func ValidateConversation(msgs []Message) bool {
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role != RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		want := make(map[string]bool, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			if want[tc.ID] {
				return false // duplicate id within one assistant message
			}
			want[tc.ID] = true
		}
		j := i + 1
		for ; j < len(msgs) && msgs[j].Role == RoleTool; j++ {
			if !want[msgs[j].ToolCallID] {
				return false
			}
			delete(want, msgs[j].ToolCallID)
		}
		if len(want) != 0 {
			return false
		}
		i = j - 1
	}
	return true
}
