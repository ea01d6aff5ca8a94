package tools

import (
	"context"
	"encoding/json"

	"github.com/tableforge/arbiter/pkg/protocol"
)

// PostMessageTool sends chat messages to the table mid-turn, without ending
// the conversation. Messages are delivered sequentially; the result reports
// per-message success so a partial failure is visible to the model.
type PostMessageTool struct {
	link Sender
}

func NewPostMessageTool(link Sender) *PostMessageTool {
	return &PostMessageTool{link: link}
}

func (t *PostMessageTool) Name() string { return "post_message" }
func (t *PostMessageTool) Description() string {
	return "Post one or more chat messages to the game table immediately. " +
		"Use for narration or intermediate updates during a long action."
}

func (t *PostMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"messages": map[string]any{
				"type":        "array",
				"description": "Messages to post, in order",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content":        map[string]any{"type": "string", "description": "Message text"},
						"type":           map[string]any{"type": "string", "description": "Message type hint"},
						"speaker":        map[string]any{"type": "string", "description": "Speaker name"},
						"flavor":         map[string]any{"type": "string", "description": "Flavor text"},
						"flags":          map[string]any{"type": "object", "description": "Frontend flags"},
						"whisper":        map[string]any{"type": "array", "description": "Whisper target user ids", "items": map[string]any{"type": "string"}},
						"compact_format": map[string]any{"type": "boolean", "description": "Render in compact form"},
					},
					"required": []string{"content"},
				},
			},
		},
		"required": []string{"messages"},
	}
}

func (t *PostMessageTool) Execute(ctx context.Context, args map[string]any) *Result {
	raw := listArg(args, "messages")
	if len(raw) == 0 {
		return ErrorResult("messages must be a non-empty array")
	}

	clientID := ClientIDFromCtx(ctx)

	type sendOutcome struct {
		Index   int    `json:"index"`
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	outcomes := make([]sendOutcome, 0, len(raw))
	sent := 0

	for i, m := range raw {
		msg, ok := m.(map[string]any)
		if !ok || msg["content"] == "" || msg["content"] == nil {
			outcomes = append(outcomes, sendOutcome{Index: i, Error: "content is required"})
			continue
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			outcomes = append(outcomes, sendOutcome{Index: i, Error: err.Error()})
			continue
		}
		frame, err := protocol.NewFrame(protocol.FrameChatResponse, protocol.ChatResponseData{Message: payload})
		if err != nil {
			outcomes = append(outcomes, sendOutcome{Index: i, Error: err.Error()})
			continue
		}

		if err := t.link.Send(clientID, frame); err != nil {
			outcomes = append(outcomes, sendOutcome{Index: i, Error: err.Error()})
			continue
		}
		sent++
		outcomes = append(outcomes, sendOutcome{Index: i, Success: true})
	}

	return JSONResult(map[string]any{
		"success": sent == len(raw),
		"sent":    sent,
		"results": outcomes,
	})
}
