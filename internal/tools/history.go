package tools

import (
	"context"
	"fmt"

	"github.com/tableforge/arbiter/internal/collector"
)

const (
	historyMinCount = 1
	historyMaxCount = 50
)

// MessageHistoryTool returns the last N table events in compact form,
// straight from the collector. It always reads the plain window — the delta
// cursor is for turn assembly, and filtering here has repeatedly produced
// confusing empty results for the model.
type MessageHistoryTool struct {
	collector *collector.Collector
}

func NewMessageHistoryTool(c *collector.Collector) *MessageHistoryTool {
	return &MessageHistoryTool{collector: c}
}

func (t *MessageHistoryTool) Name() string { return "get_message_history" }
func (t *MessageHistoryTool) Description() string {
	return "Fetch the most recent chat messages and dice rolls from the game table. " +
		"Use this when you need context older than what the current message shows."
}

func (t *MessageHistoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{
				"type":        "number",
				"description": "How many events to return (1-50)",
			},
		},
		"required": []string{"count"},
	}
}

func (t *MessageHistoryTool) Execute(ctx context.Context, args map[string]any) *Result {
	count, ok := intArg(args, "count")
	if !ok {
		return ErrorResult("count is required")
	}
	if count < historyMinCount || count > historyMaxCount {
		return ErrorResult(fmt.Sprintf("count must be between %d and %d", historyMinCount, historyMaxCount))
	}

	clientID := ClientIDFromCtx(ctx)
	entries := t.collector.Recent(clientID, count)
	events := collector.CompactAll(entries)

	return JSONResult(map[string]any{
		"success": true,
		"count":   len(events),
		"events":  events,
	})
}
