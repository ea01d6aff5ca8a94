package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tableforge/arbiter/internal/pending"
	"github.com/tableforge/arbiter/pkg/protocol"
)

var (
	actorDetailsTimeout = 5 * time.Second
	modifyAttrTimeout   = 15 * time.Second
)

// ============================================================
// get_actor_details
// ============================================================

type ActorDetailsTool struct {
	pending *pending.Registry
	link    Sender
}

func NewActorDetailsTool(reg *pending.Registry, link Sender) *ActorDetailsTool {
	return &ActorDetailsTool{pending: reg, link: link}
}

func (t *ActorDetailsTool) Name() string { return "get_actor_details" }
func (t *ActorDetailsTool) Description() string {
	return "Read an actor's sheet by token id. With a search_phrase the frontend " +
		"returns only matching field paths plus their neighbors."
}

func (t *ActorDetailsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"token_id": map[string]any{
				"type":        "string",
				"description": "Token whose actor sheet to read",
			},
			"search_phrase": map[string]any{
				"type":        "string",
				"description": "Substring filter over field paths (optional)",
			},
		},
		"required": []string{"token_id"},
	}
}

func (t *ActorDetailsTool) Execute(ctx context.Context, args map[string]any) *Result {
	tokenID := strArg(args, "token_id")
	if tokenID == "" {
		return ErrorResult("token_id is required")
	}

	clientID := ClientIDFromCtx(ctx)
	requestID, handle := t.pending.Register(clientID, pending.AwaitActorSheet)

	payload := map[string]any{"token_id": tokenID}
	if phrase := strArg(args, "search_phrase"); phrase != "" {
		payload["search_phrase"] = phrase
	}

	frame, err := protocol.NewRequestFrame(protocol.FrameGetActorDetails, requestID, payload)
	if err != nil {
		t.pending.Cancel(requestID)
		return ErrorResult("build frame: " + err.Error())
	}
	if err := t.link.Send(clientID, frame); err != nil {
		t.pending.Cancel(requestID)
		return ErrorResult("client link unavailable: " + err.Error()).WithError(err)
	}

	data, err := handle.Await(ctx, actorDetailsTimeout)
	if err != nil {
		if errors.Is(err, pending.ErrTimeout) {
			return TimeoutResult(requestID)
		}
		return ErrorResult("actor lookup failed: " + err.Error()).WithError(err)
	}

	return JSONResult(map[string]any{
		"success": true,
		"actor":   json.RawMessage(data),
	})
}

// ============================================================
// modify_token_attribute
// ============================================================

type ModifyTokenAttributeTool struct {
	pending *pending.Registry
	link    Sender
}

func NewModifyTokenAttributeTool(reg *pending.Registry, link Sender) *ModifyTokenAttributeTool {
	return &ModifyTokenAttributeTool{pending: reg, link: link}
}

func (t *ModifyTokenAttributeTool) Name() string { return "modify_token_attribute" }
func (t *ModifyTokenAttributeTool) Description() string {
	return "Change a numeric attribute on a token, e.g. apply damage or healing " +
		"to hit points. By default the value is a delta applied to the current value."
}

func (t *ModifyTokenAttributeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"token_id": map[string]any{
				"type":        "string",
				"description": "Token to modify",
			},
			"attribute_path": map[string]any{
				"type":        "string",
				"description": "Dotted path of the attribute, e.g. attributes.hp.value",
			},
			"value": map[string]any{
				"type":        "number",
				"description": "Amount to apply",
			},
			"is_delta": map[string]any{
				"type":        "boolean",
				"description": "Apply as delta rather than absolute (default true)",
			},
			"is_bar": map[string]any{
				"type":        "boolean",
				"description": "Attribute is a token bar (default true)",
			},
		},
		"required": []string{"token_id", "attribute_path", "value"},
	}
}

func (t *ModifyTokenAttributeTool) Execute(ctx context.Context, args map[string]any) *Result {
	tokenID := strArg(args, "token_id")
	attrPath := strArg(args, "attribute_path")
	value, hasValue := numArg(args, "value")
	if tokenID == "" || attrPath == "" || !hasValue {
		return ErrorResult("token_id, attribute_path, and a numeric value are required")
	}

	clientID := ClientIDFromCtx(ctx)
	requestID, handle := t.pending.Register(clientID, pending.AwaitAttributeAck)

	frame, err := protocol.NewRequestFrame(protocol.FrameModifyTokenAttr, requestID, map[string]any{
		"token_id":       tokenID,
		"attribute_path": attrPath,
		"value":          value,
		"is_delta":       boolArg(args, "is_delta", true),
		"is_bar":         boolArg(args, "is_bar", true),
	})
	if err != nil {
		t.pending.Cancel(requestID)
		return ErrorResult("build frame: " + err.Error())
	}
	if err := t.link.Send(clientID, frame); err != nil {
		t.pending.Cancel(requestID)
		return ErrorResult("client link unavailable: " + err.Error()).WithError(err)
	}

	data, err := handle.Await(ctx, modifyAttrTimeout)
	if err != nil {
		if errors.Is(err, pending.ErrTimeout) {
			return TimeoutResult(requestID)
		}
		return ErrorResult("attribute change failed: " + err.Error()).WithError(err)
	}

	var ack struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := decodeJSON(data, &ack); err != nil {
		return ErrorResult("malformed ack: " + err.Error())
	}
	if !ack.Success {
		msg := ack.Error
		if msg == "" {
			msg = "frontend rejected the attribute change"
		}
		return ErrorResult(msg)
	}

	return JSONResult(map[string]any{"success": true})
}
