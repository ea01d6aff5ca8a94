package tools

import (
	"context"
	"errors"
	"time"

	"github.com/tableforge/arbiter/internal/pending"
	"github.com/tableforge/arbiter/pkg/protocol"
)

var rollDiceTimeout = 30 * time.Second

// RollDiceTool asks the frontend to execute dice formulas with its own
// roller, so results honor table-side modifiers and appear in the chat log.
type RollDiceTool struct {
	pending *pending.Registry
	link    Sender
}

func NewRollDiceTool(reg *pending.Registry, link Sender) *RollDiceTool {
	return &RollDiceTool{pending: reg, link: link}
}

func (t *RollDiceTool) Name() string { return "roll_dice" }
func (t *RollDiceTool) Description() string {
	return "Roll one or more dice formulas on the game table. " +
		"Rolls execute on the frontend and show up in the chat log."
}

func (t *RollDiceTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"rolls": map[string]any{
				"type":        "array",
				"description": "Formulas to roll, in order",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"formula": map[string]any{"type": "string", "description": "Dice formula, e.g. 2d6+3"},
						"flavor":  map[string]any{"type": "string", "description": "Label shown next to the roll"},
					},
					"required": []string{"formula"},
				},
			},
		},
		"required": []string{"rolls"},
	}
}

func (t *RollDiceTool) Execute(ctx context.Context, args map[string]any) *Result {
	raw := listArg(args, "rolls")
	if len(raw) == 0 {
		return ErrorResult("rolls must be a non-empty array")
	}

	type rollSpec struct {
		Formula string `json:"formula"`
		Flavor  string `json:"flavor,omitempty"`
	}
	rolls := make([]rollSpec, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return ErrorResult("each roll must be an object with a formula")
		}
		formula, _ := m["formula"].(string)
		if formula == "" {
			return ErrorResult("formula is required on every roll")
		}
		flavor, _ := m["flavor"].(string)
		rolls = append(rolls, rollSpec{Formula: formula, Flavor: flavor})
	}

	clientID := ClientIDFromCtx(ctx)
	requestID, handle := t.pending.Register(clientID, pending.AwaitDiceResult)

	frame, err := protocol.NewRequestFrame(protocol.FrameExecuteRoll, requestID, map[string]any{
		"rolls": rolls,
	})
	if err != nil {
		t.pending.Cancel(requestID)
		return ErrorResult("build roll frame: " + err.Error())
	}
	if err := t.link.Send(clientID, frame); err != nil {
		t.pending.Cancel(requestID)
		return ErrorResult("client link unavailable: " + err.Error()).WithError(err)
	}

	data, err := handle.Await(ctx, rollDiceTimeout)
	if err != nil {
		if errors.Is(err, pending.ErrTimeout) {
			return TimeoutResult(requestID)
		}
		return ErrorResult("roll failed: " + err.Error()).WithError(err)
	}

	var result protocol.RollResultData
	if err := decodeJSON(data, &result); err != nil {
		return ErrorResult("malformed roll result: " + err.Error())
	}

	return JSONResult(map[string]any{
		"success": true,
		"results": result.Results,
	})
}
