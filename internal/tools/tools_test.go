package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tableforge/arbiter/internal/collector"
	"github.com/tableforge/arbiter/internal/pending"
	"github.com/tableforge/arbiter/pkg/protocol"
)

// fakeLink records outbound frames and optionally plays the frontend,
// resolving the pending call for each frame it receives.
type fakeLink struct {
	mu      sync.Mutex
	frames  []*protocol.Frame
	respond func(f *protocol.Frame)
	sendErr error
}

func (l *fakeLink) Send(clientID string, f *protocol.Frame) error {
	if l.sendErr != nil {
		return l.sendErr
	}
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
	if l.respond != nil {
		go l.respond(f)
	}
	return nil
}

func (l *fakeLink) sent() []*protocol.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*protocol.Frame(nil), l.frames...)
}

func testCtx() context.Context {
	return WithClientID(context.Background(), "client-a")
}

func parseResult(t *testing.T, r *Result) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(r.ForLLM), &out); err != nil {
		t.Fatalf("tool result is not JSON: %q", r.ForLLM)
	}
	return out
}

func combatStateResponder(reg *pending.Registry, state protocol.CombatStateData) func(*protocol.Frame) {
	return func(f *protocol.Frame) {
		data, _ := json.Marshal(state)
		reg.Resolve(f.RequestID, data)
	}
}

func shortTimeouts(t *testing.T) {
	t.Helper()
	origRead, origWrite, origRoll := encounterReadTimeout, encounterWriteTimeout, rollDiceTimeout
	encounterReadTimeout = 40 * time.Millisecond
	encounterWriteTimeout = 40 * time.Millisecond
	rollDiceTimeout = 40 * time.Millisecond
	t.Cleanup(func() {
		encounterReadTimeout, encounterWriteTimeout, rollDiceTimeout = origRead, origWrite, origRoll
	})
}

func TestMessageHistoryBounds(t *testing.T) {
	col := collector.New(100, time.Hour)
	tool := NewMessageHistoryTool(col)

	for i := 0; i < 60; i++ {
		col.AppendChat("client-a", collector.Entry{Payload: json.RawMessage(`{"content":"msg"}`)})
	}

	tests := []struct {
		name    string
		args    map[string]any
		isError bool
		want    int
	}{
		{"count missing", map[string]any{}, true, 0},
		{"count zero", map[string]any{"count": float64(0)}, true, 0},
		{"count over max", map[string]any{"count": float64(51)}, true, 0},
		{"count one", map[string]any{"count": float64(1)}, false, 1},
		{"count max", map[string]any{"count": float64(50)}, false, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tool.Execute(testCtx(), tt.args)
			if res.IsError != tt.isError {
				t.Fatalf("IsError = %v, result %s", res.IsError, res.ForLLM)
			}
			if tt.isError {
				return
			}
			out := parseResult(t, res)
			if int(out["count"].(float64)) != tt.want {
				t.Errorf("count = %v, want %d", out["count"], tt.want)
			}
		})
	}
}

func TestMessageHistoryCompactShape(t *testing.T) {
	col := collector.New(100, time.Hour)
	col.AppendRoll("client-a", collector.Entry{
		Payload: json.RawMessage(`{"formula":"2d6","total":9,"speaker":"GM"}`),
	})

	res := NewMessageHistoryTool(col).Execute(testCtx(), map[string]any{"count": float64(10)})
	out := parseResult(t, res)
	events := out["events"].([]any)
	ev := events[0].(map[string]any)
	if ev["t"] != "dr" || ev["f"] != "2d6" || ev["tt"] != float64(9) {
		t.Errorf("compact roll = %v", ev)
	}
}

func TestPostMessage(t *testing.T) {
	link := &fakeLink{}
	tool := NewPostMessageTool(link)

	res := tool.Execute(testCtx(), map[string]any{
		"messages": []any{
			map[string]any{"content": "The goblin snarls.", "speaker": "GM"},
			map[string]any{"flavor": "no content here"},
		},
	})
	out := parseResult(t, res)
	if out["success"] != false || out["sent"] != float64(1) {
		t.Errorf("result = %v", out)
	}

	frames := link.sent()
	if len(frames) != 1 || frames[0].Type != protocol.FrameChatResponse {
		t.Fatalf("frames = %+v", frames)
	}

	if res := tool.Execute(testCtx(), map[string]any{"messages": []any{}}); !res.IsError {
		t.Error("empty messages accepted")
	}
}

func TestRollDice(t *testing.T) {
	shortTimeouts(t)
	reg := pending.NewRegistry()

	t.Run("happy path", func(t *testing.T) {
		link := &fakeLink{respond: func(f *protocol.Frame) {
			data, _ := json.Marshal(protocol.RollResultData{
				Results: []protocol.RollOutcome{{Formula: "2d6+3", Total: 11}},
			})
			reg.Resolve(f.RequestID, data)
		}}
		tool := NewRollDiceTool(reg, link)

		res := tool.Execute(testCtx(), map[string]any{
			"rolls": []any{map[string]any{"formula": "2d6+3", "flavor": "damage"}},
		})
		out := parseResult(t, res)
		if out["success"] != true {
			t.Fatalf("result = %s", res.ForLLM)
		}
		results := out["results"].([]any)
		if len(results) != 1 {
			t.Errorf("results = %v", results)
		}

		sent := link.sent()
		if sent[0].Type != protocol.FrameExecuteRoll || sent[0].RequestID == "" {
			t.Errorf("frame = %+v", sent[0])
		}
	})

	t.Run("timeout", func(t *testing.T) {
		tool := NewRollDiceTool(reg, &fakeLink{})
		res := tool.Execute(testCtx(), map[string]any{
			"rolls": []any{map[string]any{"formula": "1d20"}},
		})
		out := parseResult(t, res)
		if out["error"] != "timeout" || out["request_id"] == "" {
			t.Errorf("result = %s", res.ForLLM)
		}
		if reg.Len() != 0 {
			t.Errorf("pending call leaked: %d", reg.Len())
		}
	})

	t.Run("validation", func(t *testing.T) {
		tool := NewRollDiceTool(reg, &fakeLink{})
		if res := tool.Execute(testCtx(), map[string]any{"rolls": []any{map[string]any{"flavor": "x"}}}); !res.IsError {
			t.Error("missing formula accepted")
		}
	})

	t.Run("link closed", func(t *testing.T) {
		tool := NewRollDiceTool(reg, &fakeLink{sendErr: errors.New("connection closed")})
		res := tool.Execute(testCtx(), map[string]any{
			"rolls": []any{map[string]any{"formula": "1d20"}},
		})
		if !res.IsError || res.Err == nil {
			t.Errorf("result = %+v", res)
		}
		if reg.Len() != 0 {
			t.Errorf("pending call leaked: %d", reg.Len())
		}
	})
}

func TestGetEncounterFallsBackToCache(t *testing.T) {
	shortTimeouts(t)
	col := collector.New(100, time.Hour)
	reg := pending.NewRegistry()

	col.UpsertEncounter("client-a", collector.EncounterState{
		EncounterID: "enc-1", IsActive: true, Round: 3, Turn: 1,
	})

	// No responder: the refresh times out and the cache answers.
	tool := NewGetEncounterTool(col, reg, &fakeLink{})
	res := tool.Execute(testCtx(), map[string]any{"encounter_id": "enc-1"})
	out := parseResult(t, res)
	if out["success"] != true || out["stale"] != true {
		t.Fatalf("result = %s", res.ForLLM)
	}
	enc := out["encounter"].(map[string]any)
	if enc["round"] != float64(3) {
		t.Errorf("encounter = %v", enc)
	}

	// All-encounters summary on timeout.
	res = tool.Execute(testCtx(), map[string]any{})
	out = parseResult(t, res)
	if encs := out["encounters"].([]any); len(encs) != 1 {
		t.Errorf("encounters = %v", encs)
	}

	// Unknown id with silent frontend is an error.
	if res := tool.Execute(testCtx(), map[string]any{"encounter_id": "nope"}); !res.IsError {
		t.Error("unknown encounter did not error")
	}
}

func TestCreateEncounter(t *testing.T) {
	shortTimeouts(t)

	t.Run("happy path", func(t *testing.T) {
		col := collector.New(100, time.Hour)
		reg := pending.NewRegistry()
		link := &fakeLink{respond: combatStateResponder(reg, protocol.CombatStateData{
			CombatID: "enc-9", InCombat: true, Round: 1, Turn: 0,
		})}
		tool := NewCreateEncounterTool(col, reg, link)

		res := tool.Execute(testCtx(), map[string]any{
			"actor_ids": []any{"a1", "a2"},
		})
		out := parseResult(t, res)
		if out["success"] != true || out["in_combat"] != true || out["combat_id"] != "enc-9" {
			t.Fatalf("result = %s", res.ForLLM)
		}

		var sentPayload map[string]any
		_ = json.Unmarshal(link.sent()[0].Data, &sentPayload)
		if sentPayload["roll_initiative"] != true {
			t.Errorf("roll_initiative default = %v", sentPayload["roll_initiative"])
		}
	})

	t.Run("timeout with cache recovery", func(t *testing.T) {
		col := collector.New(100, time.Hour)
		reg := pending.NewRegistry()
		tool := NewCreateEncounterTool(col, reg, &fakeLink{})

		// The combat_state frame arrived through the link and upserted the
		// cache, but the rendezvous reply was lost.
		col.UpsertEncounter("client-a", collector.EncounterState{
			EncounterID: "enc-9", IsActive: true,
		})

		res := tool.Execute(testCtx(), map[string]any{"actor_ids": []any{"a1"}})
		out := parseResult(t, res)
		if out["success"] != true || out["combat_id"] != "enc-9" || out["warning"] == nil {
			t.Fatalf("result = %s", res.ForLLM)
		}
	})

	t.Run("timeout without recovery", func(t *testing.T) {
		col := collector.New(100, time.Hour)
		reg := pending.NewRegistry()
		tool := NewCreateEncounterTool(col, reg, &fakeLink{})

		res := tool.Execute(testCtx(), map[string]any{"actor_ids": []any{"a1"}})
		out := parseResult(t, res)
		if out["error"] != "timeout" {
			t.Fatalf("result = %s", res.ForLLM)
		}
	})

	t.Run("validation", func(t *testing.T) {
		tool := NewCreateEncounterTool(collector.New(100, time.Hour), pending.NewRegistry(), &fakeLink{})
		if res := tool.Execute(testCtx(), map[string]any{"actor_ids": []any{}}); !res.IsError {
			t.Error("empty actor_ids accepted")
		}
	})
}

func TestDeleteEncounter(t *testing.T) {
	shortTimeouts(t)

	t.Run("precondition", func(t *testing.T) {
		tool := NewDeleteEncounterTool(collector.New(100, time.Hour), pending.NewRegistry(), &fakeLink{})
		res := tool.Execute(testCtx(), map[string]any{"encounter_id": "ghost"})
		if !res.IsError || !strings.Contains(res.ForLLM, "not found") {
			t.Errorf("result = %s", res.ForLLM)
		}
	})

	t.Run("happy path", func(t *testing.T) {
		col := collector.New(100, time.Hour)
		reg := pending.NewRegistry()
		col.UpsertEncounter("client-a", collector.EncounterState{EncounterID: "enc-1", IsActive: true})

		link := &fakeLink{respond: combatStateResponder(reg, protocol.CombatStateData{
			CombatID: "enc-1", InCombat: false,
		})}
		tool := NewDeleteEncounterTool(col, reg, link)

		res := tool.Execute(testCtx(), map[string]any{"encounter_id": "enc-1"})
		out := parseResult(t, res)
		if out["success"] != true || out["removed"] != true {
			t.Fatalf("result = %s", res.ForLLM)
		}
		if _, still := col.Encounter("client-a", "enc-1"); still {
			t.Error("encounter still cached after delete")
		}
	})

	t.Run("timeout force-clears cache", func(t *testing.T) {
		col := collector.New(100, time.Hour)
		reg := pending.NewRegistry()
		col.UpsertEncounter("client-a", collector.EncounterState{EncounterID: "enc-1", IsActive: true})

		tool := NewDeleteEncounterTool(col, reg, &fakeLink{})
		res := tool.Execute(testCtx(), map[string]any{"encounter_id": "enc-1"})
		out := parseResult(t, res)
		if out["success"] != true || out["forced"] != true {
			t.Fatalf("result = %s", res.ForLLM)
		}
		if _, still := col.Encounter("client-a", "enc-1"); still {
			t.Error("stale encounter survived force-clear")
		}
	})
}

func TestActivateCombat(t *testing.T) {
	shortTimeouts(t)
	reg := pending.NewRegistry()

	link := &fakeLink{respond: combatStateResponder(reg, protocol.CombatStateData{
		CombatID: "enc-1", InCombat: true,
	})}
	tool := NewActivateCombatTool(reg, link)

	res := tool.Execute(testCtx(), map[string]any{"encounter_id": "enc-1"})
	out := parseResult(t, res)
	if out["success"] != true || out["is_active"] != true {
		t.Fatalf("result = %s", res.ForLLM)
	}

	// Frontend answers but combat is not active: flagged, not hidden.
	link2 := &fakeLink{respond: combatStateResponder(reg, protocol.CombatStateData{
		CombatID: "enc-1", InCombat: false,
	})}
	res = NewActivateCombatTool(reg, link2).Execute(testCtx(), map[string]any{"encounter_id": "enc-1"})
	out = parseResult(t, res)
	if out["is_active"] != false || out["warning"] == nil {
		t.Errorf("result = %s", res.ForLLM)
	}
}

func TestAdvanceCombatTurn(t *testing.T) {
	shortTimeouts(t)
	col := collector.New(100, time.Hour)
	reg := pending.NewRegistry()

	col.UpsertEncounter("client-a", collector.EncounterState{
		EncounterID: "enc-1", IsActive: true, Round: 2, Turn: 1,
	})

	// Turn moved on.
	link := &fakeLink{respond: combatStateResponder(reg, protocol.CombatStateData{
		CombatID: "enc-1", InCombat: true, Round: 2, Turn: 2,
	})}
	res := NewAdvanceCombatTurnTool(col, reg, link).Execute(testCtx(), map[string]any{"encounter_id": "enc-1"})
	out := parseResult(t, res)
	if out["success"] != true || out["advanced"] != true {
		t.Fatalf("result = %s", res.ForLLM)
	}

	// Single combatant: frontend returns the same round/turn.
	link2 := &fakeLink{respond: combatStateResponder(reg, protocol.CombatStateData{
		CombatID: "enc-1", InCombat: true, Round: 2, Turn: 1,
	})}
	res = NewAdvanceCombatTurnTool(col, reg, link2).Execute(testCtx(), map[string]any{"encounter_id": "enc-1"})
	out = parseResult(t, res)
	if out["success"] != true || out["advanced"] != false {
		t.Errorf("result = %s", res.ForLLM)
	}
}

func TestModifyTokenAttribute(t *testing.T) {
	reg := pending.NewRegistry()

	link := &fakeLink{respond: func(f *protocol.Frame) {
		reg.Resolve(f.RequestID, json.RawMessage(`{"success":true}`))
	}}
	tool := NewModifyTokenAttributeTool(reg, link)

	res := tool.Execute(testCtx(), map[string]any{
		"token_id":       "tok-1",
		"attribute_path": "attributes.hp.value",
		"value":          float64(-7),
	})
	out := parseResult(t, res)
	if out["success"] != true {
		t.Fatalf("result = %s", res.ForLLM)
	}

	var payload map[string]any
	_ = json.Unmarshal(link.sent()[0].Data, &payload)
	if payload["is_delta"] != true || payload["is_bar"] != true {
		t.Errorf("defaults not applied: %v", payload)
	}

	if res := tool.Execute(testCtx(), map[string]any{"token_id": "tok-1"}); !res.IsError {
		t.Error("missing attribute_path accepted")
	}

	// Frontend rejection surfaces as a tool error result.
	link2 := &fakeLink{respond: func(f *protocol.Frame) {
		reg.Resolve(f.RequestID, json.RawMessage(`{"success":false,"error":"attribute locked"}`))
	}}
	res = NewModifyTokenAttributeTool(reg, link2).Execute(testCtx(), map[string]any{
		"token_id": "tok-1", "attribute_path": "attributes.hp.value", "value": float64(1),
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "attribute locked") {
		t.Errorf("result = %s", res.ForLLM)
	}
}

func TestRegistryDispatch(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	col := collector.New(100, time.Hour)
	reg := pending.NewRegistry()
	r := NewDefaultRegistry(col, reg, &fakeLink{}, log)

	defs := r.Definitions()
	if len(defs) != 10 {
		t.Fatalf("catalog size = %d", len(defs))
	}
	for i := 1; i < len(defs); i++ {
		if defs[i-1].Name >= defs[i].Name {
			t.Fatal("definitions not sorted by name")
		}
	}

	if res := r.Execute(testCtx(), "no_such_tool", "{}"); !res.IsError {
		t.Error("unknown tool accepted")
	}
	if res := r.Execute(testCtx(), "get_message_history", "{not json"); !res.IsError {
		t.Error("malformed arguments accepted")
	}

	res := r.Execute(testCtx(), "get_message_history", `{"count":5}`)
	out := parseResult(t, res)
	if out["success"] != true {
		t.Errorf("dispatch result = %s", res.ForLLM)
	}
}
