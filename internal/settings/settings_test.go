package settings

import "testing"

func TestApply_Defaults(t *testing.T) {
	b := Apply(map[string]any{})
	if b.General.Provider != "openai" {
		t.Errorf("default general provider = %q", b.General.Provider)
	}
	if b.General.TimeoutSec != 30 || b.General.MaxRetries != 2 {
		t.Errorf("default general timings = %d/%d", b.General.TimeoutSec, b.General.MaxRetries)
	}
	if b.MaximumMessageContext != 15 {
		t.Errorf("default maximum_message_context = %d", b.MaximumMessageContext)
	}
}

func TestApply_RoundTrip(t *testing.T) {
	// A settings_sync followed by a read of the general family must
	// reproduce provider/model/base_url verbatim.
	raw := map[string]any{
		"general_llm_provider": "anthropic",
		"general_llm_model":    "claude-sonnet-4-5",
		"general_llm_base_url": "https://proxy.example/v1",
	}
	b := Apply(raw)
	if b.General.Provider != "anthropic" || b.General.Model != "claude-sonnet-4-5" {
		t.Errorf("general family = %+v", b.General)
	}
	if b.General.BaseURL != "https://proxy.example/v1" {
		t.Errorf("base_url = %q", b.General.BaseURL)
	}
}

func TestApply_NumericCoercion(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want int
	}{
		{"float", float64(45), 45},
		{"string int", "45", 45},
		{"string float", "45.0", 45},
		{"out of range high", float64(10000), 30},
		{"out of range low", float64(0), 30},
		{"garbage string", "soon", 30},
		{"wrong type", []string{"45"}, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Apply(map[string]any{"general_llm_timeout_sec": tt.raw})
			if b.General.TimeoutSec != tt.want {
				t.Errorf("timeout_sec = %d, want %d", b.General.TimeoutSec, tt.want)
			}
		})
	}
}

func TestApply_ProcessingMode(t *testing.T) {
	b := Apply(map[string]any{"chat_processing_mode": "tactical"})
	if b.ChatProcessingMode != ModeTactical {
		t.Errorf("mode = %q", b.ChatProcessingMode)
	}

	// Unknown mode is rejected, leaving the empty default (detection fallback).
	b = Apply(map[string]any{"chat_processing_mode": "berserk"})
	if b.ChatProcessingMode != "" {
		t.Errorf("mode = %q, want empty", b.ChatProcessingMode)
	}
}

func TestStore_GetWithoutSync(t *testing.T) {
	s := NewStore()
	b := s.Get("c1")
	if b.AIRole == "" {
		t.Error("expected default bundle for unsynced client")
	}
}

func TestStore_SyncAndDrop(t *testing.T) {
	s := NewStore()
	s.Sync("c1", map[string]any{"ai_role": "Tactician"})
	if got := s.Get("c1").AIRole; got != "Tactician" {
		t.Errorf("AIRole = %q", got)
	}
	s.Drop("c1")
	if got := s.Get("c1").AIRole; got == "Tactician" {
		t.Error("bundle survived Drop")
	}
}

func TestFamilyFor(t *testing.T) {
	b := DefaultBundle()
	b.Tactical.Model = "tac-model"
	if b.FamilyFor(ModeTactical).Model != "tac-model" {
		t.Error("tactical family not selected")
	}
	if b.FamilyFor(ModeGeneral).Model != b.General.Model {
		t.Error("general family not selected")
	}
}
