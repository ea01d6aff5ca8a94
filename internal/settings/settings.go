// Package settings holds the per-client validated settings bundle synced
// from the VTT via settings_sync frames. Each key has a declared type,
// default, and numeric range; out-of-range or malformed values are rejected
// at the boundary and replaced with the key's default.
package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Processing modes for chat requests.
const (
	ModeGeneral  = "general"
	ModeTactical = "tactical"
)

// LLMFamily is one provider/model selection with its call parameters.
type LLMFamily struct {
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	BaseURL       string `json:"base_url,omitempty"`
	APIVersion    string `json:"api_version,omitempty"`
	TimeoutSec    int    `json:"timeout_sec"`
	MaxRetries    int    `json:"max_retries"`
	CustomHeaders string `json:"custom_headers_json,omitempty"`
}

// Bundle is the complete validated settings set for one client.
type Bundle struct {
	General               LLMFamily `json:"general"`
	Tactical              LLMFamily `json:"tactical"`
	MaximumMessageContext int       `json:"maximum_message_context"`
	AIRole                string    `json:"ai_role"`
	ChatProcessingMode    string    `json:"chat_processing_mode"` // "" = decide from combat detection
}

// DefaultBundle returns the bundle used before any settings_sync arrives.
func DefaultBundle() Bundle {
	return Bundle{
		General:               LLMFamily{Provider: "openai", Model: "gpt-4o-mini", TimeoutSec: 30, MaxRetries: 2},
		Tactical:              LLMFamily{Provider: "openai", Model: "gpt-4o", TimeoutSec: 30, MaxRetries: 2},
		MaximumMessageContext: 15,
		AIRole:                "Game Master Assistant",
	}
}

// HeadersMap parses CustomHeaders into a header map. Malformed JSON yields nil.
func (f LLMFamily) HeadersMap() map[string]string {
	if f.CustomHeaders == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(f.CustomHeaders), &m); err != nil {
		return nil
	}
	return m
}

// intKey declares range and default for a numeric settings key.
type intKey struct {
	def, min, max int
}

var intKeys = map[string]intKey{
	"general_llm_timeout_sec":  {def: 30, min: 1, max: 600},
	"general_llm_max_retries":  {def: 2, min: 0, max: 10},
	"tactical_llm_timeout_sec": {def: 30, min: 1, max: 600},
	"tactical_llm_max_retries": {def: 2, min: 0, max: 10},
	"maximum_message_context":  {def: 15, min: 1, max: 200},
}

// coerceInt accepts int, float, and string encodings of ints/floats.
// Values outside the declared range fall back to the key default.
func coerceInt(key string, raw any) int {
	spec := intKeys[key]

	var v int
	switch t := raw.(type) {
	case float64:
		v = int(t)
	case int:
		v = t
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.Atoi(s); err == nil {
			v = n
		} else if f, err := strconv.ParseFloat(s, 64); err == nil {
			v = int(f)
		} else {
			slog.Debug("settings: unparseable numeric value", "key", key, "value", t)
			return spec.def
		}
	default:
		return spec.def
	}

	if v < spec.min || v > spec.max {
		slog.Debug("settings: value out of range", "key", key, "value", v)
		return spec.def
	}
	return v
}

func coerceString(raw any) (string, bool) {
	s, ok := raw.(string)
	return s, ok
}

// Apply builds a Bundle from a raw settings map, validating every key.
// Unknown keys are ignored; missing keys keep their defaults.
func Apply(raw map[string]any) Bundle {
	b := DefaultBundle()

	family := func(prefix string, dst *LLMFamily) {
		if v, ok := coerceString(raw[prefix+"_provider"]); ok && v != "" {
			dst.Provider = v
		}
		if v, ok := coerceString(raw[prefix+"_model"]); ok && v != "" {
			dst.Model = v
		}
		if v, ok := coerceString(raw[prefix+"_base_url"]); ok {
			dst.BaseURL = v
		}
		if v, ok := coerceString(raw[prefix+"_api_version"]); ok {
			dst.APIVersion = v
		}
		if _, present := raw[prefix+"_timeout_sec"]; present {
			dst.TimeoutSec = coerceInt(prefix+"_timeout_sec", raw[prefix+"_timeout_sec"])
		}
		if _, present := raw[prefix+"_max_retries"]; present {
			dst.MaxRetries = coerceInt(prefix+"_max_retries", raw[prefix+"_max_retries"])
		}
		if v, ok := coerceString(raw[prefix+"_custom_headers_json"]); ok {
			dst.CustomHeaders = v
		}
	}

	family("general_llm", &b.General)
	family("tactical_llm", &b.Tactical)

	if _, present := raw["maximum_message_context"]; present {
		b.MaximumMessageContext = coerceInt("maximum_message_context", raw["maximum_message_context"])
	}
	if v, ok := coerceString(raw["ai_role"]); ok && v != "" {
		b.AIRole = v
	}
	if v, ok := coerceString(raw["chat_processing_mode"]); ok {
		switch v {
		case ModeGeneral, ModeTactical, "":
			b.ChatProcessingMode = v
		default:
			slog.Debug("settings: unknown chat_processing_mode", "value", v)
		}
	}

	return b
}

// FamilyFor returns the LLM family for a processing mode.
func (b Bundle) FamilyFor(mode string) LLMFamily {
	if mode == ModeTactical {
		return b.Tactical
	}
	return b.General
}

// Store keeps the latest bundle per client.
type Store struct {
	mu      sync.RWMutex
	bundles map[string]Bundle
}

// NewStore creates an empty settings store.
func NewStore() *Store {
	return &Store{bundles: make(map[string]Bundle)}
}

// Sync validates and stores a raw settings map for a client.
func (s *Store) Sync(clientID string, raw map[string]any) Bundle {
	b := Apply(raw)
	s.mu.Lock()
	s.bundles[clientID] = b
	s.mu.Unlock()
	return b
}

// Get returns the client's bundle, or the defaults if none was synced.
func (s *Store) Get(clientID string) Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.bundles[clientID]; ok {
		return b
	}
	return DefaultBundle()
}

// Drop removes a client's bundle on teardown.
func (s *Store) Drop(clientID string) {
	s.mu.Lock()
	delete(s.bundles, clientID)
	s.mu.Unlock()
}

// String implements fmt.Stringer without leaking custom header values.
func (b Bundle) String() string {
	return fmt.Sprintf("general=%s/%s tactical=%s/%s ctx=%d mode=%q",
		b.General.Provider, b.General.Model,
		b.Tactical.Provider, b.Tactical.Model,
		b.MaximumMessageContext, b.ChatProcessingMode)
}
