package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is bumped whenever the frame catalog changes shape.
const ProtocolVersion = 3

// Inbound frame types (VTT client → backend).
const (
	FrameConnect          = "connect"
	FramePing             = "ping"
	FrameSettingsSync     = "settings_sync"
	FrameChatMessage      = "chat_message"
	FrameDiceRoll         = "dice_roll"
	FrameCombatContext    = "combat_context"
	FrameWorldState       = "world_state"
	FrameChatRequest      = "chat_request"
	FrameRollResult       = "roll_result"
	FrameCombatState      = "combat_state"
	FrameActorDetails     = "actor_details_result"
	FrameModifyAttrResult = "modify_attribute_result"
)

// Outbound frame types (backend → VTT client).
const (
	FrameConnected          = "connected"
	FramePong               = "pong"
	FrameError              = "error"
	FrameChatResponse       = "chat_response"
	FrameExecuteRoll        = "execute_roll"
	FrameCombatStateRefresh = "combat_state_refresh"
	FrameCreateEncounter    = "create_encounter"
	FrameDeleteEncounter    = "delete_encounter"
	FrameActivateCombat     = "activate_combat"
	FrameAdvanceTurn        = "advance_turn"
	FrameGetActorDetails    = "get_actor_details"
	FrameModifyTokenAttr    = "modify_token_attribute"
)

// Frame is the wire envelope for every message in both directions.
// RequestID is set only on frames participating in a tool-call rendezvous;
// the client echoes it unchanged in its response frame.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // ms since epoch
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame with the payload marshalled into Data.
func NewFrame(frameType string, payload any) (*Frame, error) {
	f := &Frame{Type: frameType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", frameType, err)
		}
		f.Data = data
	}
	return f, nil
}

// NewRequestFrame builds a rendezvous frame carrying a request id.
func NewRequestFrame(frameType, requestID string, payload any) (*Frame, error) {
	f, err := NewFrame(frameType, payload)
	if err != nil {
		return nil, err
	}
	f.RequestID = requestID
	return f, nil
}

// Decode unmarshals the frame payload into dst.
func (f *Frame) Decode(dst any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", f.Type, err)
	}
	return nil
}

// ConnectData is the payload of a connect frame.
type ConnectData struct {
	ClientID  string          `json:"client_id"`
	Token     string          `json:"token,omitempty"`
	WorldInfo json.RawMessage `json:"world_info,omitempty"`
	UserInfo  json.RawMessage `json:"user_info,omitempty"`
}

// ConnectedData acknowledges a successful handshake.
type ConnectedData struct {
	ClientID   string `json:"client_id"`
	ServerTime int64  `json:"server_time"`
}

// ErrorData carries a short textual cause back to the sender.
type ErrorData struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame builds an error frame with the current wall time.
func ErrorFrame(cause string) *Frame {
	f, _ := NewFrame(FrameError, ErrorData{
		Error:     cause,
		Timestamp: time.Now().UnixMilli(),
	})
	return f
}

// ChatRequestData is the payload of a chat_request frame.
// ContextCount is required; there is exactly one spelling of it.
type ChatRequestData struct {
	Messages     []json.RawMessage `json:"messages,omitempty"`
	ContextCount int               `json:"context_count"`
	SessionID    string            `json:"session_id,omitempty"`
	SceneID      string            `json:"scene_id,omitempty"`
	CombatState  json.RawMessage   `json:"combat_state,omitempty"`
}

// RollResultData is the payload of a roll_result frame.
type RollResultData struct {
	Results []RollOutcome `json:"results"`
}

// RollOutcome is one executed dice formula.
type RollOutcome struct {
	Formula string  `json:"formula"`
	Total   float64 `json:"total"`
	Results []any   `json:"r,omitempty"`
	Flavor  string  `json:"flavor,omitempty"`
}

// CombatStateData is the payload of combat_state and combat_context frames.
type CombatStateData struct {
	CombatID   string          `json:"combat_id"`
	InCombat   bool            `json:"in_combat"`
	Round      int             `json:"round"`
	Turn       int             `json:"turn"`
	Combatants []CombatantData `json:"combatants,omitempty"`
}

// CombatantData describes one combatant within an encounter.
type CombatantData struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Initiative    float64 `json:"initiative"`
	IsPlayer      bool    `json:"is_player"`
	IsCurrentTurn bool    `json:"is_current_turn"`
	ActorID       string  `json:"actor_id,omitempty"`
}

// ChatResponseData wraps one final or tool-posted chat message.
type ChatResponseData struct {
	Message json.RawMessage `json:"message"`
}
