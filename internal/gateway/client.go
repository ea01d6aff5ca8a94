package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tableforge/arbiter/internal/collector"
	"github.com/tableforge/arbiter/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // world snapshots can be large
	sendQueueSize  = 64
)

var errSendQueueFull = errors.New("gateway: send queue full")

// Client is one live WebSocket connection after a successful handshake.
type Client struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	limiter *rate.Limiter
	out     chan *protocol.Frame
	done    chan struct{}
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	c := &Client{
		conn:   conn,
		server: s,
		out:    make(chan *protocol.Frame, sendQueueSize),
		done:   make(chan struct{}),
	}
	if rpm := s.cfg.RateLimitRPM(); rpm > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/6+1)
	}
	return c
}

// run performs the handshake and then pumps frames until the connection
// dies. It blocks for the connection's lifetime.
func (c *Client) run() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.handshake(); err != nil {
		c.server.log.Warn("gateway.handshake_failed", "error", err)
		c.writeFrame(protocol.ErrorFrame(err.Error()))
		return
	}
	if err := c.server.register(c); err != nil {
		c.writeFrame(protocol.ErrorFrame(err.Error()))
		return
	}
	defer c.server.unregister(c)
	defer close(c.done)

	ack, err := protocol.NewFrame(protocol.FrameConnected, protocol.ConnectedData{
		ClientID:   c.id,
		ServerTime: time.Now().UnixMilli(),
	})
	if err == nil {
		c.writeFrame(ack)
	}

	go c.writePump()
	c.readPump()
}

// handshake reads the first frame, which must be connect with a client id
// and, when the gateway is token-protected, the matching token.
func (c *Client) handshake() error {
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var f protocol.Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return errors.New("expected connect frame")
	}
	if f.Type != protocol.FrameConnect {
		return errors.New("first frame must be connect")
	}

	var data protocol.ConnectData
	if err := f.Decode(&data); err != nil {
		return errors.New("malformed connect frame")
	}
	if data.ClientID == "" {
		return errors.New("connect requires client_id")
	}
	if token := c.server.cfg.Gateway.Token; token != "" && data.Token != token {
		return errors.New("invalid gateway token")
	}

	c.id = data.ClientID
	if len(data.WorldInfo) > 0 {
		c.server.collector.SetWorld(c.id, data.WorldInfo)
	}
	return nil
}

func (c *Client) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f protocol.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("gateway.read_error", "client", c.id, "error", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.server.log.Warn("gateway.rate_limited", "client", c.id, "frame", f.Type)
			c.send(protocol.ErrorFrame("rate limit exceeded"))
			continue
		}

		c.route(&f)
	}
}

// route dispatches one inbound frame. Response frames resolve pending tool
// calls; event frames feed the collector; chat_request starts a turn.
func (c *Client) route(f *protocol.Frame) {
	switch f.Type {
	case protocol.FramePing:
		if pong, err := protocol.NewFrame(protocol.FramePong, map[string]int64{
			"timestamp": time.Now().UnixMilli(),
		}); err == nil {
			c.send(pong)
		}

	case protocol.FrameSettingsSync:
		var payload struct {
			Settings map[string]any `json:"settings"`
		}
		if err := f.Decode(&payload); err != nil || payload.Settings == nil {
			c.send(protocol.ErrorFrame("malformed settings_sync"))
			return
		}
		bundle := c.server.settings.Sync(c.id, payload.Settings)
		c.server.log.Info("gateway.settings_synced", "client", c.id, "bundle", bundle)

	case protocol.FrameChatMessage:
		c.server.collector.AppendChat(c.id, collector.Entry{
			Timestamp: eventTimestamp(f),
			Kind:      chatKind(f.Data),
			Payload:   f.Data,
		})

	case protocol.FrameDiceRoll:
		c.server.collector.AppendRoll(c.id, collector.Entry{
			Timestamp: eventTimestamp(f),
			Payload:   f.Data,
		})

	case protocol.FrameCombatContext:
		var state protocol.CombatStateData
		if err := f.Decode(&state); err != nil {
			c.send(protocol.ErrorFrame("malformed combat_context"))
			return
		}
		c.server.collector.UpsertEncounter(c.id, toEncounterState(state))

	case protocol.FrameWorldState:
		c.handleWorldState(f)

	case protocol.FrameCombatState:
		// Dual purpose: resolve the awaiting tool call and refresh the
		// cache, so later turns see the state even if the call timed out.
		var state protocol.CombatStateData
		if err := f.Decode(&state); err == nil && state.CombatID != "" {
			c.server.collector.UpsertEncounter(c.id, toEncounterState(state))
		}
		c.resolvePending(f)

	case protocol.FrameRollResult, protocol.FrameActorDetails, protocol.FrameModifyAttrResult:
		c.resolvePending(f)

	case protocol.FrameChatRequest:
		c.handleChatRequest(f)

	default:
		c.server.log.Debug("gateway.unknown_frame", "client", c.id, "frame", f.Type)
		c.send(protocol.ErrorFrame("unknown frame type: " + f.Type))
	}
}

func (c *Client) resolvePending(f *protocol.Frame) {
	if f.RequestID == "" {
		c.server.log.Debug("gateway.response_without_request_id", "client", c.id, "frame", f.Type)
		return
	}
	if !c.server.pending.Resolve(f.RequestID, f.Data) {
		c.server.log.Debug("gateway.late_response", "client", c.id,
			"frame", f.Type, "request_id", f.RequestID)
	}
}

func (c *Client) handleWorldState(f *protocol.Frame) {
	c.server.collector.SetWorld(c.id, f.Data)

	// The frontend may attach a short narrative of changes since the last
	// turn; deposit it for the next context assembly.
	var probe struct {
		ChangesSummary string `json:"changes_summary,omitempty"`
	}
	if err := json.Unmarshal(f.Data, &probe); err == nil && probe.ChangesSummary != "" {
		c.server.collector.SetGameDelta(c.id, probe.ChangesSummary)
	}
}

// eventTimestamp picks the timestamp for an inbound event frame. Some
// frontends stamp the payload instead of the envelope; the payload field is
// also what chat_request deduplication compares against, so it must win
// whenever the envelope is unset.
func eventTimestamp(f *protocol.Frame) int64 {
	if f.Timestamp != 0 {
		return f.Timestamp
	}
	var probe struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(f.Data, &probe); err != nil {
		return 0
	}
	return probe.Timestamp
}

// chatKind classifies a chat_message payload: frames carrying a card shape
// (name + description) are stored as cards.
func chatKind(data json.RawMessage) collector.EntryKind {
	var probe struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Name != "" && probe.Description != "" {
		return collector.KindCard
	}
	return collector.KindChat
}

func toEncounterState(d protocol.CombatStateData) collector.EncounterState {
	combatants := make([]collector.Combatant, 0, len(d.Combatants))
	for _, cb := range d.Combatants {
		combatants = append(combatants, collector.Combatant{
			ID:            cb.ID,
			Name:          cb.Name,
			Initiative:    cb.Initiative,
			IsPlayer:      cb.IsPlayer,
			IsCurrentTurn: cb.IsCurrentTurn,
			ActorID:       cb.ActorID,
		})
	}
	return collector.EncounterState{
		EncounterID: d.CombatID,
		IsActive:    d.InCombat,
		Round:       d.Round,
		Turn:        d.Turn,
		Combatants:  combatants,
	}
}

// send queues a frame for the write pump. Never blocks: a full queue means
// the client is not draining and the frame is dropped with an error.
func (c *Client) send(f *protocol.Frame) error {
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return ErrClientNotConnected
	default:
		c.server.log.Warn("gateway.send_queue_full", "client", c.id, "frame", f.Type)
		return errSendQueueFull
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.out:
			if err := c.writeFrame(f); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeFrame(f *protocol.Frame) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}
