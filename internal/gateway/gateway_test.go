package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tableforge/arbiter/internal/collector"
	"github.com/tableforge/arbiter/internal/config"
	"github.com/tableforge/arbiter/internal/orchestrator"
	"github.com/tableforge/arbiter/internal/pending"
	"github.com/tableforge/arbiter/internal/session"
	"github.com/tableforge/arbiter/internal/settings"
	"github.com/tableforge/arbiter/pkg/protocol"
)

type fakeRunner struct {
	result *orchestrator.TurnResult
	err    error
	reqs   chan orchestrator.TurnRequest
}

func (f *fakeRunner) Run(_ context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error) {
	if f.reqs != nil {
		f.reqs <- req
	}
	return f.result, f.err
}

type fixture struct {
	server   *Server
	addr     string
	col      *collector.Collector
	pend     *pending.Registry
	sessions *session.Store
	set      *settings.Store
	runner   *fakeRunner
}

func newTestFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	col := collector.New(100, time.Hour)
	sessions := session.NewStore(time.Hour, nil)
	set := settings.NewStore()
	pend := pending.NewRegistry()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewServer(cfg, col, sessions, set, pend, log)
	runner := &fakeRunner{
		result: &orchestrator.TurnResult{Content: "narration"},
		reqs:   make(chan orchestrator.TurnRequest, 4),
	}
	s.SetTurnRunner(runner)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, err := StartTestServer(ctx, s)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	return &fixture{server: s, addr: addr, col: col, pend: pend, sessions: sessions, set: set, runner: runner}
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func connect(t *testing.T, conn *websocket.Conn, clientID, token string) {
	t.Helper()
	writeFrameT(t, conn, protocol.FrameConnect, "", protocol.ConnectData{ClientID: clientID, Token: token})
	f := readFrame(t, conn)
	if f.Type != protocol.FrameConnected {
		t.Fatalf("expected connected, got %s", f.Type)
	}
}

func writeFrameT(t *testing.T, conn *websocket.Conn, frameType, requestID string, payload any) {
	t.Helper()
	f, err := protocol.NewRequestFrame(frameType, requestID, payload)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &f
}

func TestHandshakeAndPing(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	writeFrameT(t, conn, protocol.FramePing, "", nil)
	f := readFrame(t, conn)
	if f.Type != protocol.FramePong {
		t.Fatalf("expected pong, got %s", f.Type)
	}
	var pong struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := f.Decode(&pong); err != nil {
		t.Fatal(err)
	}
	if pong.Timestamp == 0 {
		t.Fatal("pong carries no timestamp")
	}
}

func TestHandshakeRequiresClientID(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)

	writeFrameT(t, conn, protocol.FrameConnect, "", protocol.ConnectData{})
	f := readFrame(t, conn)
	if f.Type != protocol.FrameError {
		t.Fatalf("expected error frame, got %s", f.Type)
	}
}

func TestHandshakeTokenMismatch(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.Token = "secret"
	fx := newTestFixture(t, cfg)
	conn := dial(t, fx.addr)

	writeFrameT(t, conn, protocol.FrameConnect, "", protocol.ConnectData{ClientID: "c1", Token: "wrong"})
	f := readFrame(t, conn)
	if f.Type != protocol.FrameError {
		t.Fatalf("expected error frame, got %s", f.Type)
	}
}

func TestDuplicateClientIDRejected(t *testing.T) {
	fx := newTestFixture(t, nil)
	first := dial(t, fx.addr)
	connect(t, first, "client-1", "")

	second := dial(t, fx.addr)
	writeFrameT(t, second, protocol.FrameConnect, "", protocol.ConnectData{ClientID: "client-1"})
	f := readFrame(t, second)
	if f.Type != protocol.FrameError {
		t.Fatalf("expected error frame for duplicate id, got %s", f.Type)
	}

	// The first connection stays serviceable.
	writeFrameT(t, first, protocol.FramePing, "", nil)
	if f := readFrame(t, first); f.Type != protocol.FramePong {
		t.Fatalf("first connection broken: got %s", f.Type)
	}
}

func waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEventFramesFeedCollector(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	writeFrameT(t, conn, protocol.FrameChatMessage, "", map[string]any{
		"speaker": "Bob", "content": "hello there",
	})
	writeFrameT(t, conn, protocol.FrameDiceRoll, "", map[string]any{
		"formula": "1d20", "total": 17,
	})
	writeFrameT(t, conn, protocol.FrameCombatContext, "", protocol.CombatStateData{
		CombatID: "enc-1", InCombat: true, Round: 2, Turn: 1,
	})

	waitFor(t, "collector entries", func() bool {
		return len(fx.col.Recent("client-1", 0)) == 2
	})
	entries := fx.col.Recent("client-1", 0)
	if entries[0].Kind != collector.KindChat || entries[1].Kind != collector.KindRoll {
		t.Fatalf("entry kinds = %s,%s", entries[0].Kind, entries[1].Kind)
	}

	waitFor(t, "encounter upsert", func() bool {
		_, ok := fx.col.Encounter("client-1", "enc-1")
		return ok
	})
	enc, _ := fx.col.Encounter("client-1", "enc-1")
	if !enc.IsActive || enc.Round != 2 {
		t.Fatalf("encounter state = %+v", enc)
	}
}

func TestEventFramesKeepDataTimestamp(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	// No envelope timestamp; the payload field must be used as-is so a
	// later chat_request resend of the same events deduplicates.
	writeFrameT(t, conn, protocol.FrameDiceRoll, "", map[string]any{
		"timestamp": 1000, "formula": "1d6", "total": 4,
	})
	writeFrameT(t, conn, protocol.FrameChatMessage, "", map[string]any{
		"timestamp": 2000, "speaker": "Bob", "content": "nice roll",
	})

	waitFor(t, "collector entries", func() bool {
		return len(fx.col.Recent("client-1", 0)) == 2
	})
	entries := fx.col.Recent("client-1", 0)
	if entries[0].Timestamp != 1000 || entries[1].Timestamp != 2000 {
		t.Fatalf("timestamps = %d,%d, want 1000,2000",
			entries[0].Timestamp, entries[1].Timestamp)
	}

	writeFrameT(t, conn, protocol.FrameChatRequest, "", protocol.ChatRequestData{
		ContextCount: 10,
		Messages: []json.RawMessage{
			json.RawMessage(`{"timestamp":1000,"type":"dice_roll","formula":"1d6","total":4}`),
			json.RawMessage(`{"timestamp":2000,"speaker":"Bob","content":"nice roll"}`),
		},
	})
	<-fx.runner.reqs
	if got := len(fx.col.Recent("client-1", 0)); got != 2 {
		t.Fatalf("entries after resend = %d, want 2 (duplicates re-ingested)", got)
	}
}

func TestSettingsSync(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	writeFrameT(t, conn, protocol.FrameSettingsSync, "", map[string]any{
		"settings": map[string]any{
			"general_llm_provider": "anthropic",
			"general_llm_model":    "claude-sonnet",
			"ai_role":              "Dungeon Master",
		},
	})

	waitFor(t, "settings sync", func() bool {
		return fx.set.Get("client-1").General.Provider == "anthropic"
	})
	b := fx.set.Get("client-1")
	if b.General.Model != "claude-sonnet" || b.AIRole != "Dungeon Master" {
		t.Fatalf("bundle = %+v", b)
	}
}

func TestResponseFrameResolvesPending(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	requestID, handle := fx.pend.Register("client-1", pending.AwaitDiceResult)
	writeFrameT(t, conn, protocol.FrameRollResult, requestID, protocol.RollResultData{
		Results: []protocol.RollOutcome{{Formula: "1d20", Total: 13}},
	})

	data, err := handle.Await(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	var rr protocol.RollResultData
	if err := json.Unmarshal(data, &rr); err != nil {
		t.Fatal(err)
	}
	if len(rr.Results) != 1 || rr.Results[0].Total != 13 {
		t.Fatalf("resolved payload = %+v", rr)
	}
}

func TestCombatStateFrameIsDualPurpose(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	requestID, handle := fx.pend.Register("client-1", pending.AwaitCombatState)
	writeFrameT(t, conn, protocol.FrameCombatState, requestID, protocol.CombatStateData{
		CombatID: "enc-9", InCombat: true, Round: 1,
	})

	if _, err := handle.Await(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}
	// Cache updated even though a tool call consumed the frame.
	enc, ok := fx.col.Encounter("client-1", "enc-9")
	if !ok || !enc.IsActive {
		t.Fatalf("encounter cache not updated: ok=%v state=%+v", ok, enc)
	}
}

func TestChatRequestRunsTurnAndResponds(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	writeFrameT(t, conn, protocol.FrameChatRequest, "", protocol.ChatRequestData{
		ContextCount: 10,
	})

	req := <-fx.runner.reqs
	if req.ClientID != "client-1" || req.SessionID == "" {
		t.Fatalf("turn request = %+v", req)
	}
	if req.Mode != settings.ModeGeneral {
		t.Fatalf("mode = %q", req.Mode)
	}
	if req.CallCfg.ProviderID == "" || req.CallCfg.ModelID == "" {
		t.Fatalf("call config not resolved: %+v", req.CallCfg)
	}

	f := readFrame(t, conn)
	if f.Type != protocol.FrameChatResponse {
		t.Fatalf("expected chat_response, got %s", f.Type)
	}
	var data protocol.ChatResponseData
	if err := f.Decode(&data); err != nil {
		t.Fatal(err)
	}
	var msg struct {
		Content   string `json:"content"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data.Message, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Content != "narration" || msg.SessionID != req.SessionID {
		t.Fatalf("response message = %+v", msg)
	}
}

func TestChatRequestRequiresContextCount(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	writeFrameT(t, conn, protocol.FrameChatRequest, "", protocol.ChatRequestData{})
	f := readFrame(t, conn)
	if f.Type != protocol.FrameError {
		t.Fatalf("expected error frame, got %s", f.Type)
	}
	select {
	case req := <-fx.runner.reqs:
		t.Fatalf("turn launched despite invalid request: %+v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChatRequestContextWindowCapped(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	fx.set.Sync("client-1", map[string]any{"maximum_message_context": 3})

	writeFrameT(t, conn, protocol.FrameChatRequest, "", protocol.ChatRequestData{
		ContextCount: 50,
	})
	req := <-fx.runner.reqs
	if req.ContextCount != 3 {
		t.Fatalf("context count = %d, want capped to 3", req.ContextCount)
	}

	// Requests inside the ceiling pass through unchanged.
	writeFrameT(t, conn, protocol.FrameChatRequest, "", protocol.ChatRequestData{
		ContextCount: 2,
	})
	req = <-fx.runner.reqs
	if req.ContextCount != 2 {
		t.Fatalf("context count = %d, want 2", req.ContextCount)
	}
}

func TestChatRequestActiveCombatPicksTactical(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	fx.col.UpsertEncounter("client-1", collector.EncounterState{
		EncounterID: "enc-1", IsActive: true, Round: 1,
	})

	writeFrameT(t, conn, protocol.FrameChatRequest, "", protocol.ChatRequestData{ContextCount: 5})
	req := <-fx.runner.reqs
	if req.Mode != settings.ModeTactical {
		t.Fatalf("mode = %q, want tactical", req.Mode)
	}
}

func TestChatRequestExplicitModeWins(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	fx.col.UpsertEncounter("client-1", collector.EncounterState{
		EncounterID: "enc-1", IsActive: true,
	})
	fx.set.Sync("client-1", map[string]any{"chat_processing_mode": "general"})

	writeFrameT(t, conn, protocol.FrameChatRequest, "", protocol.ChatRequestData{ContextCount: 5})
	req := <-fx.runner.reqs
	if req.Mode != settings.ModeGeneral {
		t.Fatalf("mode = %q, want general despite active combat", req.Mode)
	}
}

func TestChatRequestFailureSendsErrorFrame(t *testing.T) {
	fx := newTestFixture(t, nil)
	fx.runner.result = nil
	fx.runner.err = context.DeadlineExceeded

	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	writeFrameT(t, conn, protocol.FrameChatRequest, "", protocol.ChatRequestData{ContextCount: 5})
	<-fx.runner.reqs
	f := readFrame(t, conn)
	if f.Type != protocol.FrameError {
		t.Fatalf("expected error frame, got %s", f.Type)
	}
}

func TestUnknownFrameReturnsError(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	writeFrameT(t, conn, "mystery_frame", "", nil)
	f := readFrame(t, conn)
	if f.Type != protocol.FrameError {
		t.Fatalf("expected error frame, got %s", f.Type)
	}
}

func TestDisconnectCancelsPendingCalls(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	_, handle := fx.pend.Register("client-1", pending.AwaitCombatState)
	conn.Close()

	if _, err := handle.Await(context.Background(), 2*time.Second); err != pending.ErrCancelled {
		t.Fatalf("await after disconnect: %v, want ErrCancelled", err)
	}
}

func TestMergeMessagesDeduplicatesByTimestamp(t *testing.T) {
	fx := newTestFixture(t, nil)
	conn := dial(t, fx.addr)
	connect(t, conn, "client-1", "")

	fx.col.AppendChat("client-1", collector.Entry{Timestamp: 500, Payload: json.RawMessage(`{"content":"seen"}`)})

	writeFrameT(t, conn, protocol.FrameChatRequest, "", protocol.ChatRequestData{
		ContextCount: 10,
		Messages: []json.RawMessage{
			json.RawMessage(`{"timestamp":500,"content":"seen"}`),
			json.RawMessage(`{"timestamp":600,"content":"fresh"}`),
		},
	})
	<-fx.runner.reqs

	entries := fx.col.Recent("client-1", 0)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (duplicate skipped)", len(entries))
	}
	if entries[1].Timestamp != 600 {
		t.Fatalf("newest timestamp = %d", entries[1].Timestamp)
	}
}
