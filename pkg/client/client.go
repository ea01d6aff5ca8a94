// Package client is a minimal arbiter WebSocket client. It speaks the same
// frame protocol as the VTT frontend and backs the `arbiter client` probe
// command; integrations can use it to script a session.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tableforge/arbiter/pkg/protocol"
)

// Options configure a connection.
type Options struct {
	URL      string // ws://host:port/ws
	ClientID string
	Token    string
}

// Client is one connected probe session.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
	opts Options
}

// Dial connects and completes the handshake, returning after the connected
// acknowledgement arrives.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" || opts.ClientID == "" {
		return nil, fmt.Errorf("client: url and client id are required")
	}

	conn, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", opts.URL, err)
	}
	conn.SetReadLimit(1 << 20)

	c := &Client{conn: conn, opts: opts}
	if err := c.handshake(ctx); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	connect, err := protocol.NewFrame(protocol.FrameConnect, protocol.ConnectData{
		ClientID: c.opts.ClientID,
		Token:    c.opts.Token,
	})
	if err != nil {
		return err
	}
	if err := c.Send(ctx, connect); err != nil {
		return err
	}

	ack, err := c.Read(ctx)
	if err != nil {
		return fmt.Errorf("client: awaiting connected: %w", err)
	}
	switch ack.Type {
	case protocol.FrameConnected:
		return nil
	case protocol.FrameError:
		var e protocol.ErrorData
		_ = ack.Decode(&e)
		return fmt.Errorf("client: handshake rejected: %s", e.Error)
	default:
		return fmt.Errorf("client: unexpected handshake reply %q", ack.Type)
	}
}

// Send writes one frame. Safe for concurrent use.
func (c *Client) Send(ctx context.Context, f *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, f)
}

// Read blocks until the next frame arrives.
func (c *Client) Read(ctx context.Context) (*protocol.Frame, error) {
	var f protocol.Frame
	if err := wsjson.Read(ctx, c.conn, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Ping sends a ping and waits for the pong.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	ping, err := protocol.NewFrame(protocol.FramePing, nil)
	if err != nil {
		return 0, err
	}
	if err := c.Send(ctx, ping); err != nil {
		return 0, err
	}
	for {
		f, err := c.Read(ctx)
		if err != nil {
			return 0, err
		}
		if f.Type == protocol.FramePong {
			return time.Since(start), nil
		}
	}
}

// SendChat submits a chat message event, as the frontend would after a
// player speaks.
func (c *Client) SendChat(ctx context.Context, speaker, content string) error {
	f, err := protocol.NewFrame(protocol.FrameChatMessage, map[string]string{
		"speaker": speaker,
		"content": content,
	})
	if err != nil {
		return err
	}
	f.Timestamp = time.Now().UnixMilli()
	return c.Send(ctx, f)
}

// RequestChat sends a chat_request and blocks until the final chat_response
// or error frame for it arrives. Tool-call frames received while waiting are
// answered with empty results so the turn can finish.
func (c *Client) RequestChat(ctx context.Context, contextCount int) (json.RawMessage, error) {
	req, err := protocol.NewFrame(protocol.FrameChatRequest, protocol.ChatRequestData{
		ContextCount: contextCount,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Send(ctx, req); err != nil {
		return nil, err
	}

	for {
		f, err := c.Read(ctx)
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case protocol.FrameChatResponse:
			var data protocol.ChatResponseData
			if err := f.Decode(&data); err != nil {
				return nil, err
			}
			return data.Message, nil
		case protocol.FrameError:
			var e protocol.ErrorData
			_ = f.Decode(&e)
			return nil, fmt.Errorf("client: chat request failed: %s", e.Error)
		default:
			if f.RequestID != "" {
				if err := c.answerToolFrame(ctx, f); err != nil {
					return nil, err
				}
			}
		}
	}
}

// answerToolFrame acknowledges a backend tool frame with a minimal stub so
// an unattended probe does not stall the turn until its timeout.
func (c *Client) answerToolFrame(ctx context.Context, f *protocol.Frame) error {
	var reply *protocol.Frame
	var err error
	switch f.Type {
	case protocol.FrameExecuteRoll:
		reply, err = protocol.NewRequestFrame(protocol.FrameRollResult, f.RequestID,
			protocol.RollResultData{})
	case protocol.FrameCombatStateRefresh, protocol.FrameCreateEncounter,
		protocol.FrameDeleteEncounter, protocol.FrameActivateCombat, protocol.FrameAdvanceTurn:
		reply, err = protocol.NewRequestFrame(protocol.FrameCombatState, f.RequestID,
			protocol.CombatStateData{})
	case protocol.FrameGetActorDetails:
		reply, err = protocol.NewRequestFrame(protocol.FrameActorDetails, f.RequestID,
			map[string]any{})
	case protocol.FrameModifyTokenAttr:
		reply, err = protocol.NewRequestFrame(protocol.FrameModifyAttrResult, f.RequestID,
			map[string]any{"success": true})
	default:
		return nil
	}
	if err != nil {
		return err
	}
	return c.Send(ctx, reply)
}

// Close shuts the connection down cleanly.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
