package tools

import "context"

// Tool execution context keys. Per-call values travel in context rather than
// mutable fields on tool instances, keeping tools safe for concurrent
// execution across clients.

type toolContextKey string

const ctxClientID toolContextKey = "tool_client_id"

func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ctxClientID, clientID)
}

func ClientIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxClientID).(string)
	return v
}
