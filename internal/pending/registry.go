// Package pending is the rendezvous point between tool handlers awaiting a
// frontend response and the inbound frames that carry it. Correlation is by
// request id only — never by frame type or client.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Awaited frame categories, recorded for diagnostics.
type AwaitedType string

const (
	AwaitDiceResult   AwaitedType = "dice_result"
	AwaitCombatState  AwaitedType = "combat_state"
	AwaitActorSheet   AwaitedType = "actor_sheet"
	AwaitAttributeAck AwaitedType = "attribute_mod_ack"
)

var (
	// ErrTimeout is returned by Await when the deadline passes first.
	// Handlers inspect it and apply their tool-specific cache recovery.
	ErrTimeout = errors.New("pending: timeout waiting for frontend response")

	// ErrCancelled is returned when the call was cancelled, typically
	// because the client link closed.
	ErrCancelled = errors.New("pending: call cancelled")
)

type outcome struct {
	data json.RawMessage
	err  error
}

type call struct {
	requestID string
	clientID  string
	awaited   AwaitedType
	created   time.Time
	ch        chan outcome // buffered(1); completed at most once by design
}

// Registry correlates asynchronous frontend responses with suspended tool
// calls. It is the unique mutator of its own entries: resolve, reject,
// cancel, and the timeout path all remove the entry under the same lock, so
// each completion sink fires exactly once and the loser is a no-op.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*call
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*call)}
}

// Handle is the caller side of one pending call.
type Handle struct {
	reg       *Registry
	requestID string
	ch        <-chan outcome
}

// RequestID returns the correlation id to place in the outbound frame.
func (h *Handle) RequestID() string { return h.requestID }

// Register allocates a request id and stores a pending call for it.
func (r *Registry) Register(clientID string, awaited AwaitedType) (string, *Handle) {
	id := uuid.NewString()
	c := &call{
		requestID: id,
		clientID:  clientID,
		awaited:   awaited,
		created:   time.Now(),
		ch:        make(chan outcome, 1),
	}

	r.mu.Lock()
	r.calls[id] = c
	r.mu.Unlock()

	return id, &Handle{reg: r, requestID: id, ch: c.ch}
}

// take removes and returns the call for id, or nil if already completed.
func (r *Registry) take(id string) *call {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return nil
	}
	delete(r.calls, id)
	return c
}

// Resolve fulfils a pending call with a frontend payload.
// Returns false if the call was already completed or timed out.
func (r *Registry) Resolve(requestID string, data json.RawMessage) bool {
	c := r.take(requestID)
	if c == nil {
		slog.Debug("pending.late_resolve", "request_id", requestID)
		return false
	}
	c.ch <- outcome{data: data}
	return true
}

// Reject fails a pending call. Symmetric with Resolve.
func (r *Registry) Reject(requestID string, err error) bool {
	c := r.take(requestID)
	if c == nil {
		slog.Debug("pending.late_reject", "request_id", requestID)
		return false
	}
	c.ch <- outcome{err: err}
	return true
}

// Cancel removes a call without resolving it. The handle completes with
// ErrCancelled. Used on link teardown.
func (r *Registry) Cancel(requestID string) {
	c := r.take(requestID)
	if c == nil {
		return
	}
	c.ch <- outcome{err: ErrCancelled}
}

// CancelClient cancels every pending call registered for a client, so tool
// handlers awaiting that client fail fast with a transport error.
func (r *Registry) CancelClient(clientID string) {
	r.mu.Lock()
	var victims []*call
	for id, c := range r.calls {
		if c.clientID == clientID {
			delete(r.calls, id)
			victims = append(victims, c)
		}
	}
	r.mu.Unlock()

	for _, c := range victims {
		c.ch <- outcome{err: ErrCancelled}
	}
}

// Len reports the number of in-flight calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Await blocks until the call completes, the timeout passes, or ctx is done.
// The timeout path removes the entry itself, so a resolve arriving later
// finds nothing and is discarded.
func (h *Handle) Await(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-h.ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.data, nil
	case <-timer.C:
		// Lost the race only if a resolver got there between the timer
		// firing and this removal; honour its result in that case.
		if c := h.reg.take(h.requestID); c == nil {
			select {
			case out := <-h.ch:
				if out.err != nil {
					return nil, out.err
				}
				return out.data, nil
			default:
			}
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		h.reg.Cancel(h.requestID)
		return nil, ctx.Err()
	}
}
