// Package bus carries messages between the surfaces of one process: the
// page that shows anchors, the panel that lists them, the HTTP and MCP
// front ends.
//
// Two shapes are supported. Requests go to exactly one handler and wait for
// its answer:
//
//	b.Handle("get_anchors", h)
//	resp, err := b.Call(ctx, "get_anchors", payload)
//
// Notifications fan out to every subscriber and never wait:
//
//	msgs, cancel := b.Subscribe(16)
//	defer cancel()
//	b.Notify(ctx, "refresh", payload)
//
// Delivery of notifications is best effort. A subscriber whose buffer is
// full misses the message; the drop is counted and logged, never retried.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Request actions.
const (
	ActionGetAnchors   = "get_anchors"
	ActionSaveAnchor   = "save_anchor"
	ActionRemoveAnchor = "remove_anchor"
	ActionUpdateAnchor = "update_anchor"
	ActionListPages    = "list_pages"
)

// Notification actions.
const (
	ActionAnchorSaved   = "anchor_saved"
	ActionAnchorRemoved = "anchor_removed"
	ActionRefresh       = "refresh"
)

// ErrNoHandler is returned by Call when no handler serves the action.
var ErrNoHandler = errors.New("bus: no handler")

// Handler serves one request action: JSON in, JSON out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Message is one notification.
type Message struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      int64           `json:"at"` // unix millis
}

type subscriber struct {
	ch   chan Message
	once sync.Once
}

// Bus is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	subs     map[uint64]*subscriber
	nextSub  uint64
	dropped  atomic.Int64
	logger   *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string]Handler),
		subs:     make(map[uint64]*subscriber),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Handle registers h for action, replacing any previous handler.
func (b *Bus) Handle(action string, h Handler) {
	b.mu.Lock()
	b.handlers[action] = h
	b.mu.Unlock()
}

// Call sends a request and waits for the handler's answer. A panicking
// handler is turned into an error.
func (b *Bus) Call(ctx context.Context, action string, payload []byte) (resp []byte, err error) {
	b.mu.RLock()
	h := b.handlers[action]
	b.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, action)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "bus: handler panic recovered",
				"action", action, "panic", r, "stack", string(debug.Stack()))
			resp, err = nil, fmt.Errorf("bus: handler %s panicked: %v", action, r)
		}
	}()
	start := time.Now()
	resp, err = h(ctx, payload)
	if err != nil {
		b.logger.DebugContext(ctx, "bus: call failed", "action", action, "error", err)
	} else {
		b.logger.DebugContext(ctx, "bus: call", "action", action, "duration_ms", time.Since(start).Milliseconds())
	}
	return resp, err
}

// CallJSON marshals req, calls action and unmarshals the answer into resp
// when resp is non-nil.
func (b *Bus) CallJSON(ctx context.Context, action string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", action, err)
	}
	out, err := b.Call(ctx, action, payload)
	if err != nil {
		return err
	}
	if resp == nil || len(out) == 0 {
		return nil
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return fmt.Errorf("bus: unmarshal %s: %w", action, err)
	}
	return nil
}

// Subscribe returns a channel receiving every later notification and a
// cancel function that closes it. buffer below 1 is raised to 1.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan Message, buffer)}

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = s
	b.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Notify publishes a notification without blocking. payload is marshalled
// to JSON unless it already is a []byte or json.RawMessage. It returns the
// number of subscribers the message reached.
func (b *Bus) Notify(ctx context.Context, action string, payload any) (int, error) {
	raw, err := encode(payload)
	if err != nil {
		return 0, fmt.Errorf("bus: marshal %s: %w", action, err)
	}
	msg := Message{Action: action, Payload: raw, At: time.Now().UnixMilli()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, s := range b.subs {
		select {
		case s.ch <- msg:
			delivered++
		default:
			b.dropped.Add(1)
			b.logger.WarnContext(ctx, "bus: subscriber full, notification dropped", "action", action)
		}
	}
	return delivered, nil
}

// Dropped returns how many notifications were lost to full subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}
