package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wcygan/content-approval/types"
)

var (
	// ErrBusClosed indicates the event bus has been stopped.
	ErrBusClosed = errors.New("events: bus is closed")
	// ErrChannelFull indicates the event channel cannot accept more events.
	ErrChannelFull = errors.New("events: channel is full")
)

// Event types published by the approval engine. Subscribers use these to
// drive notifications and dashboards without coupling to the engine.
const (
	TypeStatusChanged     = "status_changed"
	TypeReviewRequested   = "review_requested"
	TypeDecisionRecorded  = "decision_recorded"
	TypeProjectionStalled = "projection_stalled"
)

// Event is a notification about one approval instance.
type Event struct {
	Type       string
	WorkflowID string
	ContentID  int64
	Status     types.Status
	Data       map[string]interface{}
}

// Handler consumes published events.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error { return f(ctx, event) }

// Bus fans events out to subscribers asynchronously. Delivery is
// best-effort: a full buffer drops the publish with ErrChannelFull rather
// than blocking a transition.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	eventCh    chan Event
	errHandler func(event Event, err error)

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) { b.eventCh = make(chan Event, size) }
}

// WithErrorHandler sets the callback invoked when a subscriber fails.
func WithErrorHandler(handler func(event Event, err error)) Option {
	return func(b *Bus) { b.errHandler = handler }
}

// NewBus creates a Bus and starts its delivery goroutine.
func NewBus(options ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		eventCh:  make(chan Event, 64),
		errHandler: func(event Event, err error) {
			fmt.Printf("events: handler error for %s (%s): %v\n", event.Type, event.WorkflowID, err)
		},
	}
	for _, option := range options {
		option(b)
	}

	b.wg.Add(1)
	go b.process()
	return b
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeFunc registers a function as a handler for an event type.
func (b *Bus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) {
	b.Subscribe(eventType, HandlerFunc(fn))
}

// Publish enqueues an event for asynchronous delivery. Events with no
// subscribers are silently discarded.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.RLock()
	_, has := b.handlers[event.Type]
	b.mu.RUnlock()
	if !has {
		return nil
	}

	// Hold the close lock across the send so Stop cannot close the
	// channel underneath us.
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Stop shuts the bus down, draining undelivered events.
func (b *Bus) Stop() {
	b.closeMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.eventCh)
	}
	b.closeMu.Unlock()
	b.wg.Wait()
}

func (b *Bus) process() {
	defer b.wg.Done()
	for event := range b.eventCh {
		b.mu.RLock()
		handlers := b.handlers[event.Type]
		b.mu.RUnlock()

		for _, h := range handlers {
			if err := h.Handle(context.Background(), event); err != nil {
				b.errHandler(event, err)
			}
		}
	}
}
