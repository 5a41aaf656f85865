// Package adapter defines the capability the session controller drives:
// an opaque connection to the messaging endpoint that can connect, tear
// down, answer lightweight queries and emit tagged events.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupvault/internal/types"
)

// StateConnected is the State() answer of a healthy session.
const StateConnected = "CONNECTED"

// EventKind tags an Event.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
)

// Event is one adapter notification. Only the field matching Kind is set.
type Event struct {
	Kind EventKind
	// QR is the pairing code for EventQR.
	QR string
	// Reason is the raw cause for EventDisconnected and EventAuthFailure.
	Reason string
	// Message is the payload of EventMessage.
	Message *types.InboundEvent
}

func (e Event) String() string {
	switch e.Kind {
	case EventDisconnected, EventAuthFailure:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Reason)
	case EventMessage:
		if e.Message != nil {
			return fmt.Sprintf("message(%s)", e.Message.ID)
		}
	}
	return string(e.Kind)
}

// ConnectOptions tune a connect attempt.
type ConnectOptions struct {
	// Fresh discards cached credentials and forces interactive auth.
	Fresh bool
}

// Adapter is the capability contract. Events() returns the same channel
// for the adapter's whole lifetime; it is never closed while the adapter
// may still reconnect.
type Adapter interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Destroy(ctx context.Context) error
	State(ctx context.Context) (string, error)
	Chats(ctx context.Context) ([]types.ChatRef, error)
	// Self is the authenticated account id, empty before auth.
	Self() string
	Events() <-chan Event
}

// ErrTimeout wraps calls that exceeded their bound.
var ErrTimeout = errors.New("adapter call timed out")

// Bounded runs fn with a timeout and returns when either fn finishes or
// the timeout passes, even if fn ignores its context.
func Bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result{zero, fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		return zero, ctx.Err()
	}
}
