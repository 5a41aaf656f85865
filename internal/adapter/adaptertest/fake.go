// Package adaptertest provides a scripted in-memory adapter.
package adaptertest

import (
	"context"
	"sync"

	"groupvault/internal/adapter"
	"groupvault/internal/types"
)

// Fake is a scriptable adapter.Adapter. Hooks override the default
// behaviour; without them Connect succeeds silently, State reports
// CONNECTED and Chats returns the configured list.
type Fake struct {
	ConnectFunc func(ctx context.Context, opts adapter.ConnectOptions) error
	DestroyFunc func(ctx context.Context) error
	StateFunc   func(ctx context.Context) (string, error)
	ChatsFunc   func(ctx context.Context) ([]types.ChatRef, error)
	// OnConnect runs after a successful Connect, e.g. to emit events.
	OnConnect func(f *Fake, opts adapter.ConnectOptions)

	events chan adapter.Event

	mu       sync.Mutex
	self     string
	state    string
	chats    []types.ChatRef
	connects []adapter.ConnectOptions
	destroys int
}

// New returns a Fake with a buffered event channel.
func New() *Fake {
	return &Fake{events: make(chan adapter.Event, 256), state: adapter.StateConnected}
}

// AutoReady makes every Connect emit authenticated then ready.
func AutoReady(f *Fake, _ adapter.ConnectOptions) {
	f.Emit(adapter.Event{Kind: adapter.EventAuthenticated})
	f.Emit(adapter.Event{Kind: adapter.EventReady})
}

func (f *Fake) Connect(ctx context.Context, opts adapter.ConnectOptions) error {
	f.mu.Lock()
	f.connects = append(f.connects, opts)
	f.mu.Unlock()
	if f.ConnectFunc != nil {
		if err := f.ConnectFunc(ctx, opts); err != nil {
			return err
		}
	}
	if f.OnConnect != nil {
		f.OnConnect(f, opts)
	}
	return nil
}

func (f *Fake) Destroy(ctx context.Context) error {
	f.mu.Lock()
	f.destroys++
	f.mu.Unlock()
	if f.DestroyFunc != nil {
		return f.DestroyFunc(ctx)
	}
	return nil
}

func (f *Fake) State(ctx context.Context) (string, error) {
	if f.StateFunc != nil {
		return f.StateFunc(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *Fake) Chats(ctx context.Context) ([]types.ChatRef, error) {
	if f.ChatsFunc != nil {
		return f.ChatsFunc(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ChatRef(nil), f.chats...), nil
}

func (f *Fake) Self() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.self
}

func (f *Fake) Events() <-chan adapter.Event { return f.events }

// Emit queues an event.
func (f *Fake) Emit(ev adapter.Event) { f.events <- ev }

// Disconnect emits a disconnected event with reason.
func (f *Fake) Disconnect(reason string) {
	f.Emit(adapter.Event{Kind: adapter.EventDisconnected, Reason: reason})
}

// Deliver emits a message event.
func (f *Fake) Deliver(ev types.InboundEvent) {
	f.Emit(adapter.Event{Kind: adapter.EventMessage, Message: &ev})
}

// SetSelf sets the account id.
func (f *Fake) SetSelf(id string) {
	f.mu.Lock()
	f.self = id
	f.mu.Unlock()
}

// SetState sets the State() answer.
func (f *Fake) SetState(s string) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// SetChats sets the Chats() answer.
func (f *Fake) SetChats(chats []types.ChatRef) {
	f.mu.Lock()
	f.chats = chats
	f.mu.Unlock()
}

// Connects returns the options of every Connect call so far.
func (f *Fake) Connects() []adapter.ConnectOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.ConnectOptions(nil), f.connects...)
}

// Destroys returns the number of Destroy calls.
func (f *Fake) Destroys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroys
}

var _ adapter.Adapter = (*Fake)(nil)
