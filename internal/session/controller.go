// Package session drives the lifecycle of the single live session. The
// Controller runs one event loop: adapter events, timer firings, health
// outcomes and teardown results are all handled there, one at a time, so
// lifecycle state needs no locking beyond the snapshot read by Status.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"groupvault/internal/adapter"
	"groupvault/internal/clock"
	"groupvault/internal/credentials"
	"groupvault/internal/health"
	"groupvault/internal/ingest"
	"groupvault/internal/logging"
	"groupvault/internal/reconnect"
	"groupvault/internal/roster"
	"groupvault/internal/types"
)

var (
	// ErrNotReady is returned by operations that need a READY session.
	ErrNotReady = errors.New("session not ready")
	// ErrTerminated is returned once the controller has shut down.
	ErrTerminated = errors.New("session terminated")
)

// Sink persists normalized messages.
type Sink interface {
	Save(ctx context.Context, msg *types.NormalizedMessage) (int64, error)
}

// Publisher notifies live subscribers.
type Publisher interface {
	Publish(msg types.NormalizedMessage)
}

// Options wires a Controller.
type Options struct {
	Adapter     adapter.Adapter
	Credentials *credentials.Dir
	Scheduler   *reconnect.Scheduler
	Pipeline    *ingest.Pipeline
	Sink        Sink
	Publisher   Publisher

	Health     health.Options
	Roster     roster.Options
	RosterSink roster.Sink

	ConnectTimeout time.Duration
	DestroyTimeout time.Duration
	// ReadyTimeout bounds CONNECTING and AUTHENTICATED. It does not run
	// while a pairing code is waiting to be scanned.
	ReadyTimeout time.Duration
	// QueueSize bounds inbound messages waiting for the pipeline.
	QueueSize int
	// QRPath receives the latest pairing code while auth is pending.
	QRPath string
	Owner  string
	Clock  clock.Clock

	// BeforeTeardown runs during shutdown after the controller's own
	// timers are cancelled and before the adapter is destroyed.
	BeforeTeardown func()
	OnTransition   func(Transition)
	OnQR           func(code string)
}

// Controller owns the session lifecycle.
type Controller struct {
	opts     Options
	adapter  adapter.Adapter
	creds    *credentials.Dir
	sched    *reconnect.Scheduler
	pipeline *ingest.Pipeline
	monitor  *health.Monitor
	roster   *roster.Synchronizer
	clock    clock.Clock

	inbox    chan loopEvent
	healthCh chan loopEvent
	done     chan struct{}
	doneOnce sync.Once
	running  atomic.Bool
	loopCtx  context.Context
	cancel   context.CancelFunc

	// Loop-owned.
	gen            uint64
	connecting     bool
	reconnecting   bool
	pendingFresh   bool
	reconnectTimer *clock.Timer
	readyTimer     *clock.Timer
	readySeq       uint64
	queue          chan types.InboundEvent
	workerDone     chan struct{}
	workerCancel   context.CancelFunc

	dropped atomic.Int64

	mu            sync.RWMutex
	state         types.ConnectionState
	authenticated bool
	history       []Transition
}

const historyLimit = 512

// New builds a Controller in UNINITIALIZED.
func New(opts Options) (*Controller, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("adapter required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credentials dir required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = reconnect.New(reconnect.DefaultPolicy(), opts.Clock, nil)
	}
	if opts.Pipeline == nil {
		opts.Pipeline = ingest.New(ingest.Options{Self: opts.Adapter.Self, Clock: opts.Clock}, nil, nil)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Minute
	}
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = 10 * time.Second
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	opts.Health.Clock = opts.Clock
	opts.Roster.Clock = opts.Clock

	c := &Controller{
		opts:     opts,
		adapter:  opts.Adapter,
		creds:    opts.Credentials,
		sched:    opts.Scheduler,
		pipeline: opts.Pipeline,
		clock:    opts.Clock,
		inbox:    make(chan loopEvent, 64),
		healthCh: make(chan loopEvent, 16),
		done:     make(chan struct{}),
		state:    types.StateUninitialized,
	}
	c.loopCtx, c.cancel = context.WithCancel(context.Background())
	c.monitor = health.New(opts.Health, c.probes(), health.Hooks{
		OnIdle:      func(idle time.Duration) { c.postHealth(idleEvent{idle}) },
		OnRecovered: func() { c.postHealth(recoveredEvent{}) },
		OnStale:     func(err error) { c.postHealth(staleEvent{err}) },
	})
	fetchTimeout := opts.Roster.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = time.Minute
	}
	c.roster = roster.New(opts.Roster, func(ctx context.Context) ([]types.ChatRef, error) {
		return adapter.Bounded(ctx, fetchTimeout, c.adapter.Chats)
	}, opts.RosterSink)
	return c, nil
}

func (c *Controller) probes() []health.Probe {
	return []health.Probe{
		{Name: "state", Run: func(ctx context.Context) error {
			state, err := c.adapter.State(ctx)
			if err != nil {
				return err
			}
			if state != adapter.StateConnected {
				return fmt.Errorf("adapter state %q", state)
			}
			return nil
		}},
		{Name: "chats", Run: func(ctx context.Context) error {
			_, err := c.adapter.Chats(ctx)
			return err
		}},
	}
}

// loopEvent is anything the loop handles besides raw adapter events.
type loopEvent interface{}

type startEvent struct{}

type reconnectDue struct{ gen uint64 }

type readyDue struct{ seq uint64 }

type connectDone struct {
	gen uint64
	err error
}

type teardownDone struct {
	gen      uint64
	decision reconnect.Decision
	purge    bool
	err      error
}

type idleEvent struct{ idle time.Duration }

type recoveredEvent struct{}

type staleEvent struct{ err error }

type credentialsEvent struct{ present bool }

type shutdownEvent struct{}

// Run executes the event loop until shutdown completes or ctx is
// cancelled; cancellation performs a graceful shutdown first.
func (c *Controller) Run(ctx context.Context) error {
	if c.State() == types.StateTerminated {
		return ErrTerminated
	}
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	defer c.closeDone()
	c.startWorker()

	events := c.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				c.lose(reconnect.ReasonFatal, "adapter event stream closed")
				continue
			}
			c.handleAdapter(ev)
		case ev := <-c.healthCh:
			c.handle(ev)
		case ev := <-c.inbox:
			if c.handle(ev) {
				return nil
			}
		}
	}
}

// Start requests the first connect. It is a no-op while a connect or
// reconnect is already under way.
func (c *Controller) Start() error {
	if c.State() == types.StateTerminated {
		return ErrTerminated
	}
	c.post(startEvent{})
	return nil
}

// Shutdown stops the session and waits for TERMINATED or ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.State() == types.StateTerminated {
		return ErrTerminated
	}
	if !c.running.Load() {
		c.shutdown()
		c.closeDone()
		return nil
	}
	select {
	case c.inbox <- shutdownEvent{}:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the event loop has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) closeDone() { c.doneOnce.Do(func() { close(c.done) }) }

// CredentialsChanged reports a change of the local credential artifacts.
func (c *Controller) CredentialsChanged(present bool) {
	c.post(credentialsEvent{present})
}

// Status returns a snapshot of the session.
func (c *Controller) Status() types.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.Status{
		State:             c.state,
		IsAuthenticated:   c.authenticated,
		ReconnectAttempts: c.sched.Attempts(),
		LastHeartbeat:     c.monitor.LastHeartbeat(),
		Owner:             c.opts.Owner,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() types.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transitions returns the recorded transitions, oldest first.
func (c *Controller) Transitions() []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Transition(nil), c.history...)
}

// ForceRosterRefresh fetches the group list now.
func (c *Controller) ForceRosterRefresh(ctx context.Context) ([]types.Group, error) {
	switch c.State() {
	case types.StateReady, types.StateStale:
		return c.roster.Refresh(ctx)
	case types.StateTerminated, types.StateShuttingDown:
		return nil, ErrTerminated
	}
	return nil, ErrNotReady
}

// Groups returns the known group set without fetching.
func (c *Controller) Groups() []types.Group { return c.roster.Groups() }

// SeedGroups preloads previously persisted groups into the roster.
func (c *Controller) SeedGroups(groups []types.Group) { c.roster.Seed(groups) }

// Dropped returns the number of messages dropped on a full queue.
func (c *Controller) Dropped() int64 { return c.dropped.Load() }

func (c *Controller) post(ev loopEvent) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

// postHealth never blocks: health hooks run on goroutines that Stop waits
// for from inside the loop.
func (c *Controller) postHealth(ev loopEvent) {
	select {
	case c.healthCh <- ev:
	default:
		logging.HealthWarn("health signal %T dropped, loop busy", ev)
	}
}

// handle dispatches one loop event and reports whether the loop is done.
func (c *Controller) handle(ev loopEvent) bool {
	switch e := ev.(type) {
	case startEvent:
		if c.State() == types.StateUninitialized && !c.connecting && !c.reconnecting {
			c.connect(!c.creds.Present())
		}
	case reconnectDue:
		if e.gen != c.gen || c.State() != types.StateUninitialized {
			return false
		}
		c.reconnectTimer = nil
		c.connect(c.pendingFresh)
	case readyDue:
		c.onReadyDue(e)
	case connectDone:
		c.onConnectDone(e)
	case teardownDone:
		c.onTeardownDone(e)
	case idleEvent:
		if c.State() == types.StateReady {
			logging.HealthWarn("no liveness for %v, probing", e.idle.Round(time.Second))
			c.transition(types.StateStale)
		}
	case recoveredEvent:
		if c.State() == types.StateStale {
			c.transition(types.StateReady)
		}
	case staleEvent:
		switch c.State() {
		case types.StateReady, types.StateStale:
			c.lose(reconnect.ReasonStale, e.err.Error())
		}
	case credentialsEvent:
		if !e.present {
			logging.SessionWarn("credential artifacts removed; the next connect starts a fresh session")
		}
	case shutdownEvent:
		c.shutdown()
		return true
	}
	return false
}
