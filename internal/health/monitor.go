// Package health watches session liveness. Passive signals (any adapter
// event) refresh the heartbeat; when the heartbeat goes idle the monitor
// runs active probes in order and reports the outcome through Hooks.
package health

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"groupvault/internal/clock"
	"groupvault/internal/logging"
)

// Probe is one lightweight liveness query.
type Probe struct {
	Name string
	Run  func(ctx context.Context) error
}

// Hooks receive monitor outcomes. They are called from monitor goroutines
// and must not block.
type Hooks struct {
	// OnIdle fires when the idle threshold is exceeded, before probing.
	OnIdle func(idle time.Duration)
	// OnRecovered fires when a probe succeeds after OnIdle.
	OnRecovered func()
	// OnStale fires when every probe failed. The monitor stops ticking.
	OnStale func(err error)
}

// Options configures a Monitor.
type Options struct {
	Interval      time.Duration
	Jitter        time.Duration
	IdleThreshold time.Duration
	ProbeTimeout  time.Duration
	Clock         clock.Clock
	// Rand returns a value in [0,1) for tick jitter.
	Rand func() float64
}

// Monitor runs periodic liveness checks.
type Monitor struct {
	opts   Options
	probes []Probe
	hooks  Hooks

	mu            sync.Mutex
	running       bool
	generation    uint64
	timer         *clock.Timer
	probing       bool
	cancelProbe   context.CancelFunc
	lastHeartbeat time.Time
	failures      int
	wg            sync.WaitGroup
}

// New creates a stopped Monitor.
func New(opts Options, probes []Probe, hooks Hooks) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 15 * time.Second
	}
	return &Monitor{opts: opts, probes: probes, hooks: hooks}
}

// Start begins ticking and counts the start as a heartbeat.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.generation++
	m.lastHeartbeat = m.opts.Clock.Now()
	m.scheduleLocked()
	logging.HealthDebug("health monitor started (interval %v, idle threshold %v)", m.opts.Interval, m.opts.IdleThreshold)
}

// Stop cancels the pending tick and any in-flight probe, and waits for the
// probe goroutine to return. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopLocked()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) stopLocked() {
	m.running = false
	m.generation++
	m.timer.Stop()
	m.timer = nil
	if m.cancelProbe != nil {
		m.cancelProbe()
		m.cancelProbe = nil
	}
}

// Beat records a passive liveness signal.
func (m *Monitor) Beat() {
	m.mu.Lock()
	m.lastHeartbeat = m.opts.Clock.Now()
	m.mu.Unlock()
}

// LastHeartbeat returns the time of the last liveness signal.
func (m *Monitor) LastHeartbeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeartbeat
}

// Failures returns the decayed probe failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Running reports whether the monitor is ticking.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) scheduleLocked() {
	delay := m.opts.Interval
	if m.opts.Jitter > 0 {
		delay += time.Duration(m.opts.Rand() * float64(m.opts.Jitter))
	}
	gen := m.generation
	m.timer = m.opts.Clock.AfterFunc(delay, func() { m.tick(gen) })
}

func (m *Monitor) tick(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	idle := m.opts.Clock.Now().Sub(m.lastHeartbeat)
	if idle < m.opts.IdleThreshold || m.probing {
		m.scheduleLocked()
		m.mu.Unlock()
		return
	}

	m.probing = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelProbe = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	logging.HealthDebug("no heartbeat for %v, probing", idle.Round(time.Second))
	if m.hooks.OnIdle != nil {
		m.hooks.OnIdle(idle)
	}
	go m.probe(ctx, gen)
}

func (m *Monitor) probe(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	var errs []error
	ok := false
	for _, p := range m.probes {
		if ctx.Err() != nil {
			break
		}
		if err := m.runProbe(ctx, p); err != nil {
			logging.HealthWarn("probe %s failed: %v", p.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
			m.mu.Lock()
			m.failures++
			m.mu.Unlock()
			continue
		}
		ok = true
		break
	}

	m.mu.Lock()
	m.probing = false
	if !m.running || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.cancelProbe = nil
	if ok {
		m.lastHeartbeat = m.opts.Clock.Now()
		// Decay rather than reset so one lucky probe does not hide a
		// flapping connection.
		m.failures /= 2
		m.scheduleLocked()
		m.mu.Unlock()
		if m.hooks.OnRecovered != nil {
			m.hooks.OnRecovered()
		}
		return
	}

	m.running = false
	m.generation++
	m.mu.Unlock()

	err := errors.Join(errs...)
	if err == nil {
		err = errors.New("no probes configured")
	}
	logging.HealthWarn("session stale: %v", err)
	if m.hooks.OnStale != nil {
		m.hooks.OnStale(err)
	}
}

func (m *Monitor) runProbe(ctx context.Context, p Probe) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panic: %v", r)
			}
		}()
		done <- p.Run(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out after %v: %w", m.opts.ProbeTimeout, ctx.Err())
	}
}
