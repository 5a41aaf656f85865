package session

import (
	"context"
	"os"
	"time"

	"groupvault/internal/adapter"
	"groupvault/internal/logging"
	"groupvault/internal/reconnect"
	"groupvault/internal/types"
)

// transition moves to the next state if the edge exists.
func (c *Controller) transition(to types.ConnectionState) bool {
	c.mu.Lock()
	from := c.state
	if !ValidTransition(from, to) {
		c.mu.Unlock()
		logging.SessionWarn("ignoring invalid transition %s -> %s", from, to)
		return false
	}
	c.state = to
	c.history = append(c.history, Transition{From: from, To: to})
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
	c.mu.Unlock()

	logging.Session("%s -> %s", from, to)
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(Transition{From: from, To: to})
	}
	return true
}

func (c *Controller) setAuthenticated(v bool) {
	c.mu.Lock()
	c.authenticated = v
	c.mu.Unlock()
}

func (c *Controller) isAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// connect enters CONNECTING and starts a bounded connect in the
// background; the result comes back as connectDone.
func (c *Controller) connect(fresh bool) {
	if !c.transition(types.StateConnecting) {
		return
	}
	c.gen++
	gen := c.gen
	c.connecting = true
	c.pendingFresh = false
	c.armReady()
	if fresh {
		c.setAuthenticated(false)
	}

	opts := adapter.ConnectOptions{Fresh: fresh}
	timeout := c.opts.ConnectTimeout
	logging.Session("connecting (fresh=%v, attempt %d)", fresh, c.sched.Attempts())
	go func() {
		_, err := adapter.Bounded(c.loopCtx, timeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.adapter.Connect(ctx, opts)
		})
		c.post(connectDone{gen: gen, err: err})
	}()
}

func (c *Controller) onConnectDone(e connectDone) {
	if e.gen != c.gen {
		return
	}
	c.connecting = false
	c.reconnecting = false
	if e.err != nil {
		logging.SessionWarn("connect failed: %v", e.err)
		c.lose(reconnect.ReasonInitFailure, e.err.Error())
	}
}

// armReady (re)starts the deadline for reaching READY.
func (c *Controller) armReady() {
	c.stopReady()
	seq := c.readySeq
	c.readyTimer = c.clock.AfterFunc(c.opts.ReadyTimeout, func() {
		c.post(readyDue{seq: seq})
	})
}

// stopReady cancels the deadline; a firing already queued is ignored.
func (c *Controller) stopReady() {
	c.readyTimer.Stop()
	c.readyTimer = nil
	c.readySeq++
}

func (c *Controller) onReadyDue(e readyDue) {
	if e.seq != c.readySeq {
		return
	}
	c.readyTimer = nil
	switch state := c.State(); state {
	case types.StateConnecting, types.StateAuthenticated:
		logging.SessionWarn("not ready after %v in %s", c.opts.ReadyTimeout, state)
		c.lose(reconnect.ReasonInitFailure, "ready timeout")
	case types.StateAuthPending:
		// The authenticated event re-arms the deadline.
		logging.SessionDebug("ready deadline passed while pairing, still waiting for a scan")
	}
}

// lose handles every way a session can end short of shutdown: it stops
// the session's timers, enters DISCONNECTED, asks the scheduler for a
// decision and tears the adapter down in the background.
func (c *Controller) lose(reason reconnect.Reason, detail string) {
	switch c.State() {
	case types.StateShuttingDown, types.StateTerminated, types.StateDisconnected, types.StateUninitialized:
		logging.SessionDebug("ignoring %s (%s) in state %s", reason, detail, c.State())
		return
	}
	if c.reconnecting && !c.connecting {
		logging.SessionDebug("reconnect already in flight, coalescing %s", reason)
		return
	}

	c.stopReady()
	c.monitor.Stop()
	c.roster.Stop()
	if reason == reconnect.ReasonLogout || reason == reconnect.ReasonAuthFailure {
		c.setAuthenticated(false)
	}
	c.transition(types.StateDisconnected)

	decision := c.sched.Next(reason, c.creds.Present())
	purge := reason == reconnect.ReasonLogout || decision.ForceFresh
	c.gen++
	gen := c.gen
	c.connecting = false
	c.reconnecting = true

	logging.ReconnectWarn("session lost (%s: %s); attempt %d in %v, fresh=%v",
		reason, detail, decision.Attempt, decision.Delay.Round(time.Millisecond), decision.ForceFresh)
	if decision.Cooldown {
		logging.ReconnectWarn("reconnect budget exhausted, cooling down for %v", decision.Delay)
	}

	timeout := c.opts.DestroyTimeout
	go func() {
		_, err := adapter.Bounded(c.loopCtx, timeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.adapter.Destroy(ctx)
		})
		c.post(teardownDone{gen: gen, decision: decision, purge: purge, err: err})
	}()
}

func (c *Controller) onTeardownDone(e teardownDone) {
	if e.gen != c.gen || c.State() != types.StateDisconnected {
		return
	}
	if e.err != nil {
		logging.SessionWarn("adapter destroy failed, forcing local cleanup: %v", e.err)
	}
	if e.purge {
		if err := c.creds.Purge(); err != nil {
			logging.SessionError("purge credentials: %v", err)
		}
	}
	c.transition(types.StateUninitialized)

	c.pendingFresh = e.purge || e.decision.ForceFresh
	gen := c.gen
	c.reconnectTimer = c.clock.AfterFunc(e.decision.Delay, func() {
		c.post(reconnectDue{gen: gen})
	})
}

func (c *Controller) handleAdapter(ev adapter.Event) {
	c.monitor.Beat()
	switch ev.Kind {
	case adapter.EventQR:
		state := c.State()
		if state == types.StateConnecting && c.transition(types.StateAuthPending) {
			state = types.StateAuthPending
		}
		if state == types.StateAuthPending && !c.isAuthenticated() {
			c.surfaceQR(ev.QR)
		}

	case adapter.EventAuthenticated:
		switch c.State() {
		case types.StateConnecting, types.StateAuthPending:
			if c.transition(types.StateAuthenticated) {
				c.armReady()
			}
		}
		c.setAuthenticated(true)
		c.sched.Authenticated()
		c.clearQR()

	case adapter.EventReady:
		switch c.State() {
		case types.StateConnecting, types.StateAuthPending:
			// Restored session that skipped the authenticated event.
			c.transition(types.StateAuthenticated)
			c.setAuthenticated(true)
			c.sched.Authenticated()
			c.clearQR()
		}
		if c.State() == types.StateAuthenticated && c.transition(types.StateReady) {
			c.stopReady()
			c.sched.Ready()
			c.monitor.Start()
			c.roster.Begin()
			logging.Session("session ready")
		}

	case adapter.EventAuthFailure:
		logging.SessionWarn("authentication failed: %s", ev.Reason)
		c.lose(reconnect.ReasonAuthFailure, ev.Reason)

	case adapter.EventDisconnected:
		c.lose(ClassifyReason(ev.Reason), ev.Reason)

	case adapter.EventMessage:
		c.enqueue(ev.Message)
	}
}

// shutdown tears everything down. Timers go first so nothing can schedule
// a reconnect once teardown starts; a hung destroy is abandoned after the
// destroy timeout.
func (c *Controller) shutdown() {
	switch c.State() {
	case types.StateShuttingDown, types.StateTerminated:
		return
	}
	c.transition(types.StateShuttingDown)
	c.gen++
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
	c.stopReady()
	c.monitor.Stop()
	c.roster.Stop()
	if c.opts.BeforeTeardown != nil {
		c.opts.BeforeTeardown()
	}

	_, err := adapter.Bounded(context.Background(), c.opts.DestroyTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.adapter.Destroy(ctx)
	})
	if err != nil {
		logging.SessionWarn("adapter destroy during shutdown failed, continuing: %v", err)
	}
	c.stopWorker()
	c.cancel()
	c.clearQR()
	c.transition(types.StateTerminated)
	logging.Session("session terminated")
}

func (c *Controller) surfaceQR(code string) {
	if code == "" {
		return
	}
	logging.Session("pairing required; scan the code written to %s", c.opts.QRPath)
	if c.opts.QRPath != "" {
		if err := os.WriteFile(c.opts.QRPath, []byte(code+"\n"), 0o600); err != nil {
			logging.SessionWarn("write qr code: %v", err)
		}
	}
	if c.opts.OnQR != nil {
		c.opts.OnQR(code)
	}
}

func (c *Controller) clearQR() {
	if c.opts.QRPath == "" {
		return
	}
	if err := os.Remove(c.opts.QRPath); err != nil && !os.IsNotExist(err) {
		logging.SessionDebug("remove qr file: %v", err)
	}
}
