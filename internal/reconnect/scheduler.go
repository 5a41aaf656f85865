// Package reconnect holds the reconnection backoff policy. The Scheduler is
// plain data plus arithmetic: it decides how long to wait and whether the
// next session must start fresh, and leaves the timers to its caller.
package reconnect

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"groupvault/internal/clock"
	"groupvault/internal/logging"
)

// Reason classifies why the session was lost.
type Reason string

const (
	ReasonLogout      Reason = "logout"       // remote unpair, credentials are void
	ReasonTransient   Reason = "transient"    // network blip, timeout
	ReasonAuthFailure Reason = "auth_failure" // credentials rejected
	ReasonStale       Reason = "stale"        // no liveness despite no disconnect
	ReasonInitFailure Reason = "init_failure" // connect failed or timed out
	ReasonFatal       Reason = "fatal"        // browser crash, out of memory
)

// Policy parameterises the backoff.
type Policy struct {
	Base   time.Duration
	Growth float64
	Cap    time.Duration
	// Jitter is the upper bound of the random addend. It is clamped to
	// Base*(Growth-1) so delays stay monotonic in the attempt count.
	Jitter      time.Duration
	MaxAttempts int
	Cooldown    time.Duration
	// ForceFreshAfter forces a fresh session once attempts exceed it.
	ForceFreshAfter  int
	FatalCooldown    time.Duration
	AuthFailureLimit int
	StaleWindow      time.Duration
	// StaleForceFresh is the stale-episode count within StaleWindow that
	// forces a fresh session.
	StaleForceFresh int
}

// DefaultPolicy mirrors config.DefaultConfig.
func DefaultPolicy() Policy {
	return Policy{
		Base:             5 * time.Second,
		Growth:           2,
		Cap:              5 * time.Minute,
		Jitter:           2 * time.Second,
		MaxAttempts:      10,
		Cooldown:         30 * time.Minute,
		ForceFreshAfter:  5,
		FatalCooldown:    2 * time.Minute,
		AuthFailureLimit: 3,
		StaleWindow:      5 * time.Minute,
		StaleForceFresh:  3,
	}
}

// Decision is the outcome of one scheduling request.
type Decision struct {
	Reason     Reason
	Attempt    int
	Delay      time.Duration
	ForceFresh bool
	// Cooldown is set when the attempt budget was exhausted and this delay
	// is the long pause before a new cycle.
	Cooldown bool
	// StaleEpisodes counts stale episodes inside the rolling window.
	StaleEpisodes int
}

// Scheduler tracks attempt counts and stale history.
type Scheduler struct {
	policy Policy
	clock  clock.Clock
	jitter func() float64

	mu            sync.Mutex
	attempt       int
	cycles        int
	authFailures  int
	staleEpisodes []time.Time
}

// New creates a scheduler. jitter returns a value in [0,1); nil uses math/rand.
func New(policy Policy, clk clock.Clock, jitter func() float64) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	if policy.Growth < 1 {
		policy.Growth = 1
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if limit := time.Duration(float64(policy.Base) * (policy.Growth - 1)); policy.Jitter > limit {
		policy.Jitter = limit
	}
	return &Scheduler{policy: policy, clock: clk, jitter: jitter}
}

// Policy returns the effective (clamped) policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// BackoffDelay is the capped exponential delay for attempt (1-based)
// before jitter and penalties.
func (p Policy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.Base) * math.Pow(p.Growth, float64(attempt-1))
	if p.Cap > 0 && raw > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(raw)
}

// Next records a lost session and returns the delay before the next
// connect attempt. credentialsPresent reports whether cached credential
// artifacts still exist locally.
func (s *Scheduler) Next(reason Reason, credentialsPresent bool) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	d := Decision{Reason: reason}

	switch reason {
	case ReasonStale:
		s.staleEpisodes = append(s.staleEpisodes, now)
	case ReasonAuthFailure:
		s.authFailures++
	}
	s.pruneStaleLocked(now)
	d.StaleEpisodes = len(s.staleEpisodes)

	s.attempt++
	if s.attempt > s.policy.MaxAttempts {
		s.attempt = 0
		s.cycles++
		d.Attempt = 0
		d.Delay = s.policy.Cooldown
		d.Cooldown = true
		d.ForceFresh = true
		logging.ReconnectWarn("attempt budget of %d exhausted, cooling down for %v (cycle %d)",
			s.policy.MaxAttempts, s.policy.Cooldown, s.cycles)
		return d
	}
	d.Attempt = s.attempt

	delay := s.policy.BackoffDelay(s.attempt)
	if s.policy.Jitter > 0 {
		delay += time.Duration(s.jitter() * float64(s.policy.Jitter))
	}
	if s.policy.Cap > 0 && delay > s.policy.Cap {
		delay = s.policy.Cap
	}
	switch reason {
	case ReasonStale:
		// Escalate in proportion to recent stale episodes.
		delay *= time.Duration(d.StaleEpisodes)
	case ReasonFatal:
		delay += s.policy.FatalCooldown
	}
	d.Delay = delay

	d.ForceFresh = s.forceFreshLocked(reason, credentialsPresent, d.StaleEpisodes)
	if reason == ReasonAuthFailure && d.ForceFresh {
		s.authFailures = 0
	}

	logging.Reconnect("reason=%s attempt=%d delay=%v force_fresh=%v stale_episodes=%d",
		reason, d.Attempt, d.Delay, d.ForceFresh, d.StaleEpisodes)
	return d
}

func (s *Scheduler) forceFreshLocked(reason Reason, credentialsPresent bool, staleEpisodes int) bool {
	switch {
	case reason == ReasonLogout:
		return true
	case !credentialsPresent:
		return true
	case s.policy.ForceFreshAfter > 0 && s.attempt > s.policy.ForceFreshAfter:
		return true
	case reason == ReasonAuthFailure && s.policy.AuthFailureLimit > 0 && s.authFailures >= s.policy.AuthFailureLimit:
		return true
	case reason == ReasonStale && s.policy.StaleForceFresh > 0 && staleEpisodes >= s.policy.StaleForceFresh:
		return true
	}
	return false
}

func (s *Scheduler) pruneStaleLocked(now time.Time) {
	if s.policy.StaleWindow <= 0 {
		return
	}
	cutoff := now.Add(-s.policy.StaleWindow)
	kept := s.staleEpisodes[:0]
	for _, t := range s.staleEpisodes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.staleEpisodes = kept
}

// Ready resets the attempt counter. Only a confirmed READY state may call it.
func (s *Scheduler) Ready() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
	s.cycles = 0
}

// Authenticated clears the auth failure streak.
func (s *Scheduler) Authenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailures = 0
}

// Attempts returns the current consecutive attempt count.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// StaleEpisodes returns stale episodes still inside the rolling window.
func (s *Scheduler) StaleEpisodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneStaleLocked(s.clock.Now())
	return len(s.staleEpisodes)
}
