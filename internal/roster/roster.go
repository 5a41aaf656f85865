// Package roster discovers the groups reachable by the session. The
// endpoint keeps syncing after it reports ready, so early fetches may
// under-report; the synchronizer retries empty results, rechecks a low
// count once, and only ever grows the known set.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"groupvault/internal/clock"
	"groupvault/internal/logging"
	"groupvault/internal/types"

	"golang.org/x/sync/singleflight"
)

// Fetcher returns the full chat list.
type Fetcher func(ctx context.Context) ([]types.ChatRef, error)

// Sink receives every successfully fetched group batch.
type Sink interface {
	UpsertGroups(ctx context.Context, groups []types.Group) error
}

// Options configures a Synchronizer.
type Options struct {
	SettleDelay  time.Duration
	FetchTimeout time.Duration
	// ZeroRetries bounds the backoff retries of an empty result before
	// falling back to RecheckInterval.
	ZeroRetries     int
	ZeroBackoff     time.Duration
	ExpectedGroups  int
	WatermarkDelay  time.Duration
	RecheckInterval time.Duration
	Clock           clock.Clock
}

var errEmpty = errors.New("no groups visible yet")

// Synchronizer maintains the known group set.
type Synchronizer struct {
	opts  Options
	fetch Fetcher
	sink  Sink
	clock clock.Clock
	group singleflight.Group

	mu            sync.Mutex
	known         map[string]types.Group
	period        uint64
	active        bool
	ctx           context.Context
	cancel        context.CancelFunc
	timer         *clock.Timer
	zeroAttempts  int
	watermarkUsed bool
	lastSync      time.Time
	wg            sync.WaitGroup
}

// New creates an idle Synchronizer. sink may be nil.
func New(opts Options, fetch Fetcher, sink Sink) *Synchronizer {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = time.Minute
	}
	if opts.ZeroBackoff <= 0 {
		opts.ZeroBackoff = 5 * time.Second
	}
	if opts.RecheckInterval <= 0 {
		opts.RecheckInterval = 10 * time.Minute
	}
	return &Synchronizer{
		opts:  opts,
		fetch: fetch,
		sink:  sink,
		clock: opts.Clock,
		known: make(map[string]types.Group),
	}
}

// Begin starts a new READY period: the first fetch runs after the settle
// delay.
func (s *Synchronizer) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked()
	s.period++
	s.active = true
	s.zeroAttempts = 0
	s.watermarkUsed = false
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.scheduleLocked(s.opts.SettleDelay)
	logging.RosterDebug("roster sync scheduled in %v", s.opts.SettleDelay)
}

// Stop ends the READY period, cancelling pending rechecks and any fetch.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.endLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Synchronizer) endLocked() {
	s.active = false
	s.period++
	s.timer.Stop()
	s.timer = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Synchronizer) scheduleLocked(delay time.Duration) {
	s.timer.Stop()
	period := s.period
	s.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if !s.active || period != s.period {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		ctx := s.ctx
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.attempt(ctx, period)
		}()
	})
}

// attempt runs one scheduled fetch and decides what comes next.
func (s *Synchronizer) attempt(ctx context.Context, period uint64) {
	count, err := s.sync(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || period != s.period {
		return
	}

	if err != nil || count == 0 {
		if err == nil {
			err = errEmpty
		}
		s.zeroAttempts++
		if s.zeroAttempts <= s.opts.ZeroRetries {
			delay := s.opts.ZeroBackoff << (s.zeroAttempts - 1)
			logging.RosterWarn("roster fetch attempt %d: %v, retrying in %v", s.zeroAttempts, err, delay)
			s.scheduleLocked(delay)
			return
		}
		logging.RosterWarn("roster still empty after %d attempts (%v), rechecking every %v",
			s.zeroAttempts, err, s.opts.RecheckInterval)
		s.scheduleLocked(s.opts.RecheckInterval)
		return
	}

	s.zeroAttempts = 0
	if count < s.opts.ExpectedGroups && !s.watermarkUsed {
		s.watermarkUsed = true
		logging.Roster("roster has %d of ~%d expected groups, rechecking once in %v",
			count, s.opts.ExpectedGroups, s.opts.WatermarkDelay)
		s.scheduleLocked(s.opts.WatermarkDelay)
		return
	}
	logging.Roster("roster synchronized: %d groups fetched, %d known", count, len(s.known))
}

// Refresh fetches the roster now and returns the known set. Concurrent
// callers share one fetch.
func (s *Synchronizer) Refresh(ctx context.Context) ([]types.Group, error) {
	if _, err := s.sync(ctx); err != nil {
		return s.Groups(), err
	}
	return s.Groups(), nil
}

// sync fetches, merges into the known set and forwards to the sink. It
// returns the number of groups in the fetch.
func (s *Synchronizer) sync(ctx context.Context) (int, error) {
	ch := s.group.DoChan("roster", func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.Background(), s.opts.FetchTimeout)
		defer cancel()
		timer := logging.StartTimer(logging.CategoryRoster, "fetch chats")
		chats, err := s.fetch(fctx)
		timer.Stop()
		if err != nil {
			return nil, fmt.Errorf("fetch chats: %w", err)
		}
		return s.merge(chats), nil
	})

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return len(res.Val.([]types.Group)), nil
	}
}

func (s *Synchronizer) merge(chats []types.ChatRef) []types.Group {
	now := s.clock.Now()
	var groups []types.Group
	for _, c := range chats {
		if !c.IsGroup && !types.IsGroupID(c.ID) {
			continue
		}
		groups = append(groups, types.Group{ID: c.ID, Name: c.Name, MemberCount: c.MemberCount, LastSeen: now})
	}

	s.mu.Lock()
	for _, g := range groups {
		s.known[g.ID] = g
	}
	if len(groups) > 0 {
		s.lastSync = now
	}
	s.mu.Unlock()

	if s.sink != nil && len(groups) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.FetchTimeout)
		defer cancel()
		if err := s.sink.UpsertGroups(ctx, groups); err != nil {
			logging.RosterWarn("persist %d groups: %v", len(groups), err)
		}
	}
	return groups
}

// Groups returns the known set sorted by name, then id.
func (s *Synchronizer) Groups() []types.Group {
	s.mu.Lock()
	out := make([]types.Group, 0, len(s.known))
	for _, g := range s.known {
		out = append(out, g)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the size of the known set.
func (s *Synchronizer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.known)
}

// Seed adds previously persisted groups to the known set.
func (s *Synchronizer) Seed(groups []types.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range groups {
		if _, ok := s.known[g.ID]; !ok {
			s.known[g.ID] = g
		}
	}
}

// LastSync returns when a non-empty fetch last landed.
func (s *Synchronizer) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}
