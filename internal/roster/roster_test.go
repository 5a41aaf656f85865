package roster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"groupvault/internal/clock"
	"groupvault/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedFetcher returns one scripted response per call, repeating the
// last one once the script runs out.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses [][]types.ChatRef
	errs      []error
	calls     int
	called    chan int
}

func newScripted(responses ...[]types.ChatRef) *scriptedFetcher {
	return &scriptedFetcher{responses: responses, called: make(chan int, 64)}
}

func (f *scriptedFetcher) fetch(context.Context) ([]types.ChatRef, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	idx := i
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	resp := f.responses[idx]
	f.mu.Unlock()
	f.called <- i + 1
	return resp, err
}

func (f *scriptedFetcher) waitCall(t *testing.T, n int) {
	t.Helper()
	for {
		select {
		case got := <-f.called:
			if got >= n {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("fetch call %d never happened", n)
		}
	}
}

func groups(n int) []types.ChatRef {
	out := make([]types.ChatRef, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, types.ChatRef{ID: fmt.Sprintf("1203630%02d@g.us", i), Name: fmt.Sprintf("group %02d", i), IsGroup: true})
	}
	// Direct chats are never part of the roster.
	out = append(out, types.ChatRef{ID: "5511999990000@c.us", Name: "Alice"})
	return out
}

type memorySink struct {
	mu      sync.Mutex
	batches [][]types.Group
}

func (m *memorySink) UpsertGroups(_ context.Context, g []types.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, g)
	return nil
}

func newSync(clk *clock.FakeClock, f *scriptedFetcher, sink Sink, expected int) *Synchronizer {
	return New(Options{
		SettleDelay:     30 * time.Second,
		FetchTimeout:    time.Second,
		ZeroRetries:     3,
		ZeroBackoff:     5 * time.Second,
		ExpectedGroups:  expected,
		WatermarkDelay:  2 * time.Minute,
		RecheckInterval: 10 * time.Minute,
		Clock:           clk,
	}, f.fetch, sink)
}

func TestSynchronizer_ZeroThenTwelve(t *testing.T) {
	clk := clock.NewFake(epoch)
	f := newScripted(groups(0), groups(12))
	sink := &memorySink{}
	s := newSync(clk, f, sink, 0)
	s.Begin()
	defer s.Stop()

	clk.Advance(30 * time.Second)
	f.waitCall(t, 1)
	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)
	f.waitCall(t, 2)

	require.Eventually(t, func() bool { return s.Count() == 12 }, time.Second, 5*time.Millisecond)
	assert.Len(t, s.Groups(), 12)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 12)
}

func TestSynchronizer_SettleDelayRespected(t *testing.T) {
	clk := clock.NewFake(epoch)
	f := newScripted(groups(3))
	s := newSync(clk, f, nil, 0)
	s.Begin()
	defer s.Stop()

	clk.Advance(29 * time.Second)
	assert.Empty(t, f.called)
	clk.Advance(time.Second)
	f.waitCall(t, 1)
}

func TestSynchronizer_EmptyFallsBackToPeriodicRecheck(t *testing.T) {
	clk := clock.NewFake(epoch)
	f := newScripted(groups(0))
	f.errs = []error{errors.New("evaluate: context deadline exceeded")}
	s := newSync(clk, f, nil, 0)
	s.Begin()
	defer s.Stop()

	clk.Advance(30 * time.Second)
	f.waitCall(t, 1)

	// Exponential backoff: 5s, 10s, 20s.
	for i, d := range []time.Duration{5, 10, 20} {
		clk.WaitForTimers(1)
		clk.Advance(d*time.Second - time.Millisecond)
		assert.Empty(t, f.called, "retry %d fired early", i+1)
		clk.Advance(time.Millisecond)
		f.waitCall(t, i+2)
	}

	// Retries exhausted: low-frequency recheck, indefinitely.
	for i := 0; i < 3; i++ {
		clk.WaitForTimers(1)
		clk.Advance(10 * time.Minute)
		f.waitCall(t, 5+i)
	}
	assert.Zero(t, s.Count())
}

func TestSynchronizer_WatermarkRechecksExactlyOnce(t *testing.T) {
	clk := clock.NewFake(epoch)
	f := newScripted(groups(4), groups(6), groups(9))
	s := newSync(clk, f, nil, 50)
	s.Begin()
	defer s.Stop()

	clk.Advance(30 * time.Second)
	f.waitCall(t, 1)
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Minute)
	f.waitCall(t, 2)

	require.Eventually(t, func() bool { return s.Count() == 6 }, time.Second, 5*time.Millisecond)
	// Still below the watermark, but the one recheck is spent.
	clk.Advance(time.Hour)
	assert.Empty(t, f.called)
}

func TestSynchronizer_NeverShrinks(t *testing.T) {
	clk := clock.NewFake(epoch)
	f := newScripted(groups(12), groups(0), groups(5), groups(12))
	s := newSync(clk, f, nil, 0)

	prev := 0
	for i := 0; i < 4; i++ {
		got, err := s.Refresh(context.Background())
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(got), prev, "refresh %d shrank the roster", i)
		prev = len(got)
	}
	assert.Equal(t, 12, s.Count())
}

func TestSynchronizer_RefreshUpdatesNames(t *testing.T) {
	clk := clock.NewFake(epoch)
	renamed := groups(2)
	renamed[0].Name = "renamed"
	f := newScripted(groups(2), renamed)
	s := newSync(clk, f, nil, 0)

	_, err := s.Refresh(context.Background())
	require.NoError(t, err)
	got, err := s.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "group 01", got[0].Name)
	assert.Equal(t, "renamed", got[1].Name)
}

func TestSynchronizer_NewPeriodResetsWatermark(t *testing.T) {
	clk := clock.NewFake(epoch)
	f := newScripted(groups(4))
	s := newSync(clk, f, nil, 50)

	for period := 1; period <= 2; period++ {
		s.Begin()
		clk.Advance(30 * time.Second)
		f.waitCall(t, 2*period-1)
		clk.WaitForTimers(1)
		clk.Advance(2 * time.Minute)
		f.waitCall(t, 2*period)
		s.Stop()
	}
}

func TestSynchronizer_StopCancelsPending(t *testing.T) {
	clk := clock.NewFake(epoch)
	f := newScripted(groups(3))
	s := newSync(clk, f, nil, 0)
	s.Begin()
	s.Stop()

	clk.Advance(time.Hour)
	assert.Empty(t, f.called)
}

func TestSynchronizer_SeedKeepsFetchedData(t *testing.T) {
	clk := clock.NewFake(epoch)
	f := newScripted(groups(1))
	s := newSync(clk, f, nil, 0)
	s.Seed([]types.Group{{ID: "old@g.us", Name: "archived"}})

	got, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
