package session

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"groupvault/internal/adapter"
	"groupvault/internal/adapter/adaptertest"
	"groupvault/internal/clock"
	"groupvault/internal/credentials"
	"groupvault/internal/health"
	"groupvault/internal/reconnect"
	"groupvault/internal/roster"
	"groupvault/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memorySink struct {
	mu   sync.Mutex
	msgs []types.NormalizedMessage
}

func (m *memorySink) Save(_ context.Context, msg *types.NormalizedMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, *msg)
	return int64(len(m.msgs)), nil
}

func (m *memorySink) Publish(msg types.NormalizedMessage) {}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

type harness struct {
	t      *testing.T
	clk    *clock.FakeClock
	fake   *adaptertest.Fake
	creds  *credentials.Dir
	sink   *memorySink
	qrPath string
	c      *Controller
	runErr chan error
}

func testPolicy() reconnect.Policy {
	return reconnect.Policy{
		Base:             5 * time.Second,
		Growth:           2,
		Cap:              5 * time.Minute,
		MaxAttempts:      10,
		Cooldown:         30 * time.Minute,
		ForceFreshAfter:  5,
		FatalCooldown:    2 * time.Minute,
		AuthFailureLimit: 3,
		StaleWindow:      5 * time.Minute,
		StaleForceFresh:  3,
	}
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	profile := filepath.Join(dir, "profile")
	require.NoError(t, os.MkdirAll(profile, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(profile, "Local State"), []byte("{}"), 0o600))

	h := &harness{
		t:      t,
		clk:    clock.NewFake(epoch),
		fake:   adaptertest.New(),
		creds:  credentials.NewDir(profile),
		sink:   &memorySink{},
		qrPath: filepath.Join(dir, "qr.txt"),
		runErr: make(chan error, 1),
	}
	h.fake.OnConnect = adaptertest.AutoReady

	opts := Options{
		Adapter:     h.fake,
		Credentials: h.creds,
		Scheduler:   reconnect.New(testPolicy(), h.clk, func() float64 { return 0 }),
		Sink:        h.sink,
		Publisher:   h.sink,
		Health: health.Options{
			Interval:      30 * time.Second,
			IdleThreshold: time.Minute,
			ProbeTimeout:  100 * time.Millisecond,
		},
		Roster: roster.Options{
			SettleDelay:     time.Hour,
			FetchTimeout:    time.Second,
			ZeroRetries:     1,
			ZeroBackoff:     5 * time.Second,
			RecheckInterval: 10 * time.Hour,
		},
		ConnectTimeout: time.Second,
		DestroyTimeout: 200 * time.Millisecond,
		QRPath:         h.qrPath,
		Owner:          "4242@test",
		Clock:          h.clk,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	h.c = c

	go func() { h.runErr <- c.Run(context.Background()) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	if h.c.State() != types.StateTerminated {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.c.Shutdown(ctx)
	}
	select {
	case <-h.runErr:
	case <-time.After(5 * time.Second):
		h.t.Error("controller loop did not exit")
	}
}

func (h *harness) waitState(want types.ConnectionState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.c.State() == want }, 3*time.Second, time.Millisecond,
		"state %s, want %s", h.c.State(), want)
}

func (h *harness) waitConnects(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.fake.Connects()) >= n }, 3*time.Second, time.Millisecond)
}

// reconnectAfter waits for the teardown to finish, then fires the
// reconnect timer.
func (h *harness) reconnectAfter(d time.Duration) {
	h.t.Helper()
	h.waitState(types.StateUninitialized)
	h.clk.WaitForTimers(1)
	h.clk.Advance(d)
}

func states(trs []Transition) []types.ConnectionState {
	if len(trs) == 0 {
		return nil
	}
	out := []types.ConnectionState{trs[0].From}
	for _, tr := range trs {
		out = append(out, tr.To)
	}
	return out
}

func TestController_StartToReady(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)

	st := h.c.Status()
	assert.True(t, st.IsAuthenticated)
	assert.Zero(t, st.ReconnectAttempts)
	assert.Equal(t, "4242@test", st.Owner)
	assert.Equal(t, epoch, st.LastHeartbeat)

	assert.Equal(t, []types.ConnectionState{
		types.StateUninitialized, types.StateConnecting, types.StateAuthenticated, types.StateReady,
	}, states(h.c.Transitions()))
	assert.Equal(t, []adapter.ConnectOptions{{Fresh: false}}, h.fake.Connects())
}

func TestController_StartWithoutCredentialsIsFresh(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.creds.Purge())
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)
	assert.Equal(t, []adapter.ConnectOptions{{Fresh: true}}, h.fake.Connects())
}

func TestController_QRSurfacedUntilAuthenticated(t *testing.T) {
	var mu sync.Mutex
	var codes []string
	h := newHarness(t, func(o *Options) {
		o.OnQR = func(code string) {
			mu.Lock()
			codes = append(codes, code)
			mu.Unlock()
		}
	})
	require.NoError(t, h.creds.Purge())
	h.fake.OnConnect = func(f *adaptertest.Fake, _ adapter.ConnectOptions) {
		f.Emit(adapter.Event{Kind: adapter.EventQR, QR: "2@abc"})
		f.Emit(adapter.Event{Kind: adapter.EventQR, QR: "2@def"})
	}
	require.NoError(t, h.c.Start())
	h.waitState(types.StateAuthPending)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(h.qrPath)
		return err == nil && string(data) == "2@def\n"
	}, time.Second, time.Millisecond)

	h.fake.Emit(adapter.Event{Kind: adapter.EventAuthenticated})
	h.fake.Emit(adapter.Event{Kind: adapter.EventReady})
	h.waitState(types.StateReady)

	_, err := os.Stat(h.qrPath)
	assert.True(t, os.IsNotExist(err), "qr file should be removed after auth")
	mu.Lock()
	assert.Equal(t, []string{"2@abc", "2@def"}, codes)
	mu.Unlock()
	assert.True(t, ValidPath(states(h.c.Transitions())))
}

func TestController_TransientDisconnectReconnects(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)

	h.fake.Disconnect("NAVIGATION")
	h.waitState(types.StateUninitialized)
	assert.Equal(t, 1, h.c.Status().ReconnectAttempts)

	h.clk.WaitForTimers(1)
	h.clk.Advance(5*time.Second - time.Millisecond)
	assert.Len(t, h.fake.Connects(), 1, "reconnect fired before its delay")
	h.clk.Advance(time.Millisecond)

	h.waitState(types.StateReady)
	assert.Equal(t, []adapter.ConnectOptions{{Fresh: false}, {Fresh: false}}, h.fake.Connects())
	assert.Zero(t, h.c.Status().ReconnectAttempts, "attempts reset on READY")
	assert.True(t, h.creds.Present(), "transient loss keeps credentials")
	assert.Equal(t, 1, h.fake.Destroys())
}

func TestController_LogoutPurgesAndStartsFresh(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)

	h.fake.OnConnect = nil
	h.fake.Disconnect("LOGOUT")
	h.waitState(types.StateUninitialized)
	assert.False(t, h.creds.Present())
	assert.False(t, h.c.Status().IsAuthenticated)

	h.clk.WaitForTimers(1)
	h.clk.Advance(5 * time.Second)
	h.waitConnects(2)
	assert.True(t, h.fake.Connects()[1].Fresh)

	// A fresh session surfaces its QR code again.
	h.fake.Emit(adapter.Event{Kind: adapter.EventQR, QR: "2@new"})
	h.waitState(types.StateAuthPending)
	require.Eventually(t, func() bool { _, err := os.Stat(h.qrPath); return err == nil }, time.Second, time.Millisecond)
}

func TestController_StaleDetectedAndReconnected(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.StateFunc = func(context.Context) (string, error) { return "OPENING", nil }
	h.fake.ChatsFunc = func(context.Context) ([]types.ChatRef, error) { return nil, errors.New("evaluate timeout") }
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)

	h.clk.Advance(30 * time.Second)
	h.clk.Advance(30 * time.Second)
	h.waitState(types.StateUninitialized)

	got := states(h.c.Transitions())
	assert.Contains(t, got, types.StateStale)
	assert.True(t, ValidPath(got))
	assert.Equal(t, 1, h.c.sched.StaleEpisodes())

	h.fake.StateFunc = nil
	h.fake.ChatsFunc = nil
	h.clk.WaitForTimers(1)
	h.clk.Advance(5 * time.Second)
	h.waitState(types.StateReady)
}

func TestController_StaleRecoveredBySecondProbe(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.StateFunc = func(context.Context) (string, error) { return "", errors.New("no state") }
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)

	h.clk.Advance(time.Minute)
	require.Eventually(t, func() bool {
		s := states(h.c.Transitions())
		return len(s) >= 2 && s[len(s)-2] == types.StateStale && s[len(s)-1] == types.StateReady
	}, 3*time.Second, time.Millisecond)
	assert.Len(t, h.fake.Connects(), 1)
}

func TestController_DisconnectsCoalesce(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)

	h.fake.Disconnect("NAVIGATION")
	h.fake.Disconnect("CONFLICT")
	h.fake.Emit(adapter.Event{Kind: adapter.EventAuthFailure, Reason: "late"})
	h.reconnectAfter(5 * time.Second)
	h.waitState(types.StateReady)

	assert.Len(t, h.fake.Connects(), 2)
	assert.Equal(t, 1, h.fake.Destroys())
}

func TestController_ConnectFailureRetriesWithBackoff(t *testing.T) {
	var calls int
	var mu sync.Mutex
	h := newHarness(t, nil)
	h.fake.ConnectFunc = func(context.Context, adapter.ConnectOptions) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return errors.New("net::ERR_NAME_NOT_RESOLVED")
		}
		return nil
	}
	require.NoError(t, h.c.Start())

	h.reconnectAfter(5 * time.Second)
	h.reconnectAfter(10 * time.Second)
	h.waitState(types.StateReady)
	assert.Len(t, h.fake.Connects(), 3)
	assert.True(t, ValidPath(states(h.c.Transitions())))
}

func TestController_HungConnectIsBounded(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h := newHarness(t, func(o *Options) { o.ConnectTimeout = 50 * time.Millisecond })
	h.fake.ConnectFunc = func(context.Context, adapter.ConnectOptions) error {
		<-release
		return nil
	}
	require.NoError(t, h.c.Start())
	h.waitConnects(1)
	require.Eventually(t, func() bool { return h.c.Status().ReconnectAttempts == 1 }, 3*time.Second, time.Millisecond)
	h.waitState(types.StateUninitialized)
}

// advanceUntil moves the clock in steps until cond holds.
func (h *harness) advanceUntil(step time.Duration, cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		if cond() {
			return true
		}
		h.clk.Advance(step)
		return false
	}, 3*time.Second, time.Millisecond)
}

func TestController_ReadyDeadlineEndsStuckSession(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ReadyTimeout = 2 * time.Minute })
	h.fake.OnConnect = func(f *adaptertest.Fake, _ adapter.ConnectOptions) {
		f.Emit(adapter.Event{Kind: adapter.EventAuthenticated})
	}
	require.NoError(t, h.c.Start())
	h.waitState(types.StateAuthenticated)

	h.advanceUntil(10*time.Second, func() bool { return h.fake.Destroys() >= 1 })
	assert.GreaterOrEqual(t, h.clk.Now().Sub(epoch), 2*time.Minute-10*time.Second)
	assert.Less(t, h.clk.Now().Sub(epoch), 3*time.Minute)

	h.fake.OnConnect = adaptertest.AutoReady
	h.reconnectAfter(5 * time.Second)
	h.waitState(types.StateReady)

	assert.Equal(t, []adapter.ConnectOptions{{Fresh: false}, {Fresh: false}}, h.fake.Connects())
	got := states(h.c.Transitions())
	assert.True(t, ValidPath(got), "%v", got)
	assert.Contains(t, got, types.StateDisconnected)

	// READY cancels the deadline.
	h.clk.Advance(10 * time.Minute)
	assert.Len(t, h.fake.Connects(), 2)
}

func TestController_ReadyDeadlineEndsSilentConnect(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ReadyTimeout = time.Minute })
	h.fake.OnConnect = nil
	require.NoError(t, h.c.Start())
	h.waitConnects(1)
	h.waitState(types.StateConnecting)

	h.advanceUntil(10*time.Second, func() bool { return h.fake.Destroys() >= 1 })
	h.waitState(types.StateUninitialized)
	assert.Equal(t, 1, h.c.Status().ReconnectAttempts)
}

func TestController_ReadyDeadlinePausedWhilePairing(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ReadyTimeout = time.Minute })
	h.fake.OnConnect = func(f *adaptertest.Fake, _ adapter.ConnectOptions) {
		f.Emit(adapter.Event{Kind: adapter.EventQR, QR: "2@pair"})
	}
	require.NoError(t, h.c.Start())
	h.waitState(types.StateAuthPending)

	for i := 0; i < 10; i++ {
		h.clk.Advance(time.Minute)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.StateAuthPending, h.c.State(), "pairing is never timed out")
	assert.Zero(t, h.fake.Destroys())

	// Once scanned, the session gets a fresh deadline to become ready.
	h.fake.Emit(adapter.Event{Kind: adapter.EventAuthenticated})
	h.waitState(types.StateAuthenticated)
	h.advanceUntil(10*time.Second, func() bool { return h.fake.Destroys() >= 1 })
	h.waitState(types.StateUninitialized)
}

func TestController_AuthFailuresForceFresh(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.OnConnect = func(f *adaptertest.Fake, _ adapter.ConnectOptions) {
		f.Emit(adapter.Event{Kind: adapter.EventAuthFailure, Reason: "invalid session"})
	}
	require.NoError(t, h.c.Start())

	h.reconnectAfter(5 * time.Second)
	h.reconnectAfter(10 * time.Second)
	h.waitState(types.StateUninitialized)
	h.waitConnects(3)

	connects := h.fake.Connects()
	assert.False(t, connects[1].Fresh)
	assert.False(t, connects[2].Fresh)
	// Third failure reaches the limit: credentials are discarded.
	h.reconnectAfter(20 * time.Second)
	h.waitConnects(4)
	assert.True(t, h.fake.Connects()[3].Fresh)
}

func TestController_MessagesFlowToSinks(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetSelf("5511888880000@c.us")
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)

	h.fake.Deliver(types.InboundEvent{ID: "a", ChatID: "1203@g.us", IsGroup: true, PushName: "Alice", Body: "hi", Timestamp: epoch.Unix()})
	h.fake.Deliver(types.InboundEvent{ID: "b", ChatID: "1203@g.us", IsGroup: true, AuthorID: "5511888880000@c.us", Body: "me"})
	h.fake.Deliver(types.InboundEvent{ID: "c", ChatID: "status@broadcast", PushName: "Bob"})
	h.fake.Deliver(types.InboundEvent{ID: "d", ChatID: "1203@g.us", IsGroup: true, PushName: "Carol", Body: "yo", Timestamp: epoch.Unix()})

	require.Eventually(t, func() bool { return h.sink.count() == 2 }, 3*time.Second, time.Millisecond)
	h.sink.mu.Lock()
	assert.Equal(t, "a", h.sink.msgs[0].SourceID)
	assert.Equal(t, "d", h.sink.msgs[1].SourceID)
	h.sink.mu.Unlock()
}

func TestController_ForceRosterRefresh(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.SetChats([]types.ChatRef{
		{ID: "1@g.us", Name: "Family", IsGroup: true},
		{ID: "2@g.us", Name: "Work", IsGroup: true},
		{ID: "3@c.us", Name: "Alice"},
	})

	_, err := h.c.ForceRosterRefresh(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)
	groups, err := h.c.ForceRosterRefresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, groups, 2)
}

func TestController_RosterSyncsAfterSettleDelay(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Roster.SettleDelay = 30 * time.Second })
	h.fake.SetChats([]types.ChatRef{{ID: "1@g.us", Name: "Family", IsGroup: true}})
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)

	assert.Empty(t, h.c.Groups())
	h.clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(h.c.Groups()) == 1 }, 3*time.Second, time.Millisecond)
}

func TestController_ShutdownWithHungDestroy(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var teardownOrder []string
	var mu sync.Mutex
	h := newHarness(t, func(o *Options) {
		o.BeforeTeardown = func() {
			mu.Lock()
			teardownOrder = append(teardownOrder, "timers")
			mu.Unlock()
		}
	})
	h.fake.DestroyFunc = func(context.Context) error {
		mu.Lock()
		teardownOrder = append(teardownOrder, "destroy")
		mu.Unlock()
		<-release
		return nil
	}
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)

	start := time.Now()
	require.NoError(t, h.c.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, types.StateTerminated, h.c.State())

	mu.Lock()
	assert.Equal(t, []string{"timers", "destroy"}, teardownOrder)
	mu.Unlock()

	assert.ErrorIs(t, h.c.Start(), ErrTerminated)
	h.clk.Advance(time.Hour)
	assert.Len(t, h.fake.Connects(), 1, "no reconnect after shutdown")
}

func TestController_ShutdownCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)

	h.fake.Disconnect("NAVIGATION")
	h.waitState(types.StateUninitialized)
	h.clk.WaitForTimers(1)
	require.NoError(t, h.c.Shutdown(context.Background()))

	h.clk.Advance(time.Hour)
	assert.Len(t, h.fake.Connects(), 1)
	assert.Zero(t, h.clk.PendingCount())
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSink) Save(ctx context.Context, _ *types.NormalizedMessage) (int64, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return 1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestController_ShutdownAbandonsSlowIngestionOnClock(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	t.Cleanup(func() { close(sink.release) })
	h := newHarness(t, func(o *Options) { o.Sink = sink })
	require.NoError(t, h.c.Start())
	h.waitState(types.StateReady)

	h.fake.Deliver(types.InboundEvent{ID: "a", ChatID: "1203@g.us", IsGroup: true, PushName: "Alice", Body: "hi", Timestamp: epoch.Unix()})
	<-sink.entered

	done := make(chan error, 1)
	go func() { done <- h.c.Shutdown(context.Background()) }()
	h.waitState(types.StateShuttingDown)

	select {
	case <-done:
		t.Fatal("shutdown finished while ingestion was still draining")
	case <-time.After(20 * time.Millisecond):
	}
	var err error
	h.advanceUntil(50*time.Millisecond, func() bool {
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h.clk.Now().Sub(epoch), 200*time.Millisecond)
	assert.Equal(t, types.StateTerminated, h.c.State())
	assert.Zero(t, h.clk.PendingCount())
}

func TestController_ShutdownBeforeRun(t *testing.T) {
	c, err := New(Options{Adapter: adaptertest.New(), Credentials: credentials.NewDir(t.TempDir()), Clock: clock.NewFake(epoch)})
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, types.StateTerminated, c.State())
	assert.ErrorIs(t, c.Run(context.Background()), ErrTerminated)
	<-c.Done()
}

// For any sequence of adapter events, timer firings and probe outcomes the
// realized transitions form a valid path through the lifecycle graph.
func TestController_RandomEventsStayOnGraph(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		r := rand.New(rand.NewSource(int64(seed)))
		h := newHarness(t, nil)
		h.fake.OnConnect = nil
		var probeOK atomic.Bool
		probeOK.Store(true)
		h.fake.StateFunc = func(context.Context) (string, error) {
			if probeOK.Load() {
				return adapter.StateConnected, nil
			}
			return "", errors.New("down")
		}
		h.fake.ChatsFunc = func(context.Context) ([]types.ChatRef, error) {
			if probeOK.Load() {
				return nil, nil
			}
			return nil, errors.New("down")
		}
		require.NoError(t, h.c.Start())

		events := []adapter.Event{
			{Kind: adapter.EventQR, QR: "q"},
			{Kind: adapter.EventAuthenticated},
			{Kind: adapter.EventReady},
			{Kind: adapter.EventAuthFailure, Reason: "bad"},
			{Kind: adapter.EventDisconnected, Reason: "NAVIGATION"},
			{Kind: adapter.EventDisconnected, Reason: "LOGOUT"},
			{Kind: adapter.EventDisconnected, Reason: "Target closed"},
			{Kind: adapter.EventMessage, Message: &types.InboundEvent{ID: "m", ChatID: "1@g.us", IsGroup: true, PushName: "A"}},
		}
		for step := 0; step < 60; step++ {
			switch r.Intn(4) {
			case 0:
				h.clk.Advance(time.Duration(r.Intn(120)) * time.Second)
			case 1:
				probeOK.Store(r.Intn(2) == 0)
			default:
				h.fake.Emit(events[r.Intn(len(events))])
			}
			time.Sleep(time.Millisecond)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, h.c.Shutdown(ctx))
		cancel()

		path := states(h.c.Transitions())
		require.Equal(t, types.StateUninitialized, path[0], "seed %d", seed)
		require.True(t, ValidPath(path), "seed %d: %v", seed, path)
		require.Equal(t, types.StateTerminated, path[len(path)-1])
		for i := 1; i < len(path); i++ {
			require.NotEqual(t, path[i-1], path[i], "seed %d: self loop at %d", seed, i)
		}
	}
}
