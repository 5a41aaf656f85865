// Package app wires the session runtime, the ingestion pipeline and the
// sinks into one process and supervises them.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"groupvault/internal/adapter"
	"groupvault/internal/attach"
	"groupvault/internal/broadcast"
	"groupvault/internal/browser"
	"groupvault/internal/clock"
	"groupvault/internal/config"
	"groupvault/internal/credentials"
	"groupvault/internal/health"
	"groupvault/internal/ingest"
	"groupvault/internal/lock"
	"groupvault/internal/logging"
	"groupvault/internal/reconnect"
	"groupvault/internal/roster"
	"groupvault/internal/session"
	"groupvault/internal/store"

	"golang.org/x/sync/errgroup"
)

// ErrStorage marks failures to prepare local storage. The process cannot
// run without it.
var ErrStorage = errors.New("storage unavailable")

// Options overrides process-level collaborators, mainly for tests.
type Options struct {
	Adapter adapter.Adapter
	Clock   clock.Clock
	// Signals defaults to SIGINT and SIGTERM; an empty non-nil slice
	// disables signal handling.
	Signals []os.Signal
}

// App is one groupvault process.
type App struct {
	cfg     *config.Config
	clock   clock.Clock
	signals []os.Signal

	store    *store.Store
	hub      *broadcast.Hub
	lock     *lock.Lock
	creds    *credentials.Dir
	watcher  *credentials.Watcher
	pipeline *ingest.Pipeline
	ctrl     *session.Controller
}

// New prepares storage and wires every component. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := ensureDirs(cfg); err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	signals := opts.Signals
	if signals == nil {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	creds := credentials.NewDir(cfg.ProfileDir())
	adp := opts.Adapter
	if adp == nil {
		adp = browser.New(BrowserConfig(cfg))
	}

	lk, err := lock.New(lock.Options{
		Path:            cfg.LockPath(),
		Freshness:       cfg.LockFreshness(),
		RefreshInterval: cfg.LockRefreshInterval(),
		RecentWindow:    cfg.LockRecentWindow(),
		RecentWait:      cfg.LockRecentWait(),
		Clock:           clk,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pipeline := ingest.New(ingest.Options{
		Self:           adp.Self,
		StripFirstLink: cfg.Ingest.StripFirstLink,
		Clock:          clk,
	}, attach.NewFiles(cfg.Storage.MediaDir), attach.NewLinks(attach.LinkOptions{
		Preview:    cfg.Ingest.LinkPreview,
		RatePerSec: cfg.Ingest.LinkRatePerSec,
		Burst:      cfg.Ingest.LinkBurst,
		Timeout:    cfg.LinkTimeout(),
	}))
	hub := broadcast.NewHub(cfg.Broadcast.Buffer)

	ctrl, err := session.New(session.Options{
		Adapter:     adp,
		Credentials: creds,
		Scheduler:   reconnect.New(ReconnectPolicy(cfg), clk, nil),
		Pipeline:    pipeline,
		Sink:        st,
		Publisher:   hub,
		Health: health.Options{
			Interval:      cfg.HealthInterval(),
			Jitter:        cfg.HealthJitter(),
			IdleThreshold: cfg.HealthIdleThreshold(),
			ProbeTimeout:  cfg.HealthProbeTimeout(),
		},
		Roster: roster.Options{
			SettleDelay:     cfg.RosterSettleDelay(),
			FetchTimeout:    cfg.RosterFetchTimeout(),
			ZeroRetries:     cfg.Roster.ZeroRetries,
			ZeroBackoff:     cfg.RosterZeroBackoff(),
			ExpectedGroups:  cfg.Roster.ExpectedGroups,
			WatermarkDelay:  cfg.RosterWatermarkDelay(),
			RecheckInterval: cfg.RosterRecheckInterval(),
		},
		RosterSink:     st,
		ConnectTimeout: cfg.GetConnectTimeout(),
		ReadyTimeout:   cfg.GetReadyTimeout(),
		DestroyTimeout: cfg.GetDestroyTimeout(),
		QueueSize:      cfg.Ingest.QueueSize,
		QRPath:         cfg.QRPath(),
		Owner:          lk.Owner(),
		Clock:          clk,
		// The lock must not be refreshed by a process that is tearing down.
		BeforeTeardown: lk.StopRefresher,
		OnQR: func(code string) {
			logging.Session("pairing code: %s", code)
		},
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	watcher, err := credentials.NewWatcher(creds, ctrl.CredentialsChanged)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("credentials watcher: %w", err)
	}

	return &App{
		cfg:      cfg,
		clock:    clk,
		signals:  signals,
		store:    st,
		hub:      hub,
		lock:     lk,
		creds:    creds,
		watcher:  watcher,
		pipeline: pipeline,
		ctrl:     ctrl,
	}, nil
}

// ensureDirs creates every directory the process writes to.
func ensureDirs(cfg *config.Config) error {
	dirs := []string{
		cfg.Session.Dir,
		cfg.Storage.MediaDir,
		filepath.Dir(cfg.Storage.DatabasePath),
	}
	if cfg.Logging.DebugMode && cfg.Logging.Dir != "" {
		dirs = append(dirs, cfg.Logging.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrStorage, dir, err)
		}
	}
	return nil
}

// ReconnectPolicy builds the scheduler policy from config.
func ReconnectPolicy(cfg *config.Config) reconnect.Policy {
	return reconnect.Policy{
		Base:             cfg.ReconnectBase(),
		Growth:           cfg.Reconnect.GrowthFactor,
		Cap:              cfg.ReconnectMax(),
		Jitter:           cfg.ReconnectJitter(),
		MaxAttempts:      cfg.Reconnect.MaxAttempts,
		Cooldown:         cfg.ReconnectCooldown(),
		ForceFreshAfter:  cfg.Reconnect.ForceFreshAfter,
		FatalCooldown:    cfg.ReconnectFatalCooldown(),
		AuthFailureLimit: cfg.Reconnect.AuthFailureLimit,
		StaleWindow:      cfg.ReconnectStaleWindow(),
		StaleForceFresh:  cfg.Reconnect.StaleForceFresh,
	}
}

// BrowserConfig builds the rod adapter config.
func BrowserConfig(cfg *config.Config) browser.Config {
	return browser.Config{
		DebuggerURL:    cfg.Browser.DebuggerURL,
		Launch:         cfg.Browser.Launch,
		Headless:       cfg.Browser.Headless,
		ProfileDir:     cfg.ProfileDir(),
		EndpointURL:    cfg.Session.EndpointURL,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		PollInterval:   cfg.Browser.PollInterval(),
		BridgeScript:   cfg.Browser.BridgeScript,
	}
}

// Controller exposes the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Hub exposes the live subscriber hub.
func (a *App) Hub() *broadcast.Hub { return a.hub }

// Pipeline exposes the ingestion pipeline.
func (a *App) Pipeline() *ingest.Pipeline { return a.pipeline }

// Store exposes the persistence sink.
func (a *App) Store() *store.Store { return a.store }

// Run holds the session lock and keeps the session alive until ctx is
// cancelled, a termination signal arrives or the lock is lost.
func (a *App) Run(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryBoot, "acquire lock")
	err := a.lock.Acquire(ctx)
	timer.Stop()
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer func() {
		if err := a.lock.Release(); err != nil {
			logging.LockWarn("release: %v", err)
		}
	}()
	logging.Boot("session lock held by %s", a.lock.Owner())

	if groups, err := a.store.QueryGroups(ctx); err != nil {
		logging.BootWarn("load known groups: %v", err)
	} else if len(groups) > 0 {
		a.ctrl.SeedGroups(groups)
		logging.Boot("seeded %d known groups", len(groups))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	lost := make(chan error, 1)
	a.lock.StartRefresher(gctx, func(err error) {
		logging.LockError("%v; shutting down", err)
		select {
		case lost <- err:
		default:
		}
		cancel()
	})
	defer a.lock.StopRefresher()

	if err := a.watcher.Start(gctx); err != nil {
		logging.BootWarn("credentials watcher disabled: %v", err)
	} else {
		g.Go(func() error {
			<-gctx.Done()
			a.watcher.Stop()
			return nil
		})
	}

	if len(a.signals) > 0 {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, a.signals...)
		defer signal.Stop(sigCh)
		g.Go(func() error {
			select {
			case sig := <-sigCh:
				logging.Boot("received %v, shutting down", sig)
				cancel()
			case <-gctx.Done():
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		return a.ctrl.Run(gctx)
	})
	if err := a.ctrl.Start(); err != nil {
		cancel()
	}

	err = g.Wait()
	select {
	case lockErr := <-lost:
		return errors.Join(lockErr, err)
	default:
	}
	return err
}

// Close releases the store and disconnects subscribers.
func (a *App) Close() error {
	a.watcher.Stop()
	a.hub.Close()
	return a.store.Close()
}

// Stats is the snapshot printed by the status command.
type Stats struct {
	Lock      *lock.Record
	LockFresh bool
	Store     store.Stats
}

// ReadStats inspects an installation without starting a session.
func ReadStats(ctx context.Context, cfg *config.Config) (Stats, error) {
	var out Stats
	rec, err := lock.ReadRecord(cfg.LockPath())
	switch {
	case err == nil:
		out.Lock = rec
		out.LockFresh = time.Since(rec.AcquiredAt) < cfg.LockFreshness()
	case !errors.Is(err, os.ErrNotExist):
		logging.LockWarn("read lock record: %v", err)
	}

	if _, err := os.Stat(cfg.Storage.DatabasePath); err != nil {
		return out, nil
	}
	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.DatabasePath)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer st.Close()
	out.Store, err = st.Stats(ctx)
	return out, err
}
