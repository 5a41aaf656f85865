// Package logging provides categorised, config-driven logging for groupvault.
// Every category shares one zap core; when debug mode is on and a log
// directory is configured each category also gets its own file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategorySession   Category = "session"   // Controller state machine
	CategoryHealth    Category = "health"    // Liveness probes
	CategoryReconnect Category = "reconnect" // Backoff decisions
	CategoryLock      Category = "lock"      // Single-instance lock
	CategoryRoster    Category = "roster"    // Group list synchronisation
	CategoryIngest    Category = "ingest"    // Message pipeline
	CategoryStore     Category = "store"     // SQLite sink
	CategoryBrowser   Category = "browser"   // Rod adapter
	CategoryAttach    Category = "attach"    // Attachment resolution
	CategoryBroadcast Category = "broadcast" // Live subscribers
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	Dir        string          // per-category files, only used in debug mode
	DebugMode  bool            //
	Categories map[string]bool // nil enables everything
}

// Logger is a category-scoped sugared logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	cfg        Config
	loggers    = make(map[Category]*Logger)
	active     *fileSet
	levelValue = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize builds the shared core. Safe to call again; later calls replace
// the previous configuration and close its files.
func Initialize(c Config) error {
	level, err := zapcore.ParseLevel(strings.ToLower(defaultString(c.Level, "info")))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	mu.Lock()
	previous := active
	active = nil
	levelValue.SetLevel(level)
	cfg = c

	encoder := newEncoder(c.Format)
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), levelValue)}

	if c.DebugMode && c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o755); err != nil {
			mu.Unlock()
			previous.close()
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		active = &fileSet{dir: c.Dir, files: make(map[string]*os.File)}
		cores = append(cores, &categoryCore{
			set:     active,
			encoder: newEncoder("json"),
			level:   levelValue,
		})
	}

	base = zap.New(zapcore.NewTee(cores...))
	loggers = make(map[Category]*Logger)
	mu.Unlock()
	previous.close()

	Get(CategoryBoot).Info("logging initialised (level=%s, debug=%v, dir=%s)", level, c.DebugMode, c.Dir)
	return nil
}

// SetCore replaces the shared core. Tests use it with zaptest/observer.
func SetCore(core zapcore.Core) {
	mu.Lock()
	defer mu.Unlock()
	base = zap.New(core)
	loggers = make(map[Category]*Logger)
}

// Zap returns the shared zap logger.
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if cfg.Categories == nil {
		return true
	}
	enabled, ok := cfg.Categories[string(category)]
	return !ok || enabled
}

// Get returns (or creates) a logger for the given category. Disabled
// categories get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	z := zap.NewNop()
	if categoryEnabledLocked(category) {
		z = base.With(zap.String("category", string(category)))
	}
	l := &Logger{category: category, sugar: z.Sugar()}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a logger carrying extra structured fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes buffered entries and closes category files.
func Sync() {
	mu.RLock()
	z := base
	mu.RUnlock()
	_ = z.Sync()
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(format, "json") {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// fileSet owns the per-category log files of one Initialize call.
type fileSet struct {
	mu     sync.Mutex
	dir    string
	files  map[string]*os.File
	closed bool
}

func (s *fileSet) writer(category string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("log files closed")
	}
	if f, ok := s.files[category]; ok {
		return f, nil
	}
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	s.files[category] = f
	return f, nil
}

func (s *fileSet) sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		_ = f.Sync()
	}
}

func (s *fileSet) close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		_ = f.Close()
	}
	s.files = map[string]*os.File{}
	s.closed = true
}

// categoryCore routes each entry to <dir>/<date>_<category>.log.
type categoryCore struct {
	set      *fileSet
	encoder  zapcore.Encoder
	level    zapcore.LevelEnabler
	category string
}

func (c *categoryCore) Enabled(l zapcore.Level) bool { return c.level.Enabled(l) }

func (c *categoryCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &categoryCore{
		set:      c.set,
		encoder:  c.encoder.Clone(),
		level:    c.level,
		category: c.category,
	}
	for _, f := range fields {
		if f.Key == "category" && f.Type == zapcore.StringType {
			clone.category = f.String
			continue
		}
		f.AddTo(clone.encoder)
	}
	return clone
}

func (c *categoryCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *categoryCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	category := c.category
	if category == "" {
		category = "general"
	}
	f, err := c.set.writer(category)
	if err != nil {
		return err
	}
	buf, err := c.encoder.EncodeEntry(e, fields)
	if err != nil {
		return err
	}
	defer buf.Free()
	_, err = f.Write(buf.Bytes())
	return err
}

func (c *categoryCore) Sync() error {
	c.set.sync()
	return nil
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

// Session logs to the session category
func Session(format string, args ...interface{}) { Get(CategorySession).Info(format, args...) }

// SessionDebug logs debug to the session category
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }

// SessionWarn logs warning to the session category
func SessionWarn(format string, args ...interface{}) { Get(CategorySession).Warn(format, args...) }

// SessionError logs error to the session category
func SessionError(format string, args ...interface{}) { Get(CategorySession).Error(format, args...) }

func Health(format string, args ...interface{})      { Get(CategoryHealth).Info(format, args...) }
func HealthDebug(format string, args ...interface{}) { Get(CategoryHealth).Debug(format, args...) }
func HealthWarn(format string, args ...interface{})  { Get(CategoryHealth).Warn(format, args...) }

func Reconnect(format string, args ...interface{})     { Get(CategoryReconnect).Info(format, args...) }
func ReconnectWarn(format string, args ...interface{}) { Get(CategoryReconnect).Warn(format, args...) }

func Lock(format string, args ...interface{})      { Get(CategoryLock).Info(format, args...) }
func LockWarn(format string, args ...interface{})  { Get(CategoryLock).Warn(format, args...) }
func LockError(format string, args ...interface{}) { Get(CategoryLock).Error(format, args...) }

func Roster(format string, args ...interface{})      { Get(CategoryRoster).Info(format, args...) }
func RosterDebug(format string, args ...interface{}) { Get(CategoryRoster).Debug(format, args...) }
func RosterWarn(format string, args ...interface{})  { Get(CategoryRoster).Warn(format, args...) }

func IngestDebug(format string, args ...interface{}) { Get(CategoryIngest).Debug(format, args...) }
func IngestWarn(format string, args ...interface{})  { Get(CategoryIngest).Warn(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warn(format, args...) }

func AttachDebug(format string, args ...interface{}) { Get(CategoryAttach).Debug(format, args...) }
func AttachWarn(format string, args ...interface{})  { Get(CategoryAttach).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

// Close flushes and closes the category files and detaches the shared core.
// Call it once at process exit.
func Close() {
	Sync()
	mu.Lock()
	s := active
	active = nil
	base = zap.NewNop()
	loggers = make(map[Category]*Logger)
	mu.Unlock()
	s.close()
}
