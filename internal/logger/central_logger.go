package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// traceLevelValue is slog.Level for TRACE level (below Debug which is -4)
	traceLevelValue = slog.Level(-8)

	// offLevelValue silences every record
	offLevelValue = slog.Level(12)

	floatPrecisionRatio = 1000.0

	moduleKey = "module"
)

var (
	globalLogger   *CentralLogger
	globalLoggerMu sync.Mutex
)

// SetGlobal sets the global CentralLogger instance.
func SetGlobal(cl *CentralLogger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = cl
}

// Global returns the global CentralLogger instance, creating a console-only
// logger on first use when none has been set.
func Global() *CentralLogger {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()

	if globalLogger == nil {
		cl, err := NewCentralLogger(&LoggingConfig{DefaultLevel: DefaultLogLevel, Timezone: "Local"})
		if err != nil {
			// Only a bad timezone can fail here and "Local" always resolves.
			panic(err)
		}
		globalLogger = cl
	}
	return globalLogger
}

// CentralLogger owns the handlers and the shared level of every module logger.
type CentralLogger struct {
	config   *LoggingConfig
	timezone *time.Location
	level    *slog.LevelVar
	file     *fileSink
	handler  slog.Handler
	closed   atomic.Bool
}

// NewCentralLogger creates a logger writing text to stderr and, when enabled,
// JSON records to a rotating log file.
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config cannot be nil")
	}
	applyConfigDefaults(cfg)

	return newCentralLogger(cfg, os.Stderr)
}

func newCentralLogger(cfg *LoggingConfig, console io.Writer) (*CentralLogger, error) {
	var tz *time.Location
	switch cfg.Timezone {
	case "", "Local":
		tz = time.Local
	default:
		var err error
		tz, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %s: %w", cfg.Timezone, err)
		}
	}

	cl := &CentralLogger{
		config:   cfg,
		timezone: tz,
		level:    new(slog.LevelVar),
		file:     &fileSink{},
	}
	cl.level.Set(parseLogLevel(LogLevel(cfg.DefaultLevel)))

	handlers := make([]slog.Handler, 0, 2)
	if cfg.Console != nil && cfg.Console.Enabled {
		handlers = append(handlers, newTextHandler(console, cl.level, tz))
	}
	handlers = append(handlers, &fileHandler{
		Handler: slog.NewJSONHandler(cl.file, &slog.HandlerOptions{Level: cl.level, ReplaceAttr: replaceLevelNames}),
		sink:    cl.file,
	})
	cl.handler = newMultiWriterHandler(handlers...)

	if cfg.FileOutput != nil && cfg.FileOutput.Enabled {
		if err := cl.SetLogFile(cfg.FileOutput.Path); err != nil {
			return nil, err
		}
	}

	return cl, nil
}

// Module returns a logger scoped to a specific module
func (cl *CentralLogger) Module(name string) Logger {
	if cl == nil {
		return nil
	}
	return &moduleLogger{
		module: name,
		logger: slog.New(cl.handler),
		level:  cl.level,
	}
}

// SetLevel changes the level of every logger derived from cl.
func (cl *CentralLogger) SetLevel(level LogLevel) {
	cl.level.Set(parseLogLevel(level))
}

// Level returns the current level.
func (cl *CentralLogger) Level() LogLevel {
	switch l := cl.level.Level(); {
	case l <= traceLevelValue:
		return LogLevelTrace
	case l <= slog.LevelDebug:
		return LogLevelDebug
	case l <= slog.LevelInfo:
		return LogLevelInfo
	case l <= slog.LevelWarn:
		return LogLevelWarn
	case l <= slog.LevelError:
		return LogLevelError
	default:
		return LogLevelOff
	}
}

// SetLogFile redirects file output to path, rotating with the configured
// limits. An empty path disables file output.
func (cl *CentralLogger) SetLogFile(path string) error {
	if path == "" {
		return cl.file.swap(nil)
	}
	if err := ensureFileDirectory(path); err != nil {
		return err
	}

	fo := cl.config.FileOutput
	if fo == nil {
		fo = &FileOutput{MaxSize: DefaultMaxSize}
	}
	return cl.file.swap(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    fo.MaxSize,
		MaxAge:     fo.MaxAge,
		MaxBackups: fo.MaxRotatedFiles,
		Compress:   fo.Compress,
		LocalTime:  cl.timezone == time.Local,
	})
}

// Close releases the log file, if any.
func (cl *CentralLogger) Close() error {
	if cl == nil || !cl.closed.CompareAndSwap(false, true) {
		return nil
	}
	return cl.file.swap(nil)
}

// ensureFileDirectory creates the directory for a file path if it doesn't exist
func ensureFileDirectory(filePath string) error {
	dir := filepath.Dir(filePath)
	if dir == "." || dir == filePath {
		return nil
	}
	const dirPermissions = 0o755
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// ParseLevel validates a textual level.
func ParseLevel(level string) (LogLevel, error) {
	switch l := LogLevel(level); l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelOff:
		return l, nil
	default:
		return "", fmt.Errorf("unknown log level %q", level)
	}
}

func parseLogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelTrace:
		return traceLevelValue
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	case LogLevelOff:
		return offLevelValue
	default:
		return slog.LevelInfo
	}
}

// fileSink is a swappable file writer shared by all module loggers.
type fileSink struct {
	mu     sync.Mutex
	w      io.WriteCloser
	active atomic.Bool
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return len(p), nil
	}
	return s.w.Write(p)
}

func (s *fileSink) swap(w io.WriteCloser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.w != nil {
		err = s.w.Close()
	}
	s.w = w
	s.active.Store(w != nil)
	return err
}

// fileHandler skips record formatting while no file is attached.
type fileHandler struct {
	slog.Handler
	sink *fileSink
}

func (h *fileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.sink.active.Load() && h.Handler.Enabled(ctx, level)
}

func (h *fileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fileHandler{Handler: h.Handler.WithAttrs(attrs), sink: h.sink}
}

func (h *fileHandler) WithGroup(name string) slog.Handler {
	return &fileHandler{Handler: h.Handler.WithGroup(name), sink: h.sink}
}

// newTextHandler returns the human-readable console handler.
func newTextHandler(w io.Writer, level slog.Leveler, tz *time.Location) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().In(tz).Format("2006-01-02 15:04:05.000"))
			}
			return replaceLevelNames(groups, a)
		},
	})
}

func replaceLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= traceLevelValue {
			return slog.String(slog.LevelKey, "TRACE")
		}
	}
	return a
}

// NewSlogLogger returns a Logger writing text records to w. Intended for
// tests and tools that do not need the central configuration.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) Logger {
	lv := new(slog.LevelVar)
	lv.Set(parseLogLevel(level))
	if tz == nil {
		tz = time.UTC
	}
	return &moduleLogger{logger: slog.New(newTextHandler(w, lv, tz)), level: lv}
}

// moduleLogger implements Logger for a specific module
type moduleLogger struct {
	module string
	logger *slog.Logger
	level  *slog.LevelVar
	fields []Field
}

// Module creates a sub-module logger named parent.child
func (m *moduleLogger) Module(name string) Logger {
	module := name
	if m.module != "" {
		module = m.module + "." + name
	}
	return &moduleLogger{
		module: module,
		logger: m.logger,
		level:  m.level,
		fields: slices.Clone(m.fields),
	}
}

func (m *moduleLogger) Trace(msg string, fields ...Field) { m.log(traceLevelValue, msg, fields) }
func (m *moduleLogger) Debug(msg string, fields ...Field) { m.log(slog.LevelDebug, msg, fields) }
func (m *moduleLogger) Info(msg string, fields ...Field)  { m.log(slog.LevelInfo, msg, fields) }
func (m *moduleLogger) Warn(msg string, fields ...Field)  { m.log(slog.LevelWarn, msg, fields) }
func (m *moduleLogger) Error(msg string, fields ...Field) { m.log(slog.LevelError, msg, fields) }

// Log logs a message with explicit level
func (m *moduleLogger) Log(level LogLevel, msg string, fields ...Field) {
	m.log(parseLogLevel(level), msg, fields)
}

// With returns a new logger with accumulated fields
func (m *moduleLogger) With(fields ...Field) Logger {
	return &moduleLogger{
		module: m.module,
		logger: m.logger,
		level:  m.level,
		fields: slices.Concat(m.fields, fields),
	}
}

func (m *moduleLogger) log(level slog.Level, msg string, fields []Field) {
	if m == nil || level < m.level.Level() {
		return
	}

	attrs := make([]slog.Attr, 0, 1+len(m.fields)+len(fields))
	if m.module != "" {
		attrs = append(attrs, slog.String(moduleKey, m.module))
	}
	for i := range m.fields {
		attrs = append(attrs, fieldToAttr(m.fields[i]))
	}
	for i := range fields {
		attrs = append(attrs, fieldToAttr(fields[i]))
	}

	m.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func roundFloat(val float64) float64 {
	return math.Round(val*floatPrecisionRatio) / floatPrecisionRatio
}

// fieldToAttr converts Field to slog.Attr
func fieldToAttr(f Field) slog.Attr {
	switch v := f.Value.(type) {
	case string:
		return slog.String(f.Key, v)
	case int:
		return slog.Int(f.Key, v)
	case int64:
		return slog.Int64(f.Key, v)
	case uint64:
		return slog.Uint64(f.Key, v)
	case float64:
		return slog.Float64(f.Key, roundFloat(v))
	case bool:
		return slog.Bool(f.Key, v)
	case time.Time:
		return slog.Time(f.Key, v)
	case time.Duration:
		return slog.String(f.Key, v.Round(time.Microsecond).String())
	default:
		return slog.Any(f.Key, v)
	}
}
