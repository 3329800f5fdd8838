// Package logging provides structured, leveled log output for plasma
// processes, backed by zap.
//
// Console output uses the line format
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// and an optional JSON file sink rotates through lumberjack.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel accepts level names in any case.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, nil
	case LevelInfo, "":
		return LevelInfo, nil
	case LevelWarn, "WARNING":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Format selects the console encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options configures a Logger.
type Options struct {
	Level  Level
	Format Format

	// Output receives console lines. Default: stdout.
	Output io.Writer

	// File, when set, additionally writes JSON lines to a rotating file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger provides structured logging. Loggers derived with WithComponent
// and WithTraceID share their parent's level and output.
type Logger struct {
	root      *zap.Logger
	z         *zap.Logger
	level     zap.AtomicLevel
	out       *swapWriter
	component string
	traceID   string
}

// swapWriter lets SetOutput redirect every derived logger at once.
type swapWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *swapWriter) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.w.(interface{ Sync() error }); ok {
		// Terminals reject fsync; that is not worth reporting.
		_ = f.Sync()
	}
	return nil
}

// New creates a Logger writing text lines to stdout at INFO.
func New() *Logger {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a Logger from opts.
func NewWithOptions(opts Options) *Logger {
	if opts.Level == "" {
		opts.Level = LevelInfo
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	level := zap.NewAtomicLevelAt(opts.Level.zap())
	out := &swapWriter{w: opts.Output}

	var enc zapcore.Encoder
	if opts.Format == FormatJSON {
		enc = zapcore.NewJSONEncoder(jsonEncoderConfig())
	} else {
		enc = newLineEncoder()
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
		}
		core = zapcore.NewTee(core,
			zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), zapcore.AddSync(rotator), level))
	}

	root := zap.New(core)
	return &Logger{root: root, z: root, level: level, out: out}
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.NameKey = "component"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (l *Logger) derive(component, traceID string) *Logger {
	z := l.root
	if component != "" {
		z = z.Named(component)
	}
	if traceID != "" {
		z = z.With(zap.String("trace_id", traceID))
	}
	return &Logger{
		root:      l.root,
		z:         z,
		level:     l.level,
		out:       l.out,
		component: component,
		traceID:   traceID,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(component, l.traceID)
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return l.derive(l.component, traceID)
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zap())
}

// SetOutput sets the console writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	l.out.w = w
	l.out.mu.Unlock()
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.z.Debug(msg, toZap(fields)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.z.Info(msg, toZap(fields)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.z.Warn(msg, toZap(fields)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.z.Error(msg, toZap(fields)...)
}

func toZap(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 || fields[0] == nil {
		return nil
	}
	m := fields[0]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := m[k].(type) {
		case error:
			out = append(out, zap.String(k, v.Error()))
		case time.Duration:
			out = append(out, zap.String(k, v.String()))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

// --- Event logging methods ---
// Called by the router, workers and monitor at each step of a task's life.

// Routed logs a task forwarded to an agent topic.
func (l *Logger) Routed(taskID, target string) {
	l.Info("routed", map[string]interface{}{
		"task_id": taskID,
		"target":  target,
	})
}

// Dropped logs an inbound message that was discarded.
func (l *Logger) Dropped(taskID string, err error) {
	fields := map[string]interface{}{"error": err}
	if taskID != "" {
		fields["task_id"] = taskID
	}
	l.Warn("dropped", fields)
}

// TaskStart logs an agent picking up a task.
func (l *Logger) TaskStart(agent, taskID string) {
	l.Info("task_start", map[string]interface{}{
		"agent":   agent,
		"task_id": taskID,
	})
}

// TaskComplete logs a successful completion.
func (l *Logger) TaskComplete(agent, taskID string, duration time.Duration) {
	l.Info("task_complete", map[string]interface{}{
		"agent":    agent,
		"task_id":  taskID,
		"duration": duration,
	})
}

// TaskFailed logs a completion that produced an error result.
func (l *Logger) TaskFailed(agent, taskID string, duration time.Duration, err error) {
	l.Error("task_failed", map[string]interface{}{
		"agent":    agent,
		"task_id":  taskID,
		"duration": duration,
		"error":    err,
	})
}

// AgentStatus logs one agent's liveness as seen by the monitor.
func (l *Logger) AgentStatus(agent string, age time.Duration, state string) {
	l.Info("agent_status", map[string]interface{}{
		"agent": agent,
		"age":   age.Round(100 * time.Millisecond),
		"state": state,
	})
}
