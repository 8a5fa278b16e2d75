// Package logging provides leveled, structured logging shared by every
// component of the data-plane: reactors, bdev modules, the vhost-scsi
// controller, the NVMe-oF target and the JSON-RPC server.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger wraps stdlib log with level support and key-value arguments.
// component, when set via With, tags every line the derived logger emits
// with the same component names internal/errs uses ("bdev", "nvmf",
// "vhost", "rpc", "ae4dma", ...), so a log line and the error it reports
// on carry matching provenance without a caller threading a string
// through both.
type Logger struct {
	logger    *log.Logger
	level     LogLevel
	component string
	mu        sync.Mutex
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  config.Level,
	}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// With returns a derived logger that tags every line with component,
// sharing l's output destination and level. Each subsystem Target wires
// up (bdev, scsi, vhost, nvmf, rpc, ae4dma) gets its own derived logger
// instead of every line going through one undifferentiated stream.
func (l *Logger) With(component string) *Logger {
	return &Logger{logger: l.logger, level: l.level, component: component}
}

func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

// log is the single place that turns a level into its bracketed prefix and
// applies the component tag, shared by every level-specific method below
// and by Sink.Drain replaying buffered hot-path records.
func (l *Logger) log(level LogLevel, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.component != "" {
		l.logger.Printf("%s [%s] %s%s", levelPrefix(level), l.component, msg, formatArgs(args))
		return
	}
	l.logger.Printf("%s %s%s", levelPrefix(level), msg, formatArgs(args))
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, fmt.Sprintf(format, args...)) }

// Printf logs at info level for compatibility with code expecting a plain
// *log.Logger-shaped dependency.
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// Sink is a lock-free logging target meant for reactor poller hot paths,
// which must never contend on the shared Logger's mutex. Records are
// pushed into a ring buffer and drained later by a management poller
// calling Drain, which forwards each record to a *Logger.
type Sink struct {
	records []record
	head    uint64 // next slot to write, wraps modulo len(records)
	tail    uint64 // next slot to drain
}

type record struct {
	level LogLevel
	msg   string
	args  []any
	valid bool
}

// NewSink creates a ring-buffer sink with the given capacity. Capacity
// should be a power of two; it is rounded up if not.
func NewSink(capacity int) *Sink {
	if capacity < 1 {
		capacity = 1
	}
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Sink{records: make([]record, n)}
}

// Push records msg and its key-value args without blocking or taking a
// lock; if the ring is full the oldest unread record is overwritten
// (logging must never backpressure the data plane). args is retained as
// given, not copied, so callers on a hot path should pass only
// stack-local values or constants.
func (s *Sink) Push(level LogLevel, msg string, args ...any) {
	idx := s.head % uint64(len(s.records))
	s.records[idx] = record{level: level, msg: msg, args: args, valid: true}
	s.head++
}

// Drain forwards every pending record to logger through the same log
// method every other Logger call goes through (so a component tag set via
// With survives a poller's buffered records too), then clears the sink.
// It is intended to be called from a single management goroutine/poller,
// never concurrently with itself.
func (s *Sink) Drain(logger *Logger) int {
	n := 0
	if size := uint64(len(s.records)); s.head-s.tail > size {
		s.tail = s.head - size
	}
	for s.tail < s.head {
		idx := s.tail % uint64(len(s.records))
		r := s.records[idx]
		if r.valid {
			logger.log(r.level, r.msg, r.args...)
			n++
		}
		s.tail++
	}
	return n
}

func levelPrefix(l LogLevel) string {
	switch l {
	case LevelDebug:
		return "[DEBUG]"
	case LevelWarn:
		return "[WARN]"
	case LevelError:
		return "[ERROR]"
	default:
		return "[INFO]"
	}
}
