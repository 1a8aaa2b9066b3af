package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
	TRACE
)

var levelNames = map[LogLevel]string{
	ERROR: "ERROR",
	WARN:  "WARN",
	INFO:  "INFO",
	DEBUG: "DEBUG",
	TRACE: "TRACE",
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Context   map[string]interface{}
}

// Logger provides structured logging with levels and key/value context pairs.
// Workers and periodic tasks attach fixed context (e.g. printer_id) via With.
type Logger struct {
	mu            sync.RWMutex
	level         LogLevel
	logDir        string
	currentFile   *os.File
	buffer        []LogEntry
	maxBufferSize int
	consoleOutput bool
	fixed         []interface{}
}

// New creates a new Logger instance
func New(level LogLevel, logDir string, maxBufferSize int) *Logger {
	return &Logger{
		level:         level,
		logDir:        logDir,
		buffer:        make([]LogEntry, 0, maxBufferSize),
		maxBufferSize: maxBufferSize,
		consoleOutput: true,
	}
}

// With returns a logger that includes the given key/value pairs on every entry.
func (l *Logger) With(context ...interface{}) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:         l.level,
		logDir:        l.logDir,
		currentFile:   l.currentFile,
		maxBufferSize: l.maxBufferSize,
		consoleOutput: l.consoleOutput,
		fixed:         append(append([]interface{}{}, l.fixed...), context...),
	}
}

// SetConsoleOutput enables or disables console output
func (l *Logger) SetConsoleOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consoleOutput = enabled
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// Error logs an error level message
func (l *Logger) Error(msg string, context ...interface{}) {
	l.log(ERROR, msg, context...)
}

// Warn logs a warning level message
func (l *Logger) Warn(msg string, context ...interface{}) {
	l.log(WARN, msg, context...)
}

// Info logs an info level message
func (l *Logger) Info(msg string, context ...interface{}) {
	l.log(INFO, msg, context...)
}

// Debug logs a debug level message
func (l *Logger) Debug(msg string, context ...interface{}) {
	l.log(DEBUG, msg, context...)
}

// Trace logs a trace level message
func (l *Logger) Trace(msg string, context ...interface{}) {
	l.log(TRACE, msg, context...)
}

func (l *Logger) log(level LogLevel, msg string, context ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	pairs := append(append([]interface{}{}, l.fixed...), context...)
	ctx := make(map[string]interface{})
	for i := 0; i < len(pairs); i += 2 {
		if i+1 < len(pairs) {
			key := fmt.Sprintf("%v", pairs[i])
			ctx[key] = pairs[i+1]
		}
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Context:   ctx,
	}

	l.buffer = append(l.buffer, entry)
	if len(l.buffer) > l.maxBufferSize {
		l.buffer = l.buffer[1:]
	}

	if l.consoleOutput {
		fmt.Print(formatEntry(entry))
	}

	l.writeToFile(entry)
}

func (l *Logger) writeToFile(entry LogEntry) {
	if l.logDir == "" {
		return
	}

	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return
	}

	if l.currentFile == nil {
		logPath := filepath.Join(l.logDir, "printfarm.log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		l.currentFile = f
	}

	l.currentFile.WriteString(formatEntry(entry))
}

func formatEntry(entry LogEntry) string {
	timestamp := entry.Timestamp.Format("2006-01-02 15:04:05")
	levelStr := levelNames[entry.Level]

	contextStr := ""
	if len(entry.Context) > 0 {
		contextStr = " |"
		for k, v := range entry.Context {
			contextStr += fmt.Sprintf(" %s=%v", k, v)
		}
	}

	return fmt.Sprintf("[%s] [%s] %s%s\n", timestamp, levelStr, entry.Message, contextStr)
}

// GetBuffer returns recent log entries
func (l *Logger) GetBuffer() []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]LogEntry, len(l.buffer))
	copy(entries, l.buffer)
	return entries
}

// Close closes any open file handles
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.currentFile != nil {
		return l.currentFile.Close()
	}
	return nil
}

// ParseLevel converts a string to LogLevel. It accepts both the short names
// (warn, error) and the spelled-out forms used by LOGGING_LEVEL (WARNING,
// CRITICAL). CRITICAL maps onto ERROR.
func ParseLevel(s string) LogLevel {
	switch s {
	case "ERROR", "error", "CRITICAL", "critical":
		return ERROR
	case "WARN", "warn", "WARNING", "warning":
		return WARN
	case "INFO", "info":
		return INFO
	case "DEBUG", "debug":
		return DEBUG
	case "TRACE", "trace":
		return TRACE
	default:
		return INFO
	}
}
