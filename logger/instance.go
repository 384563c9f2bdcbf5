package logger

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"sync"
)

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

func init() {
	logger, err := New(DefaultConfig())
	if err != nil {
		log.Printf("Failed to initialize default logger: %v, using standard log", err)
		return
	}
	defaultLogger = logger
}

func current() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// InitFromConfig initializes the logger from configuration
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	defaultMu.Lock()
	previous := defaultLogger
	defaultLogger = logger
	defaultMu.Unlock()

	if previous != nil {
		previous.Close()
	}
	return nil
}

// SetLevel changes the level of the default logger.
func SetLevel(level string) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	if l := current(); l != nil {
		l.SetLevel(logLevel)
	}
	return nil
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s, using default level INFO", level)
	}
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Debug(format, args...)
	} else {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Info(format, args...)
	} else {
		log.Printf("[INFO] "+format, args...)
	}
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Warn(format, args...)
	} else {
		log.Printf("[WARN] "+format, args...)
	}
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Error(format, args...)
	} else {
		log.Printf("[ERROR] "+format, args...)
	}
}

// Close closes the logger
func Close() error {
	if l := current(); l != nil {
		return l.Close()
	}
	return nil
}

// maxLineBytes caps a buffered partial line. Longer output without a
// newline is logged in pieces of this size.
const maxLineBytes = 4096

// Writer returns a LineWriter that logs every complete line written to it
// at the given level, prefixed with prefix. It is used to fold a child
// process's stderr into the log.
func Writer(level LogLevel, prefix string) *LineWriter {
	return &LineWriter{level: level, prefix: prefix}
}

// LineWriter is the io.Writer returned by Writer.
type LineWriter struct {
	level  LogLevel
	prefix string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf.Next(i + 1))
	}
	for w.buf.Len() >= maxLineBytes {
		w.emit(w.buf.Next(maxLineBytes))
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(w.buf.Next(w.buf.Len()))
	}
	w.buf.Reset()
}

func (w *LineWriter) emit(raw []byte) {
	line := strings.TrimRight(string(raw), "\r\n")
	if line == "" {
		return
	}
	msg := fmt.Sprintf("[%s] %s", w.prefix, line)
	if l := current(); l != nil {
		l.output(w.level, 3, msg)
	} else {
		log.Print(msg)
	}
}
