package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/ncruces/go-strftime"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// StructuredLogger implements the Logger interface with structured logging
type StructuredLogger struct {
	level  LogLevel
	logger *log.Logger
	writer io.Writer
	// tty is true when the writer is an interactive terminal. Logs emitted
	// to a tty get the level tag right-padded for a readable column; logs
	// redirected to a file or pipe get the flat "LEVEL: msg" form a log
	// scraper expects.
	tty bool
}

// NewStructuredLogger creates a new structured logger.
func NewStructuredLogger(level LogLevel, writer io.Writer) *StructuredLogger {
	return &StructuredLogger{
		level:  level,
		logger: log.New(writer, "", 0), // We'll format timestamps ourselves
		writer: writer,
	}
}

// NewFileLogger creates a logger that writes to a file.
func NewFileLogger(level LogLevel, filename string) (*StructuredLogger, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", filename, err)
	}

	return NewStructuredLogger(level, file), nil
}

// NewDailyFileLogger creates a file logger whose filename is stamped with
// the current date using a strftime pattern, so a process restarted across
// midnight rolls onto a fresh file without an external log rotator.
func NewDailyFileLogger(level LogLevel, pattern string) (*StructuredLogger, error) {
	filename, err := strftime.Format(pattern, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to expand log filename pattern %s: %w", pattern, err)
	}
	return NewFileLogger(level, filename)
}

// NewConsoleLogger creates a logger that writes to stdout, detecting
// whether stdout is an interactive terminal to choose a log format.
func NewConsoleLogger(level LogLevel) *StructuredLogger {
	l := NewStructuredLogger(level, os.Stdout)
	l.tty = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	return l
}

// NewMultiLogger creates a logger that writes to multiple outputs
func NewMultiLogger(level LogLevel, writers ...io.Writer) *StructuredLogger {
	multiWriter := io.MultiWriter(writers...)
	return NewStructuredLogger(level, multiWriter)
}

// Debug logs a debug message with optional fields
func (l *StructuredLogger) Debug(msg string, fields ...Field) {
	if l.level <= DebugLevel {
		l.log(DebugLevel, msg, fields...)
	}
}

// Info logs an info message with optional fields
func (l *StructuredLogger) Info(msg string, fields ...Field) {
	if l.level <= InfoLevel {
		l.log(InfoLevel, msg, fields...)
	}
}

// Warn logs a warning message with optional fields
func (l *StructuredLogger) Warn(msg string, fields ...Field) {
	if l.level <= WarnLevel {
		l.log(WarnLevel, msg, fields...)
	}
}

// Error logs an error message with optional fields
func (l *StructuredLogger) Error(msg string, fields ...Field) {
	if l.level <= ErrorLevel {
		l.log(ErrorLevel, msg, fields...)
	}
}

// log formats and writes the log message
func (l *StructuredLogger) log(level LogLevel, msg string, fields ...Field) {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")

	var logMsg string
	if l.tty {
		logMsg = fmt.Sprintf("[%s] %-5s %s", timestamp, level.String(), msg)
	} else {
		logMsg = fmt.Sprintf("[%s] %s: %s", timestamp, level.String(), msg)
	}

	if len(fields) > 0 {
		fieldStrs := make([]string, len(fields))
		for i, field := range fields {
			fieldStrs[i] = fmt.Sprintf("%s=%v", field.Key, field.Value)
		}
		logMsg += " | " + strings.Join(fieldStrs, " ")
	}

	l.logger.Println(logMsg)
}

// SetLevel changes the logging level
func (l *StructuredLogger) SetLevel(level LogLevel) {
	l.level = level
}

// GetLevel returns the current logging level
func (l *StructuredLogger) GetLevel() LogLevel {
	return l.level
}

// Close closes the logger if it's writing to a file
func (l *StructuredLogger) Close() error {
	if closer, ok := l.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Helper functions for creating common fields

// StringField creates a string field
func StringField(key, value string) Field {
	return Field{Key: key, Value: value}
}

// IntField creates an integer field
func IntField(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// ErrorField creates an error field
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err.Error()}
}

// RequestIDField creates a request-correlation field, shared by every log
// line C4/C5/C6 emit while processing one request.
func RequestIDField(requestID string) Field {
	return Field{Key: "request_id", Value: requestID}
}

// MethodField creates a SIP method field
func MethodField(method string) Field {
	return Field{Key: "sip_method", Value: method}
}

// AddressField creates an address field
func AddressField(key, address string) Field {
	return Field{Key: key, Value: address}
}

// UserField creates a user field
func UserField(user string) Field {
	return Field{Key: "user", Value: user}
}

// AgeField renders a duration as a human-relative phrase ("30s ago",
// "2 minutes from now") instead of a raw Duration, for nonce-age and
// publish-expiry log lines an operator reads interactively.
func AgeField(key string, at time.Time) Field {
	return Field{Key: key, Value: humanize.Time(at)}
}

// LoggerConfig represents logger configuration
type LoggerConfig struct {
	Level string
	File  string
	// Rotate treats File as a strftime pattern and rolls onto a fresh file
	// every time the expanded name changes date, instead of appending to
	// one file forever.
	Rotate bool
}

// NewLoggerFromConfig creates a logger based on configuration
func NewLoggerFromConfig(config LoggerConfig) (Logger, error) {
	level, err := ParseLogLevel(config.Level)
	if err != nil {
		return nil, err
	}

	if config.File == "" || config.File == "stdout" {
		// Log to console only
		return NewConsoleLogger(level), nil
	}

	// Create file logger, daily-rotated when configured.
	var fileLogger *StructuredLogger
	if config.Rotate {
		fileLogger, err = NewDailyFileLogger(level, config.File)
	} else {
		fileLogger, err = NewFileLogger(level, config.File)
	}
	if err != nil {
		return nil, err
	}

	// Also log to console for important messages (warn and error)
	if level <= WarnLevel {
		consoleWriter := os.Stdout
		return NewMultiLogger(level, fileLogger.writer, consoleWriter), nil
	}

	return fileLogger, nil
}