// Package logging provides the structured, leveled logger used by every
// component of the batch image-generation engine. It deliberately avoids a
// third-party logging framework: a dependency-free logger is easier to wire
// through dispatcher, pipeline, and store code without pulling in an
// opinionated field/encoder API.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents a logging severity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
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

// ParseLevel parses a string into a Level, defaulting to InfoLevel on error.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// Format selects the on-wire representation of a log entry.
type Format int

const (
	TextFormat Format = iota
	JSONFormat
)

// Entry is a single structured log record.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// Logger is a component-scoped, leveled logger.
type Logger struct {
	mu         sync.RWMutex
	level      Level
	format     Format
	output     io.Writer
	showCaller bool
	component  string
}

// Config configures a Logger.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	ShowCaller bool
	Component  string
}

// DefaultConfig returns the default logger configuration: info level, text
// format, stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:  InfoLevel,
		Format: TextFormat,
		Output: os.Stdout,
	}
}

// New creates a Logger from config, falling back to DefaultConfig() if nil.
func New(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &Logger{
		level:      config.Level,
		format:     config.Format,
		output:     config.Output,
		showCaller: config.ShowCaller,
		component:  config.Component,
	}
}

// WithComponent returns a copy of the logger scoped to the given component
// name, e.g. "dispatcher", "pipeline", "store".
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:      l.level,
		format:     l.format,
		output:     l.output,
		showCaller: l.showCaller,
		component:  component,
	}
}

// SetLevel changes the minimum level that will be emitted.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) emit(level Level, message string, fields map[string]interface{}) {
	if !l.enabled(level) {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
		Fields:    fields,
	}

	if l.component != "" {
		if entry.Fields == nil {
			entry.Fields = make(map[string]interface{}, 1)
		}
		entry.Fields["component"] = l.component
	}

	if l.showCaller {
		if _, file, line, ok := runtime.Caller(3); ok {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}

	var out string
	switch l.format {
	case JSONFormat:
		data, _ := json.Marshal(entry)
		out = string(data) + "\n"
	default:
		out = formatText(entry)
	}

	l.output.Write([]byte(out))
}

func formatText(entry Entry) string {
	var parts []string
	parts = append(parts, entry.Timestamp.Format("2006-01-02 15:04:05"))
	parts = append(parts, fmt.Sprintf("[%s]", entry.Level))
	if entry.Caller != "" {
		parts = append(parts, fmt.Sprintf("(%s)", entry.Caller))
	}
	parts = append(parts, entry.Message)

	result := strings.Join(parts, " ")
	if len(entry.Fields) > 0 {
		fieldParts := make([]string, 0, len(entry.Fields))
		for k, v := range entry.Fields {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, v))
		}
		result += fmt.Sprintf(" [%s]", strings.Join(fieldParts, " "))
	}
	return result + "\n"
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) { l.emit(DebugLevel, message, firstOrNil(fields)) }
func (l *Logger) Info(message string, fields ...map[string]interface{})  { l.emit(InfoLevel, message, firstOrNil(fields)) }
func (l *Logger) Warn(message string, fields ...map[string]interface{})  { l.emit(WarnLevel, message, firstOrNil(fields)) }
func (l *Logger) Error(message string, fields ...map[string]interface{}) { l.emit(ErrorLevel, message, firstOrNil(fields)) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.emit(DebugLevel, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Infof(format string, args ...interface{})  { l.emit(InfoLevel, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.emit(WarnLevel, fmt.Sprintf(format, args...), nil) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.emit(ErrorLevel, fmt.Sprintf(format, args...), nil) }

func firstOrNil(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// WithField returns a FieldLogger carrying a single structured field.
func (l *Logger) WithField(key string, value interface{}) *FieldLogger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a FieldLogger carrying a fixed set of structured fields.
func (l *Logger) WithFields(fields map[string]interface{}) *FieldLogger {
	f := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		f[k] = v
	}
	return &FieldLogger{logger: l, fields: f}
}

// FieldLogger wraps a Logger with a fixed set of structured fields, e.g. a
// task id, so every line logged through it carries that context.
type FieldLogger struct {
	logger *Logger
	fields map[string]interface{}
}

func (fl *FieldLogger) Debug(message string) { fl.logger.emit(DebugLevel, message, fl.fields) }
func (fl *FieldLogger) Info(message string)  { fl.logger.emit(InfoLevel, message, fl.fields) }
func (fl *FieldLogger) Warn(message string)  { fl.logger.emit(WarnLevel, message, fl.fields) }
func (fl *FieldLogger) Error(message string) { fl.logger.emit(ErrorLevel, message, fl.fields) }

func (fl *FieldLogger) Errorf(format string, args ...interface{}) {
	fl.logger.emit(ErrorLevel, fmt.Sprintf(format, args...), fl.fields)
}

// WithField adds one more field on top of the existing set.
func (fl *FieldLogger) WithField(key string, value interface{}) *FieldLogger {
	fields := make(map[string]interface{}, len(fl.fields)+1)
	for k, v := range fl.fields {
		fields[k] = v
	}
	fields[key] = value
	return &FieldLogger{logger: fl.logger, fields: fields}
}

// CreateFileOutput opens (creating parent directories as needed) a file for
// append-only log output.
func CreateFileOutput(filename string) (io.Writer, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}
