package util

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents logging severity levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Default rotation settings for the daemon log file.
const (
	DefaultLogMaxSizeMB  = 10
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 7
)

var levelNames = map[LogLevel]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// LogOptions describes where and how the logger writes.
type LogOptions struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console mirrors log lines to stdout. Disabled in a detached daemon.
	Console bool
}

// Logger provides leveled logging to the console and a rotated file.
type Logger struct {
	mu     sync.Mutex
	level  LogLevel
	logger *log.Logger
	file   io.WriteCloser
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// GetLogger returns the default logger instance.
func GetLogger() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(LogOptions{Level: "info", Console: true})
	}
	return defaultLogger
}

// NewLogger creates a new logger from options.
func NewLogger(opts LogOptions) *Logger {
	l := &Logger{level: ParseLevel(opts.Level)}

	var writers []io.Writer
	if opts.Console {
		writers = append(writers, os.Stdout)
	}

	if opts.File != "" {
		if err := EnsureDir(filepath.Dir(opts.File)); err == nil {
			l.file = &lj.Logger{
				Filename:   opts.File,
				MaxSize:    valOr(opts.MaxSizeMB, DefaultLogMaxSizeMB),
				MaxBackups: valOr(opts.MaxBackups, DefaultLogMaxBackups),
				MaxAge:     valOr(opts.MaxAgeDays, DefaultLogMaxAgeDays),
			}
			writers = append(writers, l.file)
		}
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}
	l.logger = log.New(io.MultiWriter(writers...), "", 0)

	return l
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput redirects all log output to w.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.SetOutput(w)
}

// ParseLevel parses a string log level.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Close closes the log file if open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, args...)

	l.logger.Printf("[%s] %s: %s", timestamp, levelNames[level], msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Debug logs a debug message using the default logger.
func Debug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

// Info logs an info message using the default logger.
func Info(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

// Warn logs a warning message using the default logger.
func Warn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

// Error logs an error message using the default logger.
func Error(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

// InitLogger replaces the default logger. The previous logger's file is closed.
func InitLogger(opts LogOptions) *Logger {
	l := NewLogger(opts)

	defaultMu.Lock()
	prev := defaultLogger
	defaultLogger = l
	defaultMu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return l
}

// LogOptionsFromConfig builds logger options from the daemon configuration.
func LogOptionsFromConfig(cfg *Config, console bool) LogOptions {
	return LogOptions{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Console:    console,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
