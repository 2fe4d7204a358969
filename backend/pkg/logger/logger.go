// Package logger builds the zap loggers shared by the identity commands.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide logger set by Init
var Logger *zap.Logger

var (
	fallbackMu sync.Mutex
	fallback   *zap.Logger
)

// IsProduction reports whether env selects the JSON production encoding
func IsProduction(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "production")
}

// New builds a logger for the given environment without touching the global.
// Production logs JSON at info and above; anything else logs colored console
// output at debug.
func New(env string) (*zap.Logger, error) {
	var config zap.Config

	if IsProduction(env) {
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build(zap.Fields(zap.String("env", envName(env))))
}

func envName(env string) string {
	if IsProduction(env) {
		return "production"
	}
	if env = strings.TrimSpace(env); env != "" {
		return env
	}
	return "development"
}

// Init initializes the global logger for the configured environment
func Init(env string) error {
	l, err := New(env)
	if err != nil {
		return err
	}
	Logger = l
	return nil
}

// Sync flushes any buffered log entries
func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Get returns the global logger. Before Init it returns a logger built once
// for the ENV variable, the same setting config.Load reads.
func Get() *zap.Logger {
	if Logger != nil {
		return Logger
	}

	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	if fallback == nil {
		l, err := New(os.Getenv("ENV"))
		if err != nil {
			l = zap.NewNop()
		}
		fallback = l
	}
	return fallback
}

// Named returns a child of the global logger scoped to a component
func Named(component string) *zap.Logger {
	return Get().Named(component)
}

// OrNamed returns l when set, otherwise a named child of the global logger.
// Constructors use it so callers may pass nil.
func OrNamed(l *zap.Logger, component string) *zap.Logger {
	if l != nil {
		return l
	}
	return Named(component)
}
