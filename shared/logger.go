package shared

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	ServiceName string // "notary", "relay", "engine"
	Development bool   // console output with debug level
	Level       string // optional override: debug, info, warn, error
}

// Logger wraps zap.Logger with notary-specific context helpers
type Logger struct {
	*zap.Logger
	serviceName string
}

// NewLogger creates a new logger instance based on the configuration
func NewLogger(config LoggerConfig) (*Logger, error) {
	var zapConfig zap.Config
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if config.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(config.Level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	zapLogger = zapLogger.With(zap.String("service", config.ServiceName))

	return &Logger{
		Logger:      zapLogger,
		serviceName: config.ServiceName,
	}, nil
}

// NewLoggerFromEnv creates a logger using environment variables
func NewLoggerFromEnv(serviceName string) (*Logger, error) {
	return NewLogger(LoggerConfig{
		ServiceName: serviceName,
		Development: GetEnvBoolOrDefault("DEVELOPMENT", false),
		Level:       GetEnvOrDefault("LOG_LEVEL", ""),
	})
}

// NewNopLogger returns a logger that discards everything. Used by tests and
// as the fallback when a component is constructed without a logger.
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop(), serviceName: "nop"}
}

// OrNop returns l, or a nop logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NewNopLogger()
	}
	return l
}

// Named returns a child logger scoped to a component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("component", component)), serviceName: l.serviceName}
}

// WithRequest scopes log lines to a notarization request
func (l *Logger) WithRequest(requestID string) *zap.Logger {
	if requestID == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("request_id", requestID))
}

// WithPeer scopes log lines to a relay peer
func (l *Logger) WithPeer(peerID string) *zap.Logger {
	if peerID == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("peer_id", peerID))
}

// WithMethod scopes log lines to a relay or RPC method
func (l *Logger) WithMethod(method string) *zap.Logger {
	if method == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("method", method))
}

// Security event logging - for events that could indicate secret disclosure
func (l *Logger) Security(msg string, fields ...zap.Field) {
	l.Logger.Warn(msg, append(fields, zap.Bool("security_event", true))...)
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}
