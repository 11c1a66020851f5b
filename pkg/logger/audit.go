package logger

import (
	"context"
	"log/slog"
	"time"
)

// SecurityEvent is a security-relevant event mirrored to the structured log.
// The durable copy lives in the audit_logs table; this stream exists so
// operators can alert on auth activity without querying Postgres.
type SecurityEvent struct {
	Action        string
	UserID        string
	IPAddress     string
	UserAgent     string
	Success       bool
	FailureReason string
}

// SecurityLogger emits security events through slog
type SecurityLogger struct {
	logger *slog.Logger
}

// NewSecurityLogger creates a new security logger
func NewSecurityLogger(logger *slog.Logger) *SecurityLogger {
	return &SecurityLogger{
		logger: logger,
	}
}

// LogEvent logs a security event. Failures log at warn level.
func (sl *SecurityLogger) LogEvent(event SecurityEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "security"),
		slog.String("action", event.Action),
		slog.Bool("success", event.Success),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", event.FailureReason))
	}

	if event.Success {
		sl.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
	} else {
		sl.logger.LogAttrs(context.Background(), slog.LevelWarn, "audit", attrs...)
	}
}
