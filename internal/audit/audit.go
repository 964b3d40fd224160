// Package audit emits structured events for every request decision so the
// gateway's billing and compliance trail can be reconstructed from logs
// alone, independent of the usage table.
package audit

import (
	"time"

	"go.uber.org/zap"
)

// Logger writes audit events through a structured zap logger.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates an audit logger. A nil zap logger is replaced with a
// no-op one so callers never need to guard emission.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// Event captures the outcome of one gateway request.
type Event struct {
	RequestID      string
	TenantID       string
	LicenseID      string
	Provider       string
	Model          string
	Outcome        string // "success" or "error"
	Reason         string // error code on denial, empty on success
	PIIDetected    int
	CreditsCharged string
	DurationMs     int64
	Timestamp      time.Time
}

// Completed logs a request that reached a terminal state, success or not.
func (a *Logger) Completed(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	a.logger.Info("request completed",
		zap.String("request_id", event.RequestID),
		zap.String("tenant_id", event.TenantID),
		zap.String("license_id", event.LicenseID),
		zap.String("provider", event.Provider),
		zap.String("model", event.Model),
		zap.String("outcome", event.Outcome),
		zap.String("reason", event.Reason),
		zap.Int("pii_detected", event.PIIDetected),
		zap.String("credits_charged", event.CreditsCharged),
		zap.Int64("duration_ms", event.DurationMs),
		zap.Time("timestamp", event.Timestamp),
	)
}

// Denied logs a request rejected before any provider was contacted.
func (a *Logger) Denied(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	a.logger.Warn("request denied",
		zap.String("request_id", event.RequestID),
		zap.String("tenant_id", event.TenantID),
		zap.String("license_id", event.LicenseID),
		zap.String("model", event.Model),
		zap.String("reason", event.Reason),
		zap.Time("timestamp", event.Timestamp),
	)
}
