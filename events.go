package authcore

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Security event types emitted by the engine.
const (
	EventLoginSuccess         = "login_success"
	EventLoginFailure         = "login_failure"
	EventLogout               = "logout"
	EventLockout              = "lockout"
	EventTwoFactorEnabled     = "two_factor_enabled"
	EventTwoFactorDisabled    = "two_factor_disabled"
	EventTwoFactorVerified    = "two_factor_verified"
	EventPasswordChange       = "password_change"
	EventPasswordResetRequest = "password_reset_request"
	EventDeviceAdded          = "device_added"
	EventDeviceRemoved        = "device_removed"
	EventEmailVerified        = "email_verified"
	EventSuspiciousActivity   = "suspicious_activity"
	EventRateLimitExceeded    = "rate_limit_exceeded"
)

// SecurityEvent is the canonical event record the engine hands to sinks.
// Failed operations carry the error string; Metadata holds per-event
// details like the backup-code remaining count or an evicted device ID.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EventSink receives emitted security events. Emit must not panic; slow
// sinks back-pressure the dispatcher, not the calling flow.
type EventSink interface {
	Emit(ctx context.Context, event SecurityEvent)
}

// NoOpSink drops events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, SecurityEvent) {}

// ChannelSink exposes events on a buffered channel for the application to
// consume on its own goroutine.
type ChannelSink struct {
	events chan SecurityEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan SecurityEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event SecurityEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan SecurityEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line, suitable for piping into
// a structured log collector.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event SecurityEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
