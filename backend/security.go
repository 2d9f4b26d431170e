package backend

import (
	"context"

	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/metrics"
)

// Security event types.
const (
	EventAuthAttempt           = "AUTH_ATTEMPT"
	EventInvalidToken          = "INVALID_TOKEN"
	EventUnregisteredExtension = "UNREGISTERED_EXTENSION"
	EventRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	EventRegistrationMismatch  = "REGISTRATION_MISMATCH"
	EventMaxExtensionsReached  = "MAX_EXTENSIONS_REACHED"
	EventExtensionRegistered   = "EXTENSION_REGISTERED"
	EventSessionExpired        = "SESSION_EXPIRED"
	EventSessionRevoked        = "SESSION_REVOKED"
)

// securityEvent logs a structured security event and counts it.
func securityEvent(ctx context.Context, eventType string, keysAndValues ...any) {
	metrics.RecordCounter(ctx, "security_events_total", 1, "event_type", eventType)

	args := append([]any{"event_type", eventType}, keysAndValues...)

	switch eventType {
	case EventAuthAttempt:
		log.Debug(ctx, "Security event", args...)
	case EventExtensionRegistered, EventSessionExpired, EventSessionRevoked:
		log.Info(ctx, "Security event", args...)
	default:
		log.Warn(ctx, "Security event", args...)
	}
}
