package service

// Logging Standards for whatsmgr
//
// Standard field names and message patterns used by the session manager.

// Standard Field Names
const (
	// Core identifiers
	LogFieldSession   = "session"
	LogFieldTenant    = "tenant"
	LogFieldAttempt   = "attempt_id"
	LogFieldMessageID = "message_id"
	LogFieldNumber    = "number"

	// Lifecycle
	LogFieldStatus     = "status"
	LogFieldStatusCode = "status_code"
	LogFieldReason     = "reason"
	LogFieldQRCount    = "qr_count"
	LogFieldEvent      = "event"
	LogFieldOperation  = "operation"

	// Performance and counts
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"

	// Error and debugging
	LogFieldErrorCode  = "error_code"
	LogFieldRetryCount = "retry_count"
)

// Log Level Usage Guidelines
//
// DEBUG: per-event detail (QR issued, listener attached, stale event ignored)
// INFO:  state changes (session opened, session removed, import handed off)
// WARN:  best-effort failures that were swallowed (logout, close, credential save)
// ERROR: failures surfaced to a caller or the exception sink

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Completed operations: "[Operation] completed"
// Failed operations: "Failed to [operation]"
// Skipping operations: "Skipping [operation]: [reason]"

// Example Usage:
//
// logger.WithFields(logrus.Fields{
//     LogFieldSession:    sessionID,
//     LogFieldTenant:     tenantID,
//     LogFieldStatusCode: int(reason),
// }).Info("Session closed")
