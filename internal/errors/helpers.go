package errors

import (
	"fmt"
	"net/http"
)

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewSessionNotFoundError is returned when a session has no descriptor or no
// live handle
func NewSessionNotFoundError(sessionID int64) *AppError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session %d not found", sessionID)).
		WithContext("session", sessionID).
		WithUserMessage("Session not found")
}

// NewSessionSetupError wraps a failure that happened before the socket emitted
// any event
func NewSessionSetupError(sessionID int64, stage string, err error) *AppError {
	return Wrap(err, ErrCodeSessionSetup, fmt.Sprintf("session setup failed at %s", stage)).
		WithContext("session", sessionID).
		WithContext("stage", stage).
		WithUserMessage("Could not start the WhatsApp session")
}

// NewCredentialsError wraps a credential store failure
func NewCredentialsError(operation string, sessionID int64, err error) *AppError {
	return WrapRetryable(err, ErrCodeCredentials, fmt.Sprintf("credentials %s failed", operation)).
		WithContext("operation", operation).
		WithContext("session", sessionID)
}

// NewImportError wraps a backlog hand-off failure
func NewImportError(sessionID int64, messages int, err error) *AppError {
	return WrapRetryable(err, ErrCodeImportFailed, "history backlog import failed").
		WithContext("session", sessionID).
		WithContext("messages", messages)
}

// NewInvalidInputError creates an input validation error
func NewInvalidInputError(field, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// HTTPStatusCode maps error codes to HTTP status codes for the admin API
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeSessionNotFound:
		return http.StatusNotFound
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeSessionSetup, ErrCodeProtocol:
		if IsRetryable(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body returned by the admin API on failure
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
}

// ToHTTPResponse converts an error to a response body. Only user-facing
// context keys are copied.
func ToHTTPResponse(err error) HTTPErrorResponse {
	var response HTTPErrorResponse
	response.Error.Code = GetCode(err)
	response.Error.Message = GetUserMessage(err)

	if appErr, ok := As(err); ok && len(appErr.Context) > 0 {
		public := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k == "session" || k == "field" || k == "stage" {
				public[k] = v
			}
		}
		if len(public) > 0 {
			response.Error.Context = public
		}
	}
	return response
}
