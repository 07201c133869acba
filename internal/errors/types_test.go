package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "error without cause",
			err:      &AppError{Code: ErrCodeInvalidConfig, Message: "configuration is invalid"},
			expected: "INVALID_CONFIG: configuration is invalid",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeDatabaseConnection,
				Message: "failed to connect to database",
				Cause:   errors.New("connection refused"),
			},
			expected: "DATABASE_CONNECTION: failed to connect to database: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, ErrCodeProtocol, "connect failed")

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeInvalidInput, "bad id")
	result := err.WithContext("field", "id").WithContext("value", "x")

	assert.Same(t, err, result)
	assert.Len(t, err.Context, 2)
	assert.Equal(t, "id", err.Context["field"])
}

func TestGetCode_FollowsWrapping(t *testing.T) {
	base := NewSessionNotFoundError(42)
	wrapped := fmt.Errorf("handler: %w", base)

	assert.Equal(t, ErrCodeSessionNotFound, GetCode(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeSessionNotFound))
	assert.False(t, HasCode(nil, ErrCodeSessionNotFound))
	assert.Equal(t, ErrCodeInternalError, GetCode(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewCredentialsError("save", 1, errors.New("locked"))))
	assert.True(t, IsRetryable(fmt.Errorf("ctx: %w", NewImportError(1, 3, errors.New("down")))))
	assert.False(t, IsRetryable(NewSessionNotFoundError(1)))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"not found", NewSessionNotFoundError(1), http.StatusNotFound},
		{"invalid input", NewInvalidInputError("id", "must be numeric"), http.StatusBadRequest},
		{"setup failure", NewSessionSetupError(1, "connect", errors.New("x")), http.StatusBadGateway},
		{"retryable protocol", WrapRetryable(errors.New("x"), ErrCodeProtocol, "y"), http.StatusServiceUnavailable},
		{"plain error", errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatusCode(tt.err))
		})
	}
}

func TestToHTTPResponse_FiltersContext(t *testing.T) {
	err := NewSessionSetupError(7, "load_credentials", errors.New("disk"))
	err.WithContext("secret", "nope")

	resp := ToHTTPResponse(err)
	assert.Equal(t, ErrCodeSessionSetup, resp.Error.Code)
	assert.Equal(t, "Could not start the WhatsApp session", resp.Error.Message)

	ctx, ok := resp.Error.Context.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, int64(7), ctx["session"])
	assert.NotContains(t, ctx, "secret")
}

func TestLogError_LevelByRetryable(t *testing.T) {
	logger, hook := test.NewNullLogger()

	LogError(logger, NewSessionNotFoundError(1), "lookup failed")
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, ErrCodeSessionNotFound, hook.LastEntry().Data["error_code"])

	LogError(logger, NewImportError(1, 2, errors.New("x")), "import failed", logrus.Fields{"tenant": int64(3)})
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, int64(3), hook.LastEntry().Data["tenant"])
}
