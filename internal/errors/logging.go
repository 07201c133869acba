package errors

import (
	"github.com/sirupsen/logrus"
)

// Fields flattens an error into log fields, including AppError context
func Fields(err error) logrus.Fields {
	fields := logrus.Fields{logrus.ErrorKey: err}
	if appErr, ok := As(err); ok {
		fields["error_code"] = appErr.Code
		fields["retryable"] = appErr.Retryable
		for k, v := range appErr.Context {
			fields[k] = v
		}
	}
	return fields
}

// LogError logs err at error level, or warn level when it is retryable
func LogError(logger *logrus.Logger, err error, message string, extra ...logrus.Fields) {
	entry := logger.WithFields(Fields(err))
	for _, f := range extra {
		entry = entry.WithFields(f)
	}
	if IsRetryable(err) {
		entry.Warn(message)
		return
	}
	entry.Error(message)
}
