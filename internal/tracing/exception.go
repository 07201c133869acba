package tracing

import (
	"context"

	apperrors "whatsmgr/internal/errors"
	"whatsmgr/internal/metrics"

	"github.com/sirupsen/logrus"
)

// ExceptionSink is the error-tracking collaborator. Capture never blocks and
// never fails.
type ExceptionSink struct {
	logger *logrus.Logger
}

func NewExceptionSink(logger *logrus.Logger) *ExceptionSink {
	return &ExceptionSink{logger: logger}
}

// CaptureException logs err, records it on the active span and counts it
func (s *ExceptionSink) CaptureException(ctx context.Context, err error) {
	if err == nil {
		return
	}

	code := apperrors.GetCode(err)
	fields := logrus.Fields{"captured": true}
	if traceID := TraceID(ctx); traceID != "" {
		fields["trace_id"] = traceID
	}
	apperrors.LogError(s.logger, err, "Captured exception", fields)

	RecordError(ctx, err)
	metrics.IncrementCounter("exceptions_captured_total", map[string]string{"code": string(code)}, "Exceptions sent to the error tracking sink")
}
