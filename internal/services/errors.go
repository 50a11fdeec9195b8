package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrTransient marks retryable failures: timeouts, connection resets,
	// resource exhaustion.
	ErrTransient = errors.New("transient failure")
	// ErrFatal marks non-retryable failures such as permanent dependency errors.
	ErrFatal = errors.New("fatal failure")
	// ErrValidation marks invalid input; never retried.
	ErrValidation = errors.New("validation error")
	// ErrUnsupported marks input the pipeline cannot process; never retried.
	ErrUnsupported = errors.New("unsupported input")
	// ErrCancelled marks operator- or user-initiated cancellation.
	ErrCancelled = errors.New("cancelled")
	// ErrTimeout marks watchdog- or deadline-forced termination.
	ErrTimeout = errors.New("timeout")
)

// Kind is the persisted classification of a job failure.
type Kind string

const (
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
	KindCancelled Kind = "cancelled"
	KindTimeout   Kind = "timeout"
)

// Wrap builds an error that includes stage context while tagging it with the
// provided marker for later classification. The marker should be one of the
// exported sentinel errors above; nil defaults to ErrTransient.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf classifies an error into the persisted failure kind. Untagged errors
// default to transient so they receive bounded retries before escalating.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindTransient
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnsupported), errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return KindTransient
		}
		return KindTransient
	}
}

// IsRetryable reports whether a stage failure may be re-attempted in place.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Message extracts a human-readable message from a classified error, with the
// sentinel prefix stripped.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	for _, marker := range []error{ErrTransient, ErrFatal, ErrValidation, ErrUnsupported, ErrCancelled, ErrTimeout} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			return strings.TrimPrefix(msg, prefix)
		}
	}
	return msg
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
