package services_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"docflow/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrTransient, "embed", "store vectors", "insert failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"embed", "store vectors", "insert failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapNilMarkerDefaultsTransient(t *testing.T) {
	err := services.Wrap(nil, "parse", "read", "", errors.New("io"))
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
}

func TestKindOfClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want services.Kind
	}{
		{"validation", services.Wrap(services.ErrValidation, "validate", "check", "bad input", nil), services.KindFatal},
		{"unsupported", services.Wrap(services.ErrUnsupported, "validate", "check", "bad format", nil), services.KindFatal},
		{"fatal", services.Wrap(services.ErrFatal, "parse", "extract", "corrupt", nil), services.KindFatal},
		{"cancelled", services.Wrap(services.ErrCancelled, "", "", "stopped", nil), services.KindCancelled},
		{"context cancelled", context.Canceled, services.KindCancelled},
		{"timeout marker", services.Wrap(services.ErrTimeout, "", "", "stalled", nil), services.KindTimeout},
		{"deadline", context.DeadlineExceeded, services.KindTransient},
		{"untagged", errors.New("connection reset"), services.KindTransient},
		{"transient", services.Wrap(services.ErrTransient, "embed", "call", "", errors.New("503")), services.KindTransient},
	}
	for _, tc := range cases {
		if got := services.KindOf(tc.err); got != tc.want {
			t.Errorf("%s: expected kind %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !services.IsRetryable(errors.New("untagged")) {
		t.Fatal("untagged errors should be retryable")
	}
	if services.IsRetryable(services.Wrap(services.ErrValidation, "", "", "bad", nil)) {
		t.Fatal("validation errors should not be retryable")
	}
}

func TestMessageStripsSentinelPrefix(t *testing.T) {
	err := services.Wrap(services.ErrValidation, "validate", "check source", "source file is empty", nil)
	msg := services.Message(err)
	if strings.HasPrefix(msg, services.ErrValidation.Error()) {
		t.Fatalf("expected sentinel prefix stripped, got %q", msg)
	}
	if !strings.Contains(msg, "source file is empty") {
		t.Fatalf("expected detail retained, got %q", msg)
	}
}
