package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIs_MatchesWrappedKind(t *testing.T) {
	err := fmt.Errorf("ingest: %w", New(KindCursorExpired, "history", errors.New("404")))

	if !Is(err, KindCursorExpired) {
		t.Error("Is(KindCursorExpired) = false, want true")
	}
	if Is(err, KindDelivery) {
		t.Error("Is(KindDelivery) = true, want false")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"permanent", New(KindCredential, "refresh", errors.New("invalid_grant")), false},
		{"retryable", NewRetryable(KindSubscription, "watch", errors.New("503")), true},
		{"wrapped permanent", fmt.Errorf("x: %w", New(KindClassifier, "parse", nil)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	err := New(KindScheduling, "enqueue", errors.New("throttled"))
	if got, want := err.Error(), "SchedulingError: enqueue: throttled"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, err.Err) {
		t.Error("Unwrap should expose the cause")
	}
}
