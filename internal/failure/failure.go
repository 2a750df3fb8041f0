// Package failure defines the error kinds the pipeline routes on.
//
// Components wrap their errors in *Error so the orchestrator can decide per
// kind whether to halt a batch (anything that prevents a new cursor) or to
// record the failure and continue (delivery, renewal, scoring).
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindCredential means the stored credentials cannot be used or refreshed.
	KindCredential Kind = "CredentialError"
	// KindSubscription means the provider change subscription could not be renewed.
	KindSubscription Kind = "SubscriptionError"
	// KindCursorExpired means the provider no longer serves diffs from the cursor.
	KindCursorExpired Kind = "CursorExpiredError"
	// KindClassifier means the scoring oracle failed or answered malformed output.
	KindClassifier Kind = "ClassifierError"
	// KindDelivery means the chat transport rejected or failed a send.
	KindDelivery Kind = "DeliveryError"
	// KindScheduling means the delay queue refused a reminder job.
	KindScheduling Kind = "SchedulingError"
)

// Error is a classified failure.
type Error struct {
	Kind      Kind
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err as a non-retryable failure of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewRetryable wraps err as a retryable failure of the given kind.
func NewRetryable(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Retryable: true, Err: err}
}

// Is reports whether err is (or wraps) a failure of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether err is worth retrying later. Unclassified
// errors are treated as retryable: a timeout must never read as "nothing
// happened".
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return true
}
