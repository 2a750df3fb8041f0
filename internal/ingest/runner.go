// Package ingest runs one ingestion pass for a mailbox connection: resolve
// new inbox messages since the stored cursor, score and dispatch each, then
// advance the cursor.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/mail-alert-service/internal/changes"
	"github.com/jarrod-lowe/mail-alert-service/internal/classify"
	"github.com/jarrod-lowe/mail-alert-service/internal/connection"
	"github.com/jarrod-lowe/mail-alert-service/internal/credential"
	"github.com/jarrod-lowe/mail-alert-service/internal/cursor"
	"github.com/jarrod-lowe/mail-alert-service/internal/dispatch"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/gmail"
	"github.com/jarrod-lowe/mail-alert-service/internal/normalize"
	"github.com/jarrod-lowe/mail-alert-service/internal/policy"
)

var logger = logging.New()

// DefaultRenewalWindow is how close to expiry a subscription is renewed
// opportunistically during ingestion.
const DefaultRenewalWindow = 24 * time.Hour

// Session is an authorised mailbox view that retries once on a rejected
// token.
type Session interface {
	Do(ctx context.Context, fn func(gmail.Mailbox) error) error
	Handle() credential.Handle
}

// Credentials opens sessions and renews change subscriptions.
type Credentials interface {
	OpenSession(ctx context.Context, ref connection.Ref) (Session, error)
	RenewSubscription(ctx context.Context, ref connection.Ref) (time.Time, error)
}

// Cursors serialises runs and stores the history watermark.
type Cursors interface {
	Lock(ctx context.Context, ref connection.Ref) (*cursor.Lease, error)
	Current(ctx context.Context, ref connection.Ref) (cursor.Cursor, bool, error)
	Advance(ctx context.Context, l *cursor.Lease, c cursor.Cursor) error
}

// Claims records processed messages. A claimed message that is never
// completed is offered again to the next run.
type Claims interface {
	Claim(ctx context.Context, accountID, connectionID, messageID string) (bool, error)
	Complete(ctx context.Context, accountID, connectionID, messageID string) error
}

// Policies resolves a connection's filter policy.
type Policies interface {
	Resolve(ctx context.Context, accountID, policyID string) (policy.Policy, error)
}

// Dispatcher delivers scored messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, accountID string, msg normalize.Message, res classify.Result, p policy.Policy) dispatch.Outcome
}

// Config holds Runner settings.
type Config struct {
	RenewalWindow time.Duration
	Normalize     normalize.Options
}

// Deps are the collaborators a Runner composes.
type Deps struct {
	Credentials Credentials
	Cursors     Cursors
	Claims      Claims
	Policies    Policies
	Classifier  classify.Classifier
	Dispatcher  Dispatcher
}

// Runner executes ingestion passes.
type Runner struct {
	Deps
	renewalWindow time.Duration
	normalizeOpts normalize.Options
	now           func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(deps Deps, cfg Config) *Runner {
	window := cfg.RenewalWindow
	if window <= 0 {
		window = DefaultRenewalWindow
	}
	return &Runner{
		Deps:          deps,
		renewalWindow: window,
		normalizeOpts: cfg.Normalize,
		now:           time.Now,
	}
}

// EventFailure records a message the run could not finish.
type EventFailure struct {
	MessageID string
	Err       error
}

// Report summarises one run.
type Report struct {
	Ref connection.Ref
	// Cursor is the watermark stored at the end of the run.
	Cursor      cursor.Cursor
	Bootstrap   bool
	Rebaselined bool
	// Degraded is set when the run stopped because the connection needs
	// re-authorisation.
	Degraded   bool
	Events     int
	Duplicates int
	NotFound   int
	Delivered  int
	Skipped    map[dispatch.SkipReason]int
	Failures   []EventFailure
	Renewed    bool
	RenewalErr error
}

// Run performs one ingestion pass. A returned error means the cursor was
// not advanced; failure.Retryable tells the caller whether to try again.
func (r *Runner) Run(ctx context.Context, ref connection.Ref) (Report, error) {
	tracer := tracing.Tracer("mail-alert-ingest")
	ctx, span := tracer.Start(ctx, "ingest.Run", trace.WithAttributes(
		tracing.AccountID(ref.AccountID),
		attribute.String("connection_id", ref.ConnectionID),
	))
	defer span.End()

	report, err := r.run(ctx, ref)
	span.SetAttributes(
		attribute.Int("events", report.Events),
		attribute.Int("delivered", report.Delivered),
		attribute.Bool("bootstrap", report.Bootstrap),
		attribute.Bool("degraded", report.Degraded),
	)
	if err != nil {
		tracing.RecordError(span, err)
	}
	return report, err
}

func (r *Runner) run(ctx context.Context, ref connection.Ref) (Report, error) {
	report := Report{Ref: ref, Skipped: make(map[dispatch.SkipReason]int)}

	lease, err := r.Cursors.Lock(ctx, ref)
	if err != nil {
		return report, fmt.Errorf("lock connection: %w", err)
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			logger.WarnContext(ctx, "Failed to release ingestion lease",
				slog.String("account_id", ref.AccountID),
				slog.String("connection_id", ref.ConnectionID),
				slog.String("error", err.Error()),
			)
		}
	}()

	sess, err := r.Credentials.OpenSession(ctx, ref)
	if err != nil {
		return r.credentialStop(ctx, report, err)
	}

	since, ok, err := r.Cursors.Current(ctx, ref)
	if err != nil {
		return report, err
	}
	var start *cursor.Cursor
	if ok {
		start = &since
	}

	var batch changes.Batch
	err = sess.Do(ctx, func(mb gmail.Mailbox) error {
		var err error
		batch, err = changes.Resolve(ctx, mb, start)
		return err
	})
	if errors.Is(err, changes.ErrCursorExpired) {
		logger.WarnContext(ctx, "History cursor expired, re-baselining; changes since the cursor are not alerted",
			slog.String("account_id", ref.AccountID),
			slog.String("connection_id", ref.ConnectionID),
			slog.String("cursor", string(since)),
		)
		report.Rebaselined = true
		err = sess.Do(ctx, func(mb gmail.Mailbox) error {
			var err error
			batch, err = changes.Rebaseline(ctx, mb)
			return err
		})
	}
	if err != nil {
		return r.credentialStop(ctx, report, err)
	}
	report.Bootstrap = batch.Bootstrap && !report.Rebaselined
	report.Events = len(batch.Events)

	if len(batch.Events) > 0 {
		conn := sess.Handle().Connection
		p, err := r.Policies.Resolve(ctx, ref.AccountID, conn.PolicyID)
		if err != nil {
			return report, fmt.Errorf("resolve policy: %w", err)
		}
		for _, ev := range batch.Events {
			if err := r.process(ctx, sess, ref, ev, p, &report); err != nil {
				return r.credentialStop(ctx, report, err)
			}
		}
	}

	if batch.Cursor != since || !ok {
		if err := r.Cursors.Advance(ctx, lease, batch.Cursor); err != nil {
			return report, err
		}
	}
	report.Cursor = batch.Cursor

	r.maybeRenew(ctx, sess.Handle().Connection, &report)

	logger.InfoContext(ctx, "Ingestion completed",
		slog.String("account_id", ref.AccountID),
		slog.String("connection_id", ref.ConnectionID),
		slog.String("cursor", string(report.Cursor)),
		slog.Int("events", report.Events),
		slog.Int("delivered", report.Delivered),
		slog.Int("failures", len(report.Failures)),
		slog.Bool("bootstrap", report.Bootstrap),
	)
	return report, nil
}

// process handles one event. A returned error aborts the batch; failures
// that only affect this message are recorded in the report instead.
func (r *Runner) process(ctx context.Context, sess Session, ref connection.Ref, ev changes.Event, p policy.Policy, report *Report) error {
	var raw *gmail.Message
	err := sess.Do(ctx, func(mb gmail.Mailbox) error {
		var err error
		raw, err = mb.Message(ctx, ev.MessageID)
		return err
	})
	switch {
	case errors.Is(err, gmail.ErrMessageNotFound):
		report.NotFound++
		return nil
	case err != nil && abortsBatch(err):
		return err
	case err != nil:
		report.Failures = append(report.Failures, EventFailure{MessageID: ev.MessageID, Err: err})
		logger.WarnContext(ctx, "Failed to fetch message, skipping",
			slog.String("account_id", ref.AccountID),
			slog.String("connection_id", ref.ConnectionID),
			slog.String("message_id", ev.MessageID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	claimed, err := r.Claims.Claim(ctx, ref.AccountID, ref.ConnectionID, ev.MessageID)
	if err != nil {
		return err
	}
	if !claimed {
		report.Duplicates++
		return nil
	}

	msg := normalize.Normalize(raw, r.normalizeOpts)
	res, err := r.Classifier.Classify(ctx, msg, p)
	if err != nil {
		report.Failures = append(report.Failures, EventFailure{MessageID: ev.MessageID, Err: err})
		logger.ErrorContext(ctx, "Failed to classify message",
			slog.String("account_id", ref.AccountID),
			slog.String("connection_id", ref.ConnectionID),
			slog.String("message_id", ev.MessageID),
			slog.String("error", err.Error()),
		)
		if !failure.Retryable(err) {
			r.complete(ctx, ref, ev.MessageID)
		}
		return nil
	}

	out := r.Dispatcher.Dispatch(ctx, ref.AccountID, msg, res, p)
	switch out.Status {
	case dispatch.StatusDelivered:
		report.Delivered++
	case dispatch.StatusSkipped:
		report.Skipped[out.Reason]++
	case dispatch.StatusFailed:
		report.Failures = append(report.Failures, EventFailure{MessageID: ev.MessageID, Err: out.Err})
		logger.ErrorContext(ctx, "Failed to deliver alert",
			slog.String("account_id", ref.AccountID),
			slog.String("connection_id", ref.ConnectionID),
			slog.String("message_id", ev.MessageID),
			slog.String("error", out.Err.Error()),
		)
		if failure.Retryable(out.Err) {
			return nil
		}
	}
	r.complete(ctx, ref, ev.MessageID)
	return nil
}

// complete marks a message done. On failure the marker stays claimed and a
// later run that re-resolves the message processes it again.
func (r *Runner) complete(ctx context.Context, ref connection.Ref, messageID string) {
	if err := r.Claims.Complete(ctx, ref.AccountID, ref.ConnectionID, messageID); err != nil {
		logger.WarnContext(ctx, "Failed to complete processed marker",
			slog.String("account_id", ref.AccountID),
			slog.String("connection_id", ref.ConnectionID),
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}
}

// abortsBatch reports whether a fetch error should stop the run before the
// cursor moves: transient provider trouble, cancellation and credential
// failures.
func abortsBatch(err error) bool {
	return errors.Is(err, gmail.ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		failure.Is(err, failure.KindCredential)
}

// credentialStop turns a terminal credential failure into a clean stop:
// the connection is already marked degraded and retrying cannot help.
func (r *Runner) credentialStop(ctx context.Context, report Report, err error) (Report, error) {
	if failure.Is(err, failure.KindCredential) && !failure.Retryable(err) {
		report.Degraded = true
		logger.WarnContext(ctx, "Connection needs re-authorisation, stopping ingestion",
			slog.String("account_id", report.Ref.AccountID),
			slog.String("connection_id", report.Ref.ConnectionID),
			slog.String("error", err.Error()),
		)
		return report, nil
	}
	return report, err
}

func (r *Runner) maybeRenew(ctx context.Context, conn connection.Connection, report *Report) {
	if conn.WatchExpiry.After(r.now().Add(r.renewalWindow)) {
		return
	}
	expiry, err := r.Credentials.RenewSubscription(ctx, report.Ref)
	if err != nil {
		report.RenewalErr = err
		logger.WarnContext(ctx, "Opportunistic subscription renewal failed",
			slog.String("account_id", report.Ref.AccountID),
			slog.String("connection_id", report.Ref.ConnectionID),
			slog.String("error", err.Error()),
		)
		return
	}
	report.Renewed = true
	logger.InfoContext(ctx, "Subscription renewed",
		slog.String("account_id", report.Ref.AccountID),
		slog.String("connection_id", report.Ref.ConnectionID),
		slog.Time("expiry", expiry),
	)
}

// storeCredentials adapts *credential.Store to Credentials.
type storeCredentials struct {
	*credential.Store
}

// FromStore adapts a credential store for the Runner.
func FromStore(s *credential.Store) Credentials {
	return storeCredentials{Store: s}
}

func (c storeCredentials) OpenSession(ctx context.Context, ref connection.Ref) (Session, error) {
	sess, err := c.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
