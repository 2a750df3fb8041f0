package reminder

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/mail-alert-service/internal/dispatch"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/jobqueue"
	"github.com/jarrod-lowe/mail-alert-service/internal/telegram"
)

// MaxTextRunes caps the stored reminder text.
const MaxTextRunes = 1000

// ErrNotDue is returned by Schedule for a due time that is not in the
// future.
var ErrNotDue = errors.New("reminder due time must be in the future")

// Store persists reminders.
type Store interface {
	Create(ctx context.Context, r Reminder) error
	Get(ctx context.Context, accountID, reminderID string) (*Reminder, error)
	Transition(ctx context.Context, accountID, reminderID string, from, to Status, at time.Time) error
}

// Queue delays reminder jobs.
type Queue interface {
	PublishReminder(ctx context.Context, job jobqueue.ReminderJob, delay time.Duration) error
}

// Sender delivers chat messages.
type Sender interface {
	Send(ctx context.Context, msg telegram.Message) (int64, error)
}

// Request describes a reminder to schedule.
type Request struct {
	AccountID string
	ChatID    int64
	MessageID string
	Text      string
	DueAt     time.Time
}

// ExecStatus is what Execute did.
type ExecStatus string

const (
	ExecSent     ExecStatus = "sent"
	ExecDeferred ExecStatus = "deferred"
	ExecNoop     ExecStatus = "noop"
)

// ExecOutcome is the result of Execute. DeliveryErr is set when the
// reminder was claimed but the send failed; it is never retried.
type ExecOutcome struct {
	Status      ExecStatus
	DeliveryErr error
}

// Service schedules, fires and cancels reminders.
type Service struct {
	store  Store
	queue  Queue
	sender Sender
	now    func() time.Time
	newID  func() string
}

// NewService creates a Service.
func NewService(store Store, queue Queue, sender Sender) *Service {
	return &Service{
		store:  store,
		queue:  queue,
		sender: sender,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Schedule stores a pending reminder and enqueues its delayed job. If the
// enqueue fails the row stays pending and a SchedulingError is returned.
func (s *Service) Schedule(ctx context.Context, req Request) (Reminder, error) {
	tracer := tracing.Tracer("mail-alert-reminder")
	ctx, span := tracer.Start(ctx, "reminder.Schedule", trace.WithAttributes(
		tracing.AccountID(req.AccountID),
		attribute.String("message_id", req.MessageID),
	))
	defer span.End()

	now := s.now().UTC()
	if !req.DueAt.After(now) {
		return Reminder{}, ErrNotDue
	}
	r := Reminder{
		ID:        s.newID(),
		AccountID: req.AccountID,
		ChatID:    req.ChatID,
		MessageID: req.MessageID,
		Text:      clip(strings.TrimSpace(req.Text), MaxTextRunes),
		DueAt:     req.DueAt.UTC(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("reminder_id", r.ID))

	if err := s.store.Create(ctx, r); err != nil {
		tracing.RecordError(span, err)
		return Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	job := jobqueue.ReminderJob{AccountID: r.AccountID, ReminderID: r.ID}
	if err := s.queue.PublishReminder(ctx, job, r.DueAt.Sub(now)); err != nil {
		tracing.RecordError(span, err)
		return r, failure.NewRetryable(failure.KindScheduling, "enqueue reminder", err)
	}
	return r, nil
}

// Execute fires a reminder job. Missing or terminal reminders are a no-op;
// jobs that arrive early are re-enqueued for the remaining delay. Only the
// caller that wins the pending → sent transition sends, so concurrent or
// redelivered jobs send at most once.
func (s *Service) Execute(ctx context.Context, accountID, reminderID string) (ExecOutcome, error) {
	tracer := tracing.Tracer("mail-alert-reminder")
	ctx, span := tracer.Start(ctx, "reminder.Execute", trace.WithAttributes(
		tracing.AccountID(accountID),
		attribute.String("reminder_id", reminderID),
	))
	defer span.End()

	out, err := s.execute(ctx, accountID, reminderID)
	span.SetAttributes(attribute.String("outcome", string(out.Status)))
	if err != nil {
		tracing.RecordError(span, err)
	} else if out.DeliveryErr != nil {
		tracing.RecordError(span, out.DeliveryErr)
	}
	return out, err
}

func (s *Service) execute(ctx context.Context, accountID, reminderID string) (ExecOutcome, error) {
	r, err := s.store.Get(ctx, accountID, reminderID)
	if errors.Is(err, ErrNotFound) {
		return ExecOutcome{Status: ExecNoop}, nil
	}
	if err != nil {
		return ExecOutcome{}, err
	}
	if r.Status != StatusPending {
		return ExecOutcome{Status: ExecNoop}, nil
	}

	now := s.now().UTC()
	if remaining := r.DueAt.Sub(now); remaining > 0 {
		job := jobqueue.ReminderJob{AccountID: accountID, ReminderID: reminderID}
		if err := s.queue.PublishReminder(ctx, job, remaining); err != nil {
			return ExecOutcome{}, failure.NewRetryable(failure.KindScheduling, "re-enqueue reminder", err)
		}
		return ExecOutcome{Status: ExecDeferred}, nil
	}

	err = s.store.Transition(ctx, accountID, reminderID, StatusPending, StatusSent, now)
	if errors.Is(err, ErrStateConflict) {
		return ExecOutcome{Status: ExecNoop}, nil
	}
	if err != nil {
		return ExecOutcome{}, err
	}

	if _, err := s.sender.Send(ctx, Message(*r)); err != nil {
		return ExecOutcome{Status: ExecSent, DeliveryErr: failure.New(failure.KindDelivery, "send reminder", err)}, nil
	}
	return ExecOutcome{Status: ExecSent}, nil
}

// Cancel moves a pending reminder to cancelled. Cancelling a reminder that
// already fired or was cancelled is a no-op.
func (s *Service) Cancel(ctx context.Context, accountID, reminderID string) error {
	tracer := tracing.Tracer("mail-alert-reminder")
	ctx, span := tracer.Start(ctx, "reminder.Cancel", trace.WithAttributes(
		tracing.AccountID(accountID),
		attribute.String("reminder_id", reminderID),
	))
	defer span.End()

	r, err := s.store.Get(ctx, accountID, reminderID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			tracing.RecordError(span, err)
		}
		return err
	}
	if r.Status.Terminal() {
		return nil
	}
	err = s.store.Transition(ctx, accountID, reminderID, StatusPending, StatusCancelled, s.now().UTC())
	if err != nil && !errors.Is(err, ErrStateConflict) {
		tracing.RecordError(span, err)
		return err
	}
	return nil
}

// Message renders the reminder for the chat, with an Open button for the
// original message.
func Message(r Reminder) telegram.Message {
	text := "<b>Reminder</b>"
	if r.Text != "" {
		text += "\n" + html.EscapeString(r.Text)
	}
	return telegram.Message{
		ChatID:  r.ChatID,
		Text:    text,
		Buttons: [][]telegram.Button{{dispatch.OpenButton(r.MessageID)}},
	}
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
