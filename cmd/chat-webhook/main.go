// Package main implements the chat-webhook Lambda handler. It receives chat
// transport updates and turns inline-button presses into reminder schedule
// and cancel calls.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jarrod-lowe/mail-alert-service/internal/chatlink"
	"github.com/jarrod-lowe/mail-alert-service/internal/config"
	"github.com/jarrod-lowe/mail-alert-service/internal/dispatch"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/jobqueue"
	"github.com/jarrod-lowe/mail-alert-service/internal/reminder"
	"github.com/jarrod-lowe/mail-alert-service/internal/sigauth"
	"github.com/jarrod-lowe/mail-alert-service/internal/telegram"
)

var logger = logging.New()

// Notices shown on button acknowledgement.
const (
	noticeScheduled   = "Reminder set"
	noticeCancelled   = "Reminder cancelled"
	noticeNotFound    = "Reminder not found"
	noticeNotLinked   = "This chat is not linked to a mailbox"
	noticeUnknown     = "Unknown action"
	noticeRetryLater  = "Could not do that right now, please try again"
	cancelButtonLabel = "Cancel reminder"
)

// AccountResolver maps a chat to the account it is linked to.
type AccountResolver interface {
	AccountID(ctx context.Context, chatID int64) (string, error)
}

// Reminders schedules and cancels reminders.
type Reminders interface {
	Schedule(ctx context.Context, req reminder.Request) (reminder.Reminder, error)
	Cancel(ctx context.Context, accountID, reminderID string) error
}

// Chat acknowledges button presses and sends confirmations.
type Chat interface {
	Send(ctx context.Context, msg telegram.Message) (int64, error)
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// handler implements the chat-webhook logic.
type handler struct {
	accounts  AccountResolver
	reminders Reminders
	chat      Chat
	secret    string
	now       func() time.Time
}

// newHandler creates a new handler. An empty secret disables webhook secret
// verification.
func newHandler(accounts AccountResolver, reminders Reminders, chat Chat, secret string) *handler {
	return &handler{
		accounts:  accounts,
		reminders: reminders,
		chat:      chat,
		secret:    secret,
		now:       time.Now,
	}
}

// handle processes one webhook update. Every authenticated update is
// acknowledged with 200; the transport would otherwise redeliver it.
func (h *handler) handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	tracer := tracing.Tracer("mail-alert-chat-webhook")
	ctx, span := tracer.Start(ctx, "ChatWebhookHandler")
	defer span.End()

	if !telegram.VerifySecret(h.secret, sigauth.Header(req.Headers, telegram.SecretTokenHeader)) {
		logger.WarnContext(ctx, "Rejected webhook call with bad secret")
		return respond(http.StatusUnauthorized), nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return respond(http.StatusBadRequest), nil
		}
		body = decoded
	}
	update, err := telegram.DecodeUpdate(body)
	if err != nil {
		logger.WarnContext(ctx, "Rejected malformed update", slog.String("error", err.Error()))
		return respond(http.StatusBadRequest), nil
	}
	span.SetAttributes(attribute.Int64("update_id", update.UpdateID))

	q := update.CallbackQuery
	if q == nil || q.Message == nil {
		return respond(http.StatusOK), nil
	}

	notice := h.callback(ctx, q)
	if err := h.chat.AnswerCallback(ctx, q.ID, notice); err != nil {
		logger.WarnContext(ctx, "Failed to answer callback",
			slog.String("callback_id", q.ID),
			slog.String("error", err.Error()),
		)
	}
	return respond(http.StatusOK), nil
}

// callback performs the button's action and returns the notice to show.
func (h *handler) callback(ctx context.Context, q *telegram.CallbackQuery) string {
	chatID := q.Message.Chat.ID

	cb, err := dispatch.ParseCallback(q.Data)
	if err != nil {
		logger.WarnContext(ctx, "Unrecognised callback data", slog.Int64("chat_id", chatID))
		return noticeUnknown
	}

	accountID, err := h.accounts.AccountID(ctx, chatID)
	if errors.Is(err, chatlink.ErrNotLinked) {
		return noticeNotLinked
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to resolve chat account",
			slog.Int64("chat_id", chatID),
			slog.String("error", err.Error()),
		)
		return noticeRetryLater
	}

	switch cb.Action {
	case dispatch.ActionRemind:
		return h.schedule(ctx, accountID, chatID, cb, q.Message.Text)
	case dispatch.ActionCancel:
		return h.cancel(ctx, accountID, cb.ReminderID)
	}
	return noticeUnknown
}

func (h *handler) schedule(ctx context.Context, accountID string, chatID int64, cb dispatch.Callback, text string) string {
	delay := time.Duration(cb.Minutes) * time.Minute
	r, err := h.reminders.Schedule(ctx, reminder.Request{
		AccountID: accountID,
		ChatID:    chatID,
		MessageID: cb.MessageID,
		Text:      text,
		DueAt:     h.now().Add(delay),
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to schedule reminder",
			slog.String("account_id", accountID),
			slog.String("message_id", cb.MessageID),
			slog.Bool("enqueue_failed", failure.Is(err, failure.KindScheduling)),
			slog.String("error", err.Error()),
		)
		return noticeRetryLater
	}

	logger.InfoContext(ctx, "Reminder scheduled",
		slog.String("account_id", accountID),
		slog.String("reminder_id", r.ID),
		slog.Time("due_at", r.DueAt),
	)
	confirm := telegram.Message{
		ChatID:  chatID,
		Text:    "Reminder set for " + humanDelay(delay) + ".",
		Buttons: [][]telegram.Button{{{Text: cancelButtonLabel, CallbackData: dispatch.CancelCallback(r.ID)}}},
	}
	if _, err := h.chat.Send(ctx, confirm); err != nil {
		logger.WarnContext(ctx, "Failed to confirm reminder",
			slog.String("account_id", accountID),
			slog.String("reminder_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
	return noticeScheduled
}

func (h *handler) cancel(ctx context.Context, accountID, reminderID string) string {
	err := h.reminders.Cancel(ctx, accountID, reminderID)
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		return noticeNotFound
	case err != nil:
		logger.ErrorContext(ctx, "Failed to cancel reminder",
			slog.String("account_id", accountID),
			slog.String("reminder_id", reminderID),
			slog.String("error", err.Error()),
		)
		return noticeRetryLater
	}
	logger.InfoContext(ctx, "Reminder cancelled",
		slog.String("account_id", accountID),
		slog.String("reminder_id", reminderID),
	)
	return noticeCancelled
}

func humanDelay(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return plural(int(d/(24*time.Hour)), "day")
	case d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	}
	return plural(int(d/time.Minute), "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func respond(status int) events.APIGatewayV2HTTPResponse {
	return events.APIGatewayV2HTTPResponse{StatusCode: status}
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	cfg := config.Load()
	if err := cfg.Require(
		config.EnvTableName,
		config.EnvReminderQueueURL,
		config.EnvTelegramBotToken,
		config.EnvTelegramWebhookSecret,
	); err != nil {
		logger.Error("FATAL: Invalid configuration", slog.String("error", err.Error()))
		panic(err)
	}

	dynamoClient := dbclient.NewClient(result.Config)
	chat := telegram.NewClient(cfg.TelegramBotToken)
	svc := reminder.NewService(
		reminder.NewRepository(dynamoClient, cfg.TableName),
		jobqueue.NewSQSPublisher(sqs.NewFromConfig(result.Config), cfg.ReminderQueueURL),
		chat,
	)

	h := newHandler(chatlink.NewRepository(dynamoClient, cfg.TableName), svc, chat, cfg.TelegramWebhookSecret)
	result.Start(h.handle)
}
