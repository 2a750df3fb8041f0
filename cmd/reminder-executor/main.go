// Package main implements the reminder-executor SQS consumer Lambda handler.
// It fires reminders from the delay queue.
package main

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"

	"github.com/jarrod-lowe/mail-alert-service/internal/config"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/jobqueue"
	"github.com/jarrod-lowe/mail-alert-service/internal/reminder"
	"github.com/jarrod-lowe/mail-alert-service/internal/telegram"
)

var logger = logging.New()

// Executor fires reminders.
type Executor interface {
	Execute(ctx context.Context, accountID, reminderID string) (reminder.ExecOutcome, error)
}

// handler implements the reminder-executor logic.
type handler struct {
	executor Executor
}

// newHandler creates a new handler.
func newHandler(executor Executor) *handler {
	return &handler{executor: executor}
}

// handle processes a batch of reminder jobs. Only failures before the
// reminder is claimed are redelivered.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := tracing.Tracer("mail-alert-reminder-executor")
	ctx, span := tracer.Start(ctx, "ReminderExecutorHandler")
	defer span.End()

	var failures []events.SQSBatchItemFailure
	var sent int

	for _, record := range event.Records {
		job, err := jobqueue.DecodeReminderJob(record.Body)
		if err != nil {
			logger.ErrorContext(ctx, "Dropping invalid reminder job",
				slog.String("message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			continue
		}

		out, err := h.executor.Execute(ctx, job.AccountID, job.ReminderID)
		if err != nil {
			retry := failure.Retryable(err)
			logger.ErrorContext(ctx, "Failed to execute reminder",
				slog.String("account_id", job.AccountID),
				slog.String("reminder_id", job.ReminderID),
				slog.Bool("retry", retry),
				slog.String("error", err.Error()),
			)
			if retry {
				failures = append(failures, events.SQSBatchItemFailure{
					ItemIdentifier: record.MessageId,
				})
			}
			continue
		}
		if out.DeliveryErr != nil {
			logger.ErrorContext(ctx, "Reminder claimed but not delivered",
				slog.String("account_id", job.AccountID),
				slog.String("reminder_id", job.ReminderID),
				slog.String("error", out.DeliveryErr.Error()),
			)
		}
		if out.Status == reminder.ExecSent && out.DeliveryErr == nil {
			sent++
		}
	}

	logger.InfoContext(ctx, "Reminder batch completed",
		slog.Int("total", len(event.Records)),
		slog.Int("sent", sent),
		slog.Int("failures", len(failures)),
	)

	return events.SQSEventResponse{
		BatchItemFailures: failures,
	}, nil
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	cfg := config.Load()
	if err := cfg.Require(config.EnvTableName, config.EnvReminderQueueURL, config.EnvTelegramBotToken); err != nil {
		logger.Error("FATAL: Invalid configuration", slog.String("error", err.Error()))
		panic(err)
	}

	dynamoClient := dbclient.NewClient(result.Config)
	queue := jobqueue.NewSQSPublisher(sqs.NewFromConfig(result.Config), cfg.ReminderQueueURL)
	svc := reminder.NewService(
		reminder.NewRepository(dynamoClient, cfg.TableName),
		queue,
		telegram.NewClient(cfg.TelegramBotToken),
	)

	h := newHandler(svc)
	result.Start(h.handle)
}
