// Package main implements the ingest-worker SQS consumer Lambda handler. Each
// job runs one ingestion pass for a mailbox connection.
package main

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"

	"github.com/jarrod-lowe/mail-alert-service/internal/chatlink"
	"github.com/jarrod-lowe/mail-alert-service/internal/classify"
	"github.com/jarrod-lowe/mail-alert-service/internal/config"
	"github.com/jarrod-lowe/mail-alert-service/internal/connection"
	"github.com/jarrod-lowe/mail-alert-service/internal/credential"
	"github.com/jarrod-lowe/mail-alert-service/internal/cursor"
	"github.com/jarrod-lowe/mail-alert-service/internal/dispatch"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/gmail"
	"github.com/jarrod-lowe/mail-alert-service/internal/ingest"
	"github.com/jarrod-lowe/mail-alert-service/internal/jobqueue"
	"github.com/jarrod-lowe/mail-alert-service/internal/normalize"
	"github.com/jarrod-lowe/mail-alert-service/internal/policy"
	"github.com/jarrod-lowe/mail-alert-service/internal/processed"
	"github.com/jarrod-lowe/mail-alert-service/internal/telegram"
)

var logger = logging.New()

// Runner runs one ingestion pass.
type Runner interface {
	Run(ctx context.Context, ref connection.Ref) (ingest.Report, error)
}

// handler implements the ingest-worker logic.
type handler struct {
	runner Runner
}

// newHandler creates a new handler.
func newHandler(runner Runner) *handler {
	return &handler{runner: runner}
}

// handle processes a batch of ingest jobs. Jobs for the same connection are
// coalesced into one run; a retryable failure reports every record of that
// connection so SQS redelivers them.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := tracing.Tracer("mail-alert-ingest-worker")
	ctx, span := tracer.Start(ctx, "IngestWorkerHandler")
	defer span.End()

	var order []connection.Ref
	records := make(map[connection.Ref][]string)
	for _, record := range event.Records {
		job, err := jobqueue.DecodeIngestJob(record.Body)
		if err != nil {
			// Redelivering a job that cannot be decoded never helps.
			logger.ErrorContext(ctx, "Dropping invalid ingest job",
				slog.String("message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			continue
		}
		ref := connection.Ref{AccountID: job.AccountID, ConnectionID: job.ConnectionID}
		if _, ok := records[ref]; !ok {
			order = append(order, ref)
		}
		records[ref] = append(records[ref], record.MessageId)
	}

	var failures []events.SQSBatchItemFailure
	for _, ref := range order {
		report, err := h.runner.Run(ctx, ref)
		if err == nil {
			for _, f := range report.Failures {
				logger.WarnContext(ctx, "Message not alerted",
					slog.String("account_id", ref.AccountID),
					slog.String("connection_id", ref.ConnectionID),
					slog.String("message_id", f.MessageID),
					slog.String("error", f.Err.Error()),
				)
			}
			continue
		}

		retry := failure.Retryable(err)
		logger.ErrorContext(ctx, "Ingestion failed",
			slog.String("account_id", ref.AccountID),
			slog.String("connection_id", ref.ConnectionID),
			slog.Bool("retry", retry),
			slog.String("error", err.Error()),
		)
		if !retry {
			continue
		}
		for _, id := range records[ref] {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: id})
		}
	}

	logger.InfoContext(ctx, "Ingest batch completed",
		slog.Int("total", len(event.Records)),
		slog.Int("connections", len(order)),
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
	if err := cfg.Require(
		config.EnvTableName,
		config.EnvGoogleClientID,
		config.EnvGoogleClientSecret,
		config.EnvPubSubTopic,
		config.EnvTokenSealingKey,
		config.EnvTelegramBotToken,
	); err != nil {
		logger.Error("FATAL: Invalid configuration", slog.String("error", err.Error()))
		panic(err)
	}

	sealer, err := credential.NewSealerFromBase64(cfg.TokenSealingKey)
	if err != nil {
		logger.Error("FATAL: Invalid token sealing key", slog.String("error", err.Error()))
		panic(err)
	}

	dynamoClient := dbclient.NewClient(result.Config)
	conns := connection.NewRepository(dynamoClient, cfg.TableName)

	refresher := credential.NewOAuthRefresher(credential.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		Timeout:      cfg.CallTimeout,
	})
	dialer := gmail.NewDialer(gmail.WithCallTimeout(cfg.CallTimeout))
	store := credential.NewStore(conns, sealer, refresher, dialer, credential.Config{Topic: cfg.PubSubTopic})

	chat := telegram.NewClient(cfg.TelegramBotToken)
	dispatcher := dispatch.NewDispatcher(chat, chatlink.NewRepository(dynamoClient, cfg.TableName))
	classifier := classify.NewBedrockClassifier(bedrockruntime.NewFromConfig(result.Config), classify.Config{
		ModelID: cfg.ClassifierModelID,
		Timeout: cfg.CallTimeout,
	})

	runner := ingest.NewRunner(ingest.Deps{
		Credentials: ingest.FromStore(store),
		Cursors:     cursor.NewTracker(conns, 0),
		Claims:      processed.NewStore(dynamoClient, cfg.TableName),
		Policies:    policy.NewRepository(dynamoClient, cfg.TableName),
		Classifier:  classifier,
		Dispatcher:  dispatcher,
	}, ingest.Config{
		RenewalWindow: cfg.RenewalWindow,
		Normalize:     normalize.Options{HTMLFallback: cfg.HTMLFallback},
	})

	h := newHandler(runner)
	result.Start(h.handle)
}
