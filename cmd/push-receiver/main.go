// Package main implements the push-receiver Lambda handler. It accepts
// Pub/Sub push deliveries for mailbox changes and queues one ingestion job
// per affected connection.
package main

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/mail-alert-service/internal/config"
	"github.com/jarrod-lowe/mail-alert-service/internal/connection"
	"github.com/jarrod-lowe/mail-alert-service/internal/jobqueue"
	"github.com/jarrod-lowe/mail-alert-service/internal/push"
)

var logger = logging.New()

// ConnectionFinder looks up the connections for a mailbox address.
type ConnectionFinder interface {
	FindByEmail(ctx context.Context, email string) ([]connection.Ref, error)
}

// IngestPublisher queues ingestion jobs.
type IngestPublisher interface {
	PublishIngest(ctx context.Context, job jobqueue.IngestJob) error
}

// handler implements the push-receiver logic.
type handler struct {
	finder    ConnectionFinder
	publisher IngestPublisher
	token     string
}

// newHandler creates a new handler. An empty token disables push token
// verification.
func newHandler(finder ConnectionFinder, publisher IngestPublisher, token string) *handler {
	return &handler{finder: finder, publisher: publisher, token: token}
}

// handle processes one push delivery. A non-2xx response makes Pub/Sub
// redeliver, so only failures worth retrying return 5xx.
func (h *handler) handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	tracer := tracing.Tracer("mail-alert-push-receiver")
	ctx, span := tracer.Start(ctx, "PushReceiverHandler")
	defer span.End()

	if !push.VerifyToken(h.token, req.QueryStringParameters["token"]) {
		logger.WarnContext(ctx, "Rejected push with bad verification token")
		return respond(http.StatusForbidden), nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			logger.WarnContext(ctx, "Rejected push with undecodable body", slog.String("error", err.Error()))
			return respond(http.StatusBadRequest), nil
		}
		body = decoded
	}

	n, err := push.Decode(body)
	if err != nil {
		logger.WarnContext(ctx, "Rejected malformed push", slog.String("error", err.Error()))
		return respond(http.StatusBadRequest), nil
	}
	span.SetAttributes(attribute.String("pubsub_message_id", n.MessageID))

	refs, err := h.finder.FindByEmail(ctx, n.EmailAddress)
	if err != nil {
		tracing.RecordError(span, err)
		logger.ErrorContext(ctx, "Failed to look up connections",
			slog.String("pubsub_message_id", n.MessageID),
			slog.String("error", err.Error()),
		)
		return respond(http.StatusInternalServerError), nil
	}
	if len(refs) == 0 {
		// Nothing to do; acknowledge so the push is not redelivered.
		logger.InfoContext(ctx, "Push for unknown mailbox",
			slog.String("pubsub_message_id", n.MessageID),
		)
		return respond(http.StatusNoContent), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range refs {
		g.Go(func() error {
			job := jobqueue.IngestJob{
				AccountID:    ref.AccountID,
				ConnectionID: ref.ConnectionID,
				HistoryID:    n.HistoryID,
			}
			if err := h.publisher.PublishIngest(gctx, job); err != nil {
				logger.ErrorContext(gctx, "Failed to queue ingestion",
					slog.String("account_id", ref.AccountID),
					slog.String("connection_id", ref.ConnectionID),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracing.RecordError(span, err)
		return respond(http.StatusInternalServerError), nil
	}

	logger.InfoContext(ctx, "Push accepted",
		slog.String("pubsub_message_id", n.MessageID),
		slog.Int("connections", len(refs)),
	)
	return respond(http.StatusNoContent), nil
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
	if err := cfg.Require(config.EnvTableName, config.EnvIngestQueueURL); err != nil {
		logger.Error("FATAL: Invalid configuration", slog.String("error", err.Error()))
		panic(err)
	}
	if cfg.PushVerificationToken == "" {
		logger.Warn("PUSH_VERIFICATION_TOKEN not set; push token verification disabled")
	}

	dynamoClient := dbclient.NewClient(result.Config)
	conns := connection.NewRepository(dynamoClient, cfg.TableName)
	publisher := jobqueue.NewSQSPublisher(sqs.NewFromConfig(result.Config), cfg.IngestQueueURL)

	h := newHandler(conns, publisher, cfg.PushVerificationToken)
	result.Start(h.handle)
}
