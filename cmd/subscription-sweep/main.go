// Package main implements the subscription-sweep Lambda handler. A signed,
// externally scheduled call re-arms every change subscription close to
// expiry, independently of the push path.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/mail-alert-service/internal/config"
	"github.com/jarrod-lowe/mail-alert-service/internal/connection"
	"github.com/jarrod-lowe/mail-alert-service/internal/credential"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/gmail"
	"github.com/jarrod-lowe/mail-alert-service/internal/sigauth"
)

var logger = logging.New()

// SubscriptionLister finds connections whose subscription expires soon.
type SubscriptionLister interface {
	ListSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]connection.Ref, error)
}

// Renewer re-arms one connection's subscription.
type Renewer interface {
	RenewSubscription(ctx context.Context, ref connection.Ref) (time.Time, error)
}

// Verifier authenticates sweep calls.
type Verifier interface {
	Verify(timestamp, signature string, body []byte) error
}

// sweepRequest is the optional request body.
type sweepRequest struct {
	// Window overrides the configured renewal window, e.g. "36h".
	Window string `json:"window,omitempty"`
}

// sweepResult is the response body.
type sweepResult struct {
	Candidates int `json:"candidates"`
	Renewed    int `json:"renewed"`
	Failed     int `json:"failed"`
	Degraded   int `json:"degraded"`
}

// handler implements the subscription-sweep logic.
type handler struct {
	lister      SubscriptionLister
	renewer     Renewer
	verifier    Verifier
	window      time.Duration
	concurrency int
	now         func() time.Time
}

// newHandler creates a new handler.
func newHandler(lister SubscriptionLister, renewer Renewer, verifier Verifier, window time.Duration, concurrency int) *handler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &handler{
		lister:      lister,
		renewer:     renewer,
		verifier:    verifier,
		window:      window,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// handle runs one sweep. Individual renewal failures are counted, not
// returned; the next sweep retries them.
func (h *handler) handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	tracer := tracing.Tracer("mail-alert-subscription-sweep")
	ctx, span := tracer.Start(ctx, "SubscriptionSweepHandler")
	defer span.End()

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return respond(http.StatusBadRequest, nil), nil
		}
		body = decoded
	}

	err := h.verifier.Verify(
		sigauth.Header(req.Headers, sigauth.HeaderTimestamp),
		sigauth.Header(req.Headers, sigauth.HeaderSignature),
		body,
	)
	if err != nil {
		logger.WarnContext(ctx, "Rejected unsigned sweep call", slog.String("error", err.Error()))
		return respond(http.StatusUnauthorized, nil), nil
	}

	window := h.window
	if len(body) > 0 {
		var sr sweepRequest
		if err := json.Unmarshal(body, &sr); err != nil {
			return respond(http.StatusBadRequest, nil), nil
		}
		if sr.Window != "" {
			d, err := time.ParseDuration(sr.Window)
			if err != nil || d <= 0 {
				return respond(http.StatusBadRequest, nil), nil
			}
			window = d
		}
	}

	cutoff := h.now().Add(window)
	refs, err := h.lister.ListSubscriptionsExpiringBefore(ctx, cutoff)
	if err != nil {
		tracing.RecordError(span, err)
		logger.ErrorContext(ctx, "Failed to list expiring subscriptions", slog.String("error", err.Error()))
		return respond(http.StatusInternalServerError, nil), nil
	}

	res := h.sweep(ctx, refs)
	span.SetAttributes(
		attribute.Int("candidates", res.Candidates),
		attribute.Int("renewed", res.Renewed),
		attribute.Int("failed", res.Failed),
	)
	logger.InfoContext(ctx, "Subscription sweep completed",
		slog.Time("cutoff", cutoff),
		slog.Int("candidates", res.Candidates),
		slog.Int("renewed", res.Renewed),
		slog.Int("failed", res.Failed),
		slog.Int("degraded", res.Degraded),
	)
	return respond(http.StatusOK, res), nil
}

func (h *handler) sweep(ctx context.Context, refs []connection.Ref) sweepResult {
	var renewed, failed, degraded atomic.Int64

	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for _, ref := range refs {
		g.Go(func() error {
			expiry, err := h.renewer.RenewSubscription(ctx, ref)
			switch {
			case err == nil:
				renewed.Add(1)
				logger.InfoContext(ctx, "Subscription renewed",
					slog.String("account_id", ref.AccountID),
					slog.String("connection_id", ref.ConnectionID),
					slog.Time("expiry", expiry),
				)
			case failure.Is(err, failure.KindCredential) && !failure.Retryable(err):
				degraded.Add(1)
				logger.WarnContext(ctx, "Connection needs re-authorisation, subscription not renewed",
					slog.String("account_id", ref.AccountID),
					slog.String("connection_id", ref.ConnectionID),
					slog.String("error", err.Error()),
				)
			default:
				failed.Add(1)
				logger.ErrorContext(ctx, "Failed to renew subscription",
					slog.String("account_id", ref.AccountID),
					slog.String("connection_id", ref.ConnectionID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return sweepResult{
		Candidates: len(refs),
		Renewed:    int(renewed.Load()),
		Failed:     int(failed.Load()),
		Degraded:   int(degraded.Load()),
	}
}

func respond(status int, body any) events.APIGatewayV2HTTPResponse {
	resp := events.APIGatewayV2HTTPResponse{StatusCode: status}
	if body != nil {
		data, _ := json.Marshal(body)
		resp.Body = string(data)
		resp.Headers = map[string]string{"Content-Type": "application/json"}
	}
	return resp
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
		config.EnvSweepSigningSecret,
	); err != nil {
		logger.Error("FATAL: Invalid configuration", slog.String("error", err.Error()))
		panic(err)
	}

	verifier, err := sigauth.NewVerifier(cfg.SweepSigningSecret, 0)
	if err != nil {
		logger.Error("FATAL: Invalid sweep signing secret", slog.String("error", err.Error()))
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

	h := newHandler(conns, store, verifier, cfg.RenewalWindow, cfg.SweepConcurrency)
	result.Start(h.handle)
}
