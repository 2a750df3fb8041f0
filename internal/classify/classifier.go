// Package classify scores normalised messages against a filter policy via
// Amazon Bedrock.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/normalize"
	"github.com/jarrod-lowe/mail-alert-service/internal/policy"
)

const (
	// DefaultModelID is the default Bedrock model for scoring.
	DefaultModelID = "anthropic.claude-haiku-4-5-20251001-v1:0"
	// DefaultMaxTokens bounds the model's answer.
	DefaultMaxTokens = 512
	// DefaultTimeout bounds one model invocation.
	DefaultTimeout = 20 * time.Second
	// anthropicVersion is the required API version for Claude on Bedrock.
	anthropicVersion = "bedrock-2023-05-31"
)

var (
	// ErrMalformed is returned when the model's answer is not exactly one
	// result object.
	ErrMalformed = errors.New("malformed classifier response")
	// ErrEmpty is returned when the model answers with no content.
	ErrEmpty = errors.New("empty classifier response")
	// ErrScoreRange is returned for a score outside [0,100].
	ErrScoreRange = errors.New("classifier score out of range")
)

// Result is a ClassificationResult.
type Result struct {
	Score    int
	Keywords []string
	Reply    string
}

// Classifier scores a message under a policy.
type Classifier interface {
	Classify(ctx context.Context, msg normalize.Message, p policy.Policy) (Result, error)
}

// BedrockInvoker abstracts Bedrock model invocation for dependency inversion.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config holds configuration for the classifier.
type Config struct {
	ModelID   string
	MaxTokens int
	Timeout   time.Duration
}

// BedrockClassifier scores messages with a Claude model on Bedrock. It
// keeps no state between calls.
type BedrockClassifier struct {
	client    BedrockInvoker
	modelID   string
	maxTokens int
	timeout   time.Duration
}

// NewBedrockClassifier creates a new BedrockClassifier.
func NewBedrockClassifier(client BedrockInvoker, cfg Config) *BedrockClassifier {
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = DefaultModelID
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &BedrockClassifier{client: client, modelID: modelID, maxTokens: maxTokens, timeout: timeout}
}

// claudeRequest is the Claude Messages API request format for Bedrock.
type claudeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	System           string    `json:"system"`
	Messages         []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// scoringInput is the structured context handed to the model.
type scoringInput struct {
	Policy  policyContext  `json:"policy"`
	Message messageContext `json:"message"`
}

type policyContext struct {
	Mode                  string   `json:"mode"`
	WatchKeywords         []string `json:"watchKeywords"`
	IgnoreKeywords        []string `json:"ignoreKeywords"`
	FirstTimeSender       bool     `json:"firstTimeSenderAlerts"`
	ThreadReplies         bool     `json:"threadReplyAlerts"`
	DeadlineDetection     bool     `json:"deadlineDetection"`
	SubscriptionDetection bool     `json:"subscriptionDetection"`
}

type messageContext struct {
	Subject     string `json:"subject"`
	From        string `json:"from"`
	To          string `json:"to"`
	Date        string `json:"date"`
	IsReply     bool   `json:"isReply"`
	ThreadDepth int    `json:"threadDepth"`
	Body        string `json:"body"`
}

// answer is the only accepted response shape. Pointers detect missing
// fields.
type answer struct {
	Score    *int      `json:"score"`
	Keywords *[]string `json:"keywords"`
	Reply    *string   `json:"reply"`
}

const systemPrompt = `You rate how urgently a person needs to see an email.

You receive one JSON object with the recipient's notification policy and the email.
Score importance from 0 (noise) to 100 (act now). Raise the score for watch keywords,
deadlines (when deadlineDetection is true), payments or renewals (when
subscriptionDetection is true), replies in an ongoing thread (when threadReplyAlerts
is true) and first-time senders (when firstTimeSenderAlerts is true). Lower it for
ignore keywords, marketing and automated bulk mail.

Answer with exactly one JSON object and nothing else:
{"score": <integer 0-100>, "keywords": [<up to 5 short lowercase keywords>], "reply": "<one-sentence suggested reply>"}`

// Classify scores msg under p. Invocation failures are retryable
// ClassifierErrors; unusable answers are non-retryable ones.
func (c *BedrockClassifier) Classify(ctx context.Context, msg normalize.Message, p policy.Policy) (Result, error) {
	tracer := tracing.Tracer("mail-alert-classify")
	ctx, span := tracer.Start(ctx, "classify.Classify", trace.WithAttributes(
		attribute.String("model_id", c.modelID),
		attribute.String("policy_mode", string(p.Mode)),
	))
	defer span.End()

	res, err := c.classify(ctx, msg, p)
	if err != nil {
		tracing.RecordError(span, err)
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("score", res.Score))
	return res, nil
}

func (c *BedrockClassifier) classify(ctx context.Context, msg normalize.Message, p policy.Policy) (Result, error) {
	input, err := json.Marshal(buildInput(msg, p))
	if err != nil {
		return Result{}, failure.New(failure.KindClassifier, "marshal input", err)
	}
	reqBody, err := json.Marshal(claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        c.maxTokens,
		System:           systemPrompt,
		Messages:         []message{{Role: "user", Content: string(input)}},
	})
	if err != nil {
		return Result{}, failure.New(failure.KindClassifier, "marshal request", err)
	}

	modelID := c.modelID
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	output, err := c.client.InvokeModel(callCtx, &bedrockruntime.InvokeModelInput{
		ModelId:     &modelID,
		ContentType: stringPtr("application/json"),
		Body:        reqBody,
	})
	if err != nil {
		return Result{}, failure.NewRetryable(failure.KindClassifier, "invoke model", err)
	}

	var resp claudeResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return Result{}, failure.New(failure.KindClassifier, "unmarshal response", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	text := responseText(resp)
	if text == "" {
		return Result{}, failure.New(failure.KindClassifier, "read response", ErrEmpty)
	}

	res, err := ParseAnswer(text)
	if err != nil {
		return Result{}, failure.New(failure.KindClassifier, "parse answer", err)
	}
	return res, nil
}

// ParseAnswer decodes the model's text into a Result. The text must be a
// single JSON object with exactly score, keywords and reply.
func ParseAnswer(text string) (Result, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(text))))
	dec.DisallowUnknownFields()

	var a answer
	if err := dec.Decode(&a); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Result{}, fmt.Errorf("%w: trailing data after object", ErrMalformed)
	}
	if a.Score == nil || a.Keywords == nil || a.Reply == nil {
		return Result{}, fmt.Errorf("%w: missing field", ErrMalformed)
	}
	if *a.Score < 0 || *a.Score > 100 {
		return Result{}, fmt.Errorf("%w: %d", ErrScoreRange, *a.Score)
	}
	reply := strings.TrimSpace(*a.Reply)
	if reply == "" {
		return Result{}, fmt.Errorf("%w: reply", ErrEmpty)
	}
	return Result{
		Score:    *a.Score,
		Keywords: policy.NormalizeKeywords(*a.Keywords),
		Reply:    reply,
	}, nil
}

func buildInput(msg normalize.Message, p policy.Policy) scoringInput {
	to := make([]string, len(msg.To))
	for i, a := range msg.To {
		to[i] = a.String()
	}
	in := scoringInput{
		Policy: policyContext{
			Mode:                  string(p.Mode),
			WatchKeywords:         p.Watch,
			IgnoreKeywords:        p.Ignore,
			FirstTimeSender:       p.FirstTimeSender,
			ThreadReplies:         p.ThreadReplies,
			DeadlineDetection:     p.DeadlineDetection,
			SubscriptionDetection: p.SubscriptionDetection,
		},
		Message: messageContext{
			Subject:     msg.Subject,
			From:        msg.From.String(),
			To:          strings.Join(to, ", "),
			IsReply:     msg.IsReply,
			ThreadDepth: len(msg.ThreadChain),
			Body:        msg.Body,
		},
	}
	if !msg.Date.IsZero() {
		in.Message.Date = msg.Date.Format("2006-01-02T15:04:05Z07:00")
	}
	return in
}

func responseText(resp claudeResponse) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

func stringPtr(s string) *string { return &s }
