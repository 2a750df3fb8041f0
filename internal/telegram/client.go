// Package telegram is a minimal Bot API client for sending alerts and
// acknowledging inline-button callbacks.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"
	// DefaultRate is the global send budget the Bot API allows.
	DefaultRate = 25
	// DefaultTimeout bounds one API call.
	DefaultTimeout = 10 * time.Second

	parseModeHTML = "HTML"
)

var (
	// ErrRateLimited means the API asked us to slow down. Retryable.
	ErrRateLimited = errors.New("telegram: rate limited")
	// ErrChannelGone means the chat no longer accepts messages from the bot.
	ErrChannelGone = errors.New("telegram: chat unavailable")
	// ErrRejected means the API refused the request permanently.
	ErrRejected = errors.New("telegram: request rejected")
	// ErrUnavailable means the API could not be reached or failed. Retryable.
	ErrUnavailable = errors.New("telegram: unavailable")
)

// APIError carries the Bot API's answer for a failed call.
type APIError struct {
	StatusCode  int
	Description string
	// RetryAfter is set for rate-limit errors.
	RetryAfter time.Duration
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v: %d %s", e.kind, e.StatusCode, e.Description)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// Retryable reports whether a send error is worth retrying later.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// Button is an inline keyboard button. Exactly one of URL or
// CallbackData is set.
type Button struct {
	Text         string
	URL          string
	CallbackData string
}

// Message is an outgoing HTML-formatted chat message.
type Message struct {
	ChatID int64
	// Text is HTML; callers escape user content.
	Text    string
	Buttons [][]Button
}

// Client sends messages through the Bot API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	baseURL       string
	httpClient    *http.Client
	rate          rate.Limit
	onStateChange func(name string, from, to gobreaker.State)
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(o *clientOptions) { o.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithRate overrides the send rate in messages per second.
func WithRate(perSecond float64) Option {
	return func(o *clientOptions) { o.rate = rate.Limit(perSecond) }
}

// WithBreakerStateChange registers a callback for circuit breaker
// transitions.
func WithBreakerStateChange(fn func(name string, from, to gobreaker.State)) Option {
	return func(o *clientOptions) { o.onStateChange = fn }
}

// NewClient creates a Client for the given bot token.
func NewClient(token string, opts ...Option) *Client {
	o := clientOptions{
		baseURL: DefaultBaseURL,
		rate:    DefaultRate,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   DefaultTimeout,
		}
	}

	settings := gobreaker.Settings{
		Name:        "telegram-bot-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// Only server-side trouble counts against the breaker; a bad chat id
		// must not block everyone else's alerts.
		IsSuccessful: func(err error) bool {
			return err == nil || !tripsBreaker(err)
		},
		OnStateChange: o.onStateChange,
	}

	burst := int(o.rate)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		token:      token,
		baseURL:    o.baseURL,
		httpClient: o.httpClient,
		limiter:    rate.NewLimiter(o.rate, burst),
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID                int64        `json:"chat_id"`
	Text                  string       `json:"text"`
	ParseMode             string       `json:"parse_mode"`
	DisableWebPagePreview bool         `json:"disable_web_page_preview"`
	ReplyMarkup           *replyMarkup `json:"reply_markup,omitempty"`
}

type answerCallbackRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
}

// Send delivers msg and returns the chat message id.
func (c *Client) Send(ctx context.Context, msg Message) (int64, error) {
	req := sendMessageRequest{
		ChatID:                msg.ChatID,
		Text:                  msg.Text,
		ParseMode:             parseModeHTML,
		DisableWebPagePreview: true,
	}
	if len(msg.Buttons) > 0 {
		markup := &replyMarkup{}
		for _, row := range msg.Buttons {
			buttons := make([]inlineButton, len(row))
			for i, b := range row {
				buttons[i] = inlineButton(b)
			}
			markup.InlineKeyboard = append(markup.InlineKeyboard, buttons)
		}
		req.ReplyMarkup = markup
	}

	var sent sentMessage
	if err := c.call(ctx, "sendMessage", req, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// AnswerCallback acknowledges an inline-button press, optionally showing a
// short notice to the user.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", answerCallbackRequest{CallbackQueryID: callbackID, Text: text}, nil)
}

func (c *Client) call(ctx context.Context, method string, payload, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w: %v", method, ErrUnavailable, err)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, payload, result)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %v", method, ErrUnavailable, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	endpoint := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error repeats the URL, which embeds the bot token.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		if resp.StatusCode >= 500 {
			return &APIError{StatusCode: resp.StatusCode, Description: http.StatusText(resp.StatusCode), kind: ErrUnavailable}
		}
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusOK && ar.OK {
		if result != nil && len(ar.Result) > 0 {
			if err := json.Unmarshal(ar.Result, result); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	}
	return classify(resp.StatusCode, ar)
}

func classify(status int, ar apiResponse) error {
	code := ar.ErrorCode
	if code == 0 {
		code = status
	}
	apiErr := &APIError{StatusCode: code, Description: ar.Description}
	switch {
	case code == http.StatusTooManyRequests:
		apiErr.kind = ErrRateLimited
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
	case code == http.StatusForbidden:
		apiErr.kind = ErrChannelGone
	case code == http.StatusBadRequest && strings.Contains(strings.ToLower(ar.Description), "chat not found"):
		apiErr.kind = ErrChannelGone
	case code >= 500:
		apiErr.kind = ErrUnavailable
	default:
		apiErr.kind = ErrRejected
	}
	return apiErr
}

func tripsBreaker(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
}
