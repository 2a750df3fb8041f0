package gmail

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// InboxLabel is the only label scope ingestion follows.
	InboxLabel = "INBOX"

	// DefaultCallTimeout bounds each provider round trip.
	DefaultCallTimeout = 20 * time.Second

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesGet   = 5
	quotaUnitsPerGetProfile = 1
	quotaUnitsPerHistory    = 2
	quotaUnitsPerWatch      = 100

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	maxRateLimitRetries = 3
)

var (
	ErrUnauthorized    = errors.New("gmail rejected the access token")
	ErrCursorExpired   = errors.New("gmail history id is too old")
	ErrMessageNotFound = errors.New("gmail message not found")
	// ErrUnavailable marks transient failures: rate limits, 5xx, timeouts
	// and transport errors.
	ErrUnavailable = errors.New("gmail temporarily unavailable")
)

// Dialer opens Mailbox clients for individual access tokens.
type Dialer struct {
	base     http.RoundTripper
	endpoint string
	timeout  time.Duration
}

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// WithEndpoint overrides the API base URL.
func WithEndpoint(endpoint string) DialerOption {
	return func(d *Dialer) { d.endpoint = endpoint }
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(timeout time.Duration) DialerOption {
	return func(d *Dialer) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithTransport overrides the base HTTP transport.
func WithTransport(rt http.RoundTripper) DialerOption {
	return func(d *Dialer) { d.base = rt }
}

// NewDialer creates a Dialer. Outgoing requests are traced.
func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{
		base:    otelhttp.NewTransport(http.DefaultTransport),
		timeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open returns a Mailbox authorised with the given access token. The token
// is used as-is; refreshing is the caller's concern.
func (d *Dialer) Open(ctx context.Context, accessToken, tokenType string) (Mailbox, error) {
	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: tokenType}),
			Base:   d.base,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if d.endpoint != "" {
		opts = append(opts, option.WithEndpoint(d.endpoint))
	}
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	return &Client{
		service: svc,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		timeout: d.timeout,
	}, nil
}

// Client is a Mailbox backed by the Gmail REST API.
type Client struct {
	service *gmailapi.Service
	limiter *rate.Limiter
	timeout time.Duration
}

// call runs fn under the quota limiter and a per-call timeout, retrying
// rate-limit rejections while the limiter allows.
func (c *Client) call(ctx context.Context, units int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxRateLimitRetries; attempt++ {
		if werr := c.limiter.WaitN(ctx, units); werr != nil {
			return errors.Wrap(ErrUnavailable, werr.Error())
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err = fn(callCtx)
		cancel()
		if err == nil || !isRateLimited(err) {
			return err
		}
	}
	return err
}

// Profile returns the mailbox address and current history id.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var p *gmailapi.Profile
	err := c.call(ctx, quotaUnitsPerGetProfile, func(ctx context.Context) error {
		var err error
		p, err = c.service.Users.GetProfile("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return Profile{}, classify(err, nil, "getting gmail profile")
	}
	return Profile{EmailAddress: p.EmailAddress, HistoryID: p.HistoryId}, nil
}

// History lists messageAdded history since startHistoryID, page by page.
func (c *Client) History(ctx context.Context, startHistoryID uint64, labelID string, fn func(HistoryPage) error) error {
	req := c.service.Users.History.List("me").StartHistoryId(startHistoryID).HistoryTypes("messageAdded")
	if labelID != "" {
		req = req.LabelId(labelID)
	}

	for {
		var resp *gmailapi.ListHistoryResponse
		err := c.call(ctx, quotaUnitsPerHistory, func(ctx context.Context) error {
			var err error
			resp, err = req.Context(ctx).Do()
			return err
		})
		if err != nil {
			return classify(err, ErrCursorExpired, "listing gmail history")
		}

		page := HistoryPage{HistoryID: resp.HistoryId}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				page.Added = append(page.Added, MessageRef{ID: added.Message.Id, ThreadID: added.Message.ThreadId})
			}
		}
		if err := fn(page); err != nil {
			return err
		}
		if resp.NextPageToken == "" {
			return nil
		}
		req = req.PageToken(resp.NextPageToken)
	}
}

// Message fetches a message in full format.
func (c *Client) Message(ctx context.Context, id string) (*Message, error) {
	var msg *gmailapi.Message
	err := c.call(ctx, quotaUnitsMessagesGet, func(ctx context.Context) error {
		var err error
		msg, err = c.service.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, classify(err, ErrMessageNotFound, "getting message "+id+" from gmail")
	}
	return convertMessage(msg), nil
}

// Watch (re-)registers push notifications for labelIDs to topic.
func (c *Client) Watch(ctx context.Context, topic string, labelIDs []string) (WatchResult, error) {
	var resp *gmailapi.WatchResponse
	err := c.call(ctx, quotaUnitsPerWatch, func(ctx context.Context) error {
		var err error
		resp, err = c.service.Users.Watch("me", &gmailapi.WatchRequest{
			TopicName:         topic,
			LabelIds:          labelIDs,
			LabelFilterAction: "include",
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return WatchResult{}, classify(err, nil, "setting up gmail watch")
	}
	return WatchResult{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

func isRateLimited(err error) bool {
	apiErr, ok := errors.Cause(err).(*googleapi.Error)
	if !ok {
		return false
	}
	if apiErr.Code == http.StatusTooManyRequests {
		return true
	}
	if apiErr.Code == http.StatusForbidden {
		for _, item := range apiErr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	return false
}

// classify maps API errors onto the package sentinels. notFound is the
// sentinel for a 404 on this call, or nil if 404 has no special meaning.
func classify(err error, notFound error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrUnavailable, msg+": timeout")
	}
	if errors.Is(err, ErrUnavailable) {
		return errors.Wrap(err, msg)
	}

	switch cause := errors.Cause(err).(type) {
	case *googleapi.Error:
		switch {
		case cause.Code == http.StatusUnauthorized:
			return errors.Wrap(ErrUnauthorized, msg)
		case cause.Code == http.StatusNotFound && notFound != nil:
			return errors.Wrap(notFound, msg)
		case isRateLimited(cause), cause.Code >= 500:
			return errors.Wrapf(ErrUnavailable, "%s: %v", msg, cause)
		}
	case net.Error:
		return errors.Wrapf(ErrUnavailable, "%s: %v", msg, cause)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Wrapf(ErrUnavailable, "%s: %v", msg, err)
	}
	return errors.Wrap(err, msg)
}

func convertMessage(msg *gmailapi.Message) *Message {
	out := &Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		LabelIDs: msg.LabelIds,
		Payload:  convertPart(msg.Payload),
	}
	if msg.InternalDate > 0 {
		out.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	return out
}

func convertPart(p *gmailapi.MessagePart) *Part {
	if p == nil {
		return nil
	}
	out := &Part{MimeType: p.MimeType, Filename: p.Filename}
	for _, h := range p.Headers {
		out.Headers = append(out.Headers, Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		out.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		out.Parts = append(out.Parts, convertPart(child))
	}
	return out
}
