// Package dispatch applies a filter policy to a scored message and delivers
// the resulting alert to the account's linked chat.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/mail-alert-service/internal/chatlink"
	"github.com/jarrod-lowe/mail-alert-service/internal/classify"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/gmail"
	"github.com/jarrod-lowe/mail-alert-service/internal/normalize"
	"github.com/jarrod-lowe/mail-alert-service/internal/policy"
	"github.com/jarrod-lowe/mail-alert-service/internal/telegram"
)

// UrgentScore delivers regardless of ignore keywords.
const UrgentScore = 80

// DefaultRemindMinutes is the delay offered on alert buttons.
const DefaultRemindMinutes = 60

// previewRunes caps the body excerpt in an alert.
const previewRunes = 600

// alertDateLayout renders the message timestamp in UTC.
const alertDateLayout = "Mon, 02 Jan 2006 15:04 MST"

// Status is the result of one dispatch.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// SkipReason explains a skipped alert.
type SkipReason string

const (
	ReasonNone           SkipReason = ""
	ReasonModeOff        SkipReason = "mode_off"
	ReasonIgnored        SkipReason = "ignored"
	ReasonBelowThreshold SkipReason = "below_threshold"
	ReasonNoChannel      SkipReason = "no_channel"
)

// Outcome is the result of Dispatch. Err is a DeliveryError when Status is
// StatusFailed.
type Outcome struct {
	Status        Status
	Reason        SkipReason
	ChatMessageID int64
	Err           error
}

// Sender delivers chat messages.
type Sender interface {
	Send(ctx context.Context, msg telegram.Message) (int64, error)
}

// ChatDirectory resolves an account's linked chat.
type ChatDirectory interface {
	ChatID(ctx context.Context, accountID string) (int64, error)
}

// Dispatcher turns scored messages into alerts.
type Dispatcher struct {
	sender Sender
	chats  ChatDirectory
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sender Sender, chats ChatDirectory) *Dispatcher {
	return &Dispatcher{sender: sender, chats: chats}
}

// Decide applies p to a scored message. Rules in order: mode off skips;
// an urgent score delivers; an ignore keyword skips; a watch keyword
// delivers; otherwise the score must reach the mode threshold.
func Decide(msg normalize.Message, res classify.Result, p policy.Policy) (bool, SkipReason) {
	p = p.Normalize()
	threshold, on := p.Mode.Threshold()
	if !on {
		return false, ReasonModeOff
	}
	if res.Score >= UrgentScore {
		return true, ReasonNone
	}

	subject := wordText(msg.Subject)
	for _, ig := range p.Ignore {
		if containsKeyword(res.Keywords, ig) || containsPhrase(subject, ig) {
			return false, ReasonIgnored
		}
	}

	body := wordText(msg.Body)
	for _, w := range p.Watch {
		if containsKeyword(res.Keywords, w) || containsPhrase(subject, w) || containsPhrase(body, w) {
			return true, ReasonNone
		}
	}

	if res.Score < threshold {
		return false, ReasonBelowThreshold
	}
	return true, ReasonNone
}

// Dispatch decides and, when the message passes, sends the alert.
// Transport failures are reported in the Outcome, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, accountID string, msg normalize.Message, res classify.Result, p policy.Policy) Outcome {
	tracer := tracing.Tracer("mail-alert-dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(
		tracing.AccountID(accountID),
		attribute.Int("score", res.Score),
	))
	defer span.End()

	out := d.dispatch(ctx, accountID, msg, res, p)
	span.SetAttributes(
		attribute.String("outcome", string(out.Status)),
		attribute.String("skip_reason", string(out.Reason)),
	)
	if out.Err != nil {
		tracing.RecordError(span, out.Err)
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, accountID string, msg normalize.Message, res classify.Result, p policy.Policy) Outcome {
	if deliver, reason := Decide(msg, res, p); !deliver {
		return Outcome{Status: StatusSkipped, Reason: reason}
	}

	chatID, err := d.chats.ChatID(ctx, accountID)
	if errors.Is(err, chatlink.ErrNotLinked) {
		return Outcome{Status: StatusSkipped, Reason: ReasonNoChannel}
	}
	if err != nil {
		return Outcome{Status: StatusFailed, Err: failure.NewRetryable(failure.KindDelivery, "resolve chat", err)}
	}

	id, err := d.sender.Send(ctx, Alert(chatID, msg, res))
	if err != nil {
		if telegram.Retryable(err) {
			return Outcome{Status: StatusFailed, Err: failure.NewRetryable(failure.KindDelivery, "send alert", err)}
		}
		return Outcome{Status: StatusFailed, Err: failure.New(failure.KindDelivery, "send alert", err)}
	}
	return Outcome{Status: StatusDelivered, ChatMessageID: id}
}

// Alert renders the chat message for a delivered message. Every field that
// came from the mail or the model is HTML-escaped.
func Alert(chatID int64, msg normalize.Message, res classify.Result) telegram.Message {
	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(subject))
	if from := msg.From.String(); from != "" {
		fmt.Fprintf(&b, "From: %s\n", html.EscapeString(from))
	}
	if len(msg.To) > 0 {
		to := make([]string, 0, len(msg.To))
		for _, a := range msg.To {
			to = append(to, a.String())
		}
		fmt.Fprintf(&b, "To: %s\n", html.EscapeString(strings.Join(to, ", ")))
	}
	if !msg.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", msg.Date.UTC().Format(alertDateLayout))
	}
	fmt.Fprintf(&b, "Score: %d", res.Score)
	if len(res.Keywords) > 0 {
		fmt.Fprintf(&b, " | %s", html.EscapeString(strings.Join(res.Keywords, ", ")))
	}
	b.WriteString("\n")
	if msg.HasBody() {
		fmt.Fprintf(&b, "\n%s\n", html.EscapeString(preview(msg.Body, previewRunes)))
	}
	if res.Reply != "" {
		fmt.Fprintf(&b, "\n<i>Suggested reply:</i> %s", html.EscapeString(res.Reply))
	}

	return telegram.Message{
		ChatID: chatID,
		Text:   strings.TrimRight(b.String(), "\n"),
		Buttons: [][]telegram.Button{{
			OpenButton(msg.ID),
			{Text: "Remind me in 1h", CallbackData: RemindCallback(DefaultRemindMinutes, msg.ID)},
		}},
	}
}

// OpenButton links to the message in the web client.
func OpenButton(messageID string) telegram.Button {
	return telegram.Button{Text: "Open", URL: gmail.MessageURL(messageID)}
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "…"
}

// wordText lower-cases s and reduces it to single-space separated words,
// padded with spaces for whole-phrase matching.
func wordText(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	return " " + strings.Join(words, " ") + " "
}

func containsPhrase(text, keyword string) bool {
	phrase := strings.TrimSpace(wordText(keyword))
	if phrase == "" {
		return false
	}
	return strings.Contains(text, " "+phrase+" ")
}

func containsKeyword(keywords []string, keyword string) bool {
	for _, k := range keywords {
		if strings.EqualFold(strings.TrimSpace(k), keyword) {
			return true
		}
	}
	return false
}
