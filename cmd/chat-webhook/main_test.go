package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/go-cmp/cmp"

	"github.com/jarrod-lowe/mail-alert-service/internal/chatlink"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/reminder"
	"github.com/jarrod-lowe/mail-alert-service/internal/telegram"
)

var webhookNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type mockAccounts struct {
	accountFunc func(ctx context.Context, chatID int64) (string, error)
}

func (m *mockAccounts) AccountID(ctx context.Context, chatID int64) (string, error) {
	if m.accountFunc != nil {
		return m.accountFunc(ctx, chatID)
	}
	return "user-1", nil
}

type mockReminders struct {
	scheduleFunc func(ctx context.Context, req reminder.Request) (reminder.Reminder, error)
	cancelFunc   func(ctx context.Context, accountID, reminderID string) error
	scheduled    []reminder.Request
	cancelled    []string
}

func (m *mockReminders) Schedule(ctx context.Context, req reminder.Request) (reminder.Reminder, error) {
	m.scheduled = append(m.scheduled, req)
	if m.scheduleFunc != nil {
		return m.scheduleFunc(ctx, req)
	}
	return reminder.Reminder{ID: "rem-1", AccountID: req.AccountID, DueAt: req.DueAt, Status: reminder.StatusPending}, nil
}

func (m *mockReminders) Cancel(ctx context.Context, accountID, reminderID string) error {
	m.cancelled = append(m.cancelled, accountID+"/"+reminderID)
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, accountID, reminderID)
	}
	return nil
}

type mockChat struct {
	sent    []telegram.Message
	answers []string
	sendErr error
}

func (m *mockChat) Send(ctx context.Context, msg telegram.Message) (int64, error) {
	m.sent = append(m.sent, msg)
	return 1, m.sendErr
}

func (m *mockChat) AnswerCallback(ctx context.Context, callbackID, text string) error {
	m.answers = append(m.answers, callbackID+": "+text)
	return nil
}

func callbackRequest(data string) events.APIGatewayV2HTTPRequest {
	return events.APIGatewayV2HTTPRequest{
		Headers: map[string]string{"x-telegram-bot-api-secret-token": "hook-secret"},
		Body: `{"update_id":10,"callback_query":{"id":"cb-1","from":{"id":5},"data":"` + data +
			`","message":{"message_id":77,"chat":{"id":-100123},"text":"Invoice from ACME"}}}`,
	}
}

func newTestHandler(accounts AccountResolver, reminders Reminders, chat Chat) *handler {
	h := newHandler(accounts, reminders, chat, "hook-secret")
	h.now = func() time.Time { return webhookNow }
	return h
}

func TestHandler_RemindSchedulesAndConfirms(t *testing.T) {
	rem := &mockReminders{}
	chat := &mockChat{}
	h := newTestHandler(&mockAccounts{}, rem, chat)

	resp, err := h.handle(context.Background(), callbackRequest("remind:60:msg-9"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	want := []reminder.Request{{
		AccountID: "user-1",
		ChatID:    -100123,
		MessageID: "msg-9",
		Text:      "Invoice from ACME",
		DueAt:     webhookNow.Add(time.Hour),
	}}
	if diff := cmp.Diff(want, rem.scheduled); diff != "" {
		t.Errorf("schedule mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"cb-1: " + noticeScheduled}, chat.answers); diff != "" {
		t.Errorf("answers mismatch (-want +got):\n%s", diff)
	}
	wantConfirm := []telegram.Message{{
		ChatID:  -100123,
		Text:    "Reminder set for 1 hour.",
		Buttons: [][]telegram.Button{{{Text: cancelButtonLabel, CallbackData: "cancel:rem-1"}}},
	}}
	if diff := cmp.Diff(wantConfirm, chat.sent); diff != "" {
		t.Errorf("confirmation mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_CancelOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		notice string
	}{
		{name: "cancelled", notice: noticeCancelled},
		{name: "not found", err: reminder.ErrNotFound, notice: noticeNotFound},
		{name: "store failure", err: errors.New("dynamo down"), notice: noticeRetryLater},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rem := &mockReminders{cancelFunc: func(ctx context.Context, accountID, reminderID string) error {
				return tt.err
			}}
			chat := &mockChat{}
			resp, _ := newTestHandler(&mockAccounts{}, rem, chat).handle(context.Background(), callbackRequest("cancel:rem-1"))
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d", resp.StatusCode)
			}
			if diff := cmp.Diff([]string{"user-1/rem-1"}, rem.cancelled); diff != "" {
				t.Errorf("cancel mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]string{"cb-1: " + tt.notice}, chat.answers); diff != "" {
				t.Errorf("answers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandler_ScheduleFailure(t *testing.T) {
	rem := &mockReminders{scheduleFunc: func(ctx context.Context, req reminder.Request) (reminder.Reminder, error) {
		return reminder.Reminder{ID: "rem-1"}, failure.NewRetryable(failure.KindScheduling, "enqueue reminder", errors.New("sqs down"))
	}}
	chat := &mockChat{}
	resp, _ := newTestHandler(&mockAccounts{}, rem, chat).handle(context.Background(), callbackRequest("remind:60:msg-9"))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if len(chat.sent) != 0 {
		t.Error("confirmation sent for a failed schedule")
	}
	if diff := cmp.Diff([]string{"cb-1: " + noticeRetryLater}, chat.answers); diff != "" {
		t.Errorf("answers mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_CallbackRejections(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		accounts *mockAccounts
		notice   string
	}{
		{name: "unknown data", data: "launch:now", accounts: &mockAccounts{}, notice: noticeUnknown},
		{name: "remind out of range", data: "remind:0:msg", accounts: &mockAccounts{}, notice: noticeUnknown},
		{
			name: "chat not linked",
			data: "remind:60:msg",
			accounts: &mockAccounts{accountFunc: func(ctx context.Context, chatID int64) (string, error) {
				return "", chatlink.ErrNotLinked
			}},
			notice: noticeNotLinked,
		},
		{
			name: "lookup failure",
			data: "cancel:rem-1",
			accounts: &mockAccounts{accountFunc: func(ctx context.Context, chatID int64) (string, error) {
				return "", errors.New("dynamo down")
			}},
			notice: noticeRetryLater,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rem := &mockReminders{}
			chat := &mockChat{}
			resp, _ := newTestHandler(tt.accounts, rem, chat).handle(context.Background(), callbackRequest(tt.data))
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d", resp.StatusCode)
			}
			if len(rem.scheduled) != 0 || len(rem.cancelled) != 0 {
				t.Error("rejected callback reached the reminder service")
			}
			if diff := cmp.Diff([]string{"cb-1: " + tt.notice}, chat.answers); diff != "" {
				t.Errorf("answers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandler_RequestRejections(t *testing.T) {
	badSecret := callbackRequest("cancel:rem-1")
	badSecret.Headers["x-telegram-bot-api-secret-token"] = "wrong"
	noSecret := callbackRequest("cancel:rem-1")
	noSecret.Headers = nil
	malformed := callbackRequest("cancel:rem-1")
	malformed.Body = "{"

	tests := []struct {
		name   string
		req    events.APIGatewayV2HTTPRequest
		status int
	}{
		{name: "wrong secret", req: badSecret, status: http.StatusUnauthorized},
		{name: "missing secret", req: noSecret, status: http.StatusUnauthorized},
		{name: "malformed body", req: malformed, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rem := &mockReminders{}
			resp, _ := newTestHandler(&mockAccounts{}, rem, &mockChat{}).handle(context.Background(), tt.req)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if len(rem.cancelled) != 0 {
				t.Error("rejected request reached the reminder service")
			}
		})
	}
}

func TestHandler_IgnoresOtherUpdates(t *testing.T) {
	chat := &mockChat{}
	req := events.APIGatewayV2HTTPRequest{
		Headers: map[string]string{"X-Telegram-Bot-Api-Secret-Token": "hook-secret"},
		Body:    `{"update_id":11,"message":{"message_id":1,"chat":{"id":5},"text":"/start"}}`,
	}
	resp, _ := newTestHandler(&mockAccounts{}, &mockReminders{}, chat).handle(context.Background(), req)
	if resp.StatusCode != http.StatusOK || len(chat.answers) != 0 {
		t.Errorf("status = %d, answers = %v", resp.StatusCode, chat.answers)
	}
}

func TestHumanDelay(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{time.Hour, "1 hour"},
		{3 * time.Hour, "3 hours"},
		{24 * time.Hour, "1 day"},
		{90 * time.Minute, "90 minutes"},
		{time.Minute, "1 minute"},
	}
	for _, tt := range tests {
		if got := humanDelay(tt.d); got != tt.want {
			t.Errorf("humanDelay(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
