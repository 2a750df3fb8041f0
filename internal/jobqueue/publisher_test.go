package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/go-cmp/cmp"
)

// mockSQSSender implements SQSSender for testing.
type mockSQSSender struct {
	sendFunc func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

func (m *mockSQSSender) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, params, optFns...)
	}
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSPublisher_PublishIngest(t *testing.T) {
	var captured *sqs.SendMessageInput
	mock := &mockSQSSender{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			captured = params
			return &sqs.SendMessageOutput{}, nil
		},
	}

	pub := NewSQSPublisher(mock, "https://sqs.example.com/ingest")
	job := IngestJob{AccountID: "user-1", ConnectionID: "conn-1", HistoryID: 4242}
	if err := pub.PublishIngest(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *captured.QueueUrl != "https://sqs.example.com/ingest" {
		t.Errorf("QueueUrl = %q", *captured.QueueUrl)
	}
	if captured.DelaySeconds != 0 {
		t.Errorf("DelaySeconds = %d, want 0", captured.DelaySeconds)
	}
	got, err := DecodeIngestJob(*captured.MessageBody)
	if err != nil {
		t.Fatalf("DecodeIngestJob: %v", err)
	}
	if diff := cmp.Diff(job, got); diff != "" {
		t.Errorf("job mismatch (-want +got):\n%s", diff)
	}
}

func TestSQSPublisher_PublishReminder(t *testing.T) {
	var captured *sqs.SendMessageInput
	mock := &mockSQSSender{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			captured = params
			return &sqs.SendMessageOutput{}, nil
		},
	}

	pub := NewSQSPublisher(mock, "https://sqs.example.com/reminders")
	if err := pub.PublishReminder(context.Background(), ReminderJob{AccountID: "user-1", ReminderID: "r-1"}, time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.DelaySeconds != 900 {
		t.Errorf("DelaySeconds = %d, want 900", captured.DelaySeconds)
	}
	var msg map[string]string
	if err := json.Unmarshal([]byte(*captured.MessageBody), &msg); err != nil {
		t.Fatalf("failed to parse message body: %v", err)
	}
	if msg["accountId"] != "user-1" || msg["reminderId"] != "r-1" {
		t.Errorf("body = %v", msg)
	}
}

func TestSQSPublisher_SQSError(t *testing.T) {
	mock := &mockSQSSender{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			return nil, errors.New("queue unavailable")
		},
	}
	err := NewSQSPublisher(mock, "q").PublishReminder(context.Background(), ReminderJob{AccountID: "a", ReminderID: "r"}, time.Minute)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDelaySeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int32
	}{
		{in: -time.Second, want: 0},
		{in: 0, want: 0},
		{in: 1500 * time.Millisecond, want: 2},
		{in: 10 * time.Minute, want: 600},
		{in: 15 * time.Minute, want: 900},
		{in: 24 * time.Hour, want: 900},
	}
	for _, tt := range tests {
		if got := DelaySeconds(tt.in); got != tt.want {
			t.Errorf("DelaySeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDecodeJobs_Invalid(t *testing.T) {
	for _, body := range []string{"", "not json", `{"accountId":"a"}`, `{"connectionId":"c"}`} {
		if _, err := DecodeIngestJob(body); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("DecodeIngestJob(%q) err = %v, want ErrInvalidJob", body, err)
		}
	}
	for _, body := range []string{"{}", `{"accountId":"a"}`} {
		if _, err := DecodeReminderJob(body); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("DecodeReminderJob(%q) err = %v, want ErrInvalidJob", body, err)
		}
	}
}
