package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/go-cmp/cmp"

	"github.com/jarrod-lowe/mail-alert-service/internal/connection"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/ingest"
	"github.com/jarrod-lowe/mail-alert-service/internal/jobqueue"
)

type mockRunner struct {
	runFunc func(ctx context.Context, ref connection.Ref) (ingest.Report, error)
	runs    []connection.Ref
}

func (m *mockRunner) Run(ctx context.Context, ref connection.Ref) (ingest.Report, error) {
	m.runs = append(m.runs, ref)
	if m.runFunc != nil {
		return m.runFunc(ctx, ref)
	}
	return ingest.Report{Ref: ref}, nil
}

func makeRecord(messageID, accountID, connectionID string) events.SQSMessage {
	body, _ := json.Marshal(jobqueue.IngestJob{AccountID: accountID, ConnectionID: connectionID, HistoryID: 7})
	return events.SQSMessage{MessageId: messageID, Body: string(body)}
}

func failedIDs(resp events.SQSEventResponse) []string {
	var ids []string
	for _, f := range resp.BatchItemFailures {
		ids = append(ids, f.ItemIdentifier)
	}
	return ids
}

func TestHandler_CoalescesJobsPerConnection(t *testing.T) {
	runner := &mockRunner{}
	h := newHandler(runner)

	resp, err := h.handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		makeRecord("m1", "user-1", "c1"),
		makeRecord("m2", "user-2", "c2"),
		makeRecord("m3", "user-1", "c1"),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("failures = %v", failedIDs(resp))
	}
	want := []connection.Ref{
		{AccountID: "user-1", ConnectionID: "c1"},
		{AccountID: "user-2", ConnectionID: "c2"},
	}
	if diff := cmp.Diff(want, runner.runs); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_FailurePolicy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want []string
	}{
		{name: "unclassified error retries", err: errors.New("timeout"), want: []string{"m1", "m3"}},
		{name: "retryable failure retries", err: failure.NewRetryable(failure.KindCredential, "refresh", errors.New("503")), want: []string{"m1", "m3"}},
		{name: "permanent failure is dropped", err: failure.New(failure.KindCursorExpired, "resolve", errors.New("gone"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{runFunc: func(ctx context.Context, ref connection.Ref) (ingest.Report, error) {
				if ref.ConnectionID == "c1" {
					return ingest.Report{}, tt.err
				}
				return ingest.Report{}, nil
			}}
			resp, err := newHandler(runner).handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
				makeRecord("m1", "user-1", "c1"),
				makeRecord("m2", "user-2", "c2"),
				makeRecord("m3", "user-1", "c1"),
			}})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, failedIDs(resp)); diff != "" {
				t.Errorf("failures mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandler_InvalidJobIsDropped(t *testing.T) {
	runner := &mockRunner{}
	resp, err := newHandler(runner).handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad", Body: "not json"},
		{MessageId: "empty", Body: `{"accountId":"user-1"}`},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 || len(runner.runs) != 0 {
		t.Errorf("failures = %v, runs = %v", failedIDs(resp), runner.runs)
	}
}

func TestHandler_PerMessageFailuresDoNotRetry(t *testing.T) {
	runner := &mockRunner{runFunc: func(ctx context.Context, ref connection.Ref) (ingest.Report, error) {
		return ingest.Report{Failures: []ingest.EventFailure{{MessageID: "x", Err: errors.New("classifier")}}}, nil
	}}
	resp, _ := newHandler(runner).handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		makeRecord("m1", "user-1", "c1"),
	}})
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("failures = %v", failedIDs(resp))
	}
}
