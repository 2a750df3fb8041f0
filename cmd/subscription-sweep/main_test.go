package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/go-cmp/cmp"

	"github.com/jarrod-lowe/mail-alert-service/internal/connection"
	"github.com/jarrod-lowe/mail-alert-service/internal/credential"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/sigauth"
)

var sweepNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type mockLister struct {
	cutoff time.Time
	refs   []connection.Ref
	err    error
}

func (m *mockLister) ListSubscriptionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]connection.Ref, error) {
	m.cutoff = cutoff
	return m.refs, m.err
}

type mockRenewer struct {
	mu        sync.Mutex
	renewed   []connection.Ref
	renewFunc func(ref connection.Ref) error
	active    atomic.Int32
	maxActive atomic.Int32
}

func (m *mockRenewer) RenewSubscription(ctx context.Context, ref connection.Ref) (time.Time, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	m.mu.Lock()
	m.renewed = append(m.renewed, ref)
	m.mu.Unlock()
	if m.renewFunc != nil {
		if err := m.renewFunc(ref); err != nil {
			return time.Time{}, err
		}
	}
	return sweepNow.Add(7 * 24 * time.Hour), nil
}

func signedRequest(t *testing.T, body string) events.APIGatewayV2HTTPRequest {
	t.Helper()
	ts := time.Now().Unix()
	return events.APIGatewayV2HTTPRequest{
		Headers: map[string]string{
			"x-sweep-timestamp": strconv.FormatInt(ts, 10),
			"x-sweep-signature": sigauth.Sign("sweep-secret", ts, []byte(body)),
		},
		Body: body,
	}
}

func newTestHandler(t *testing.T, lister SubscriptionLister, renewer Renewer, concurrency int) *handler {
	t.Helper()
	v, err := sigauth.NewVerifier("sweep-secret", 5*time.Minute)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	h := newHandler(lister, renewer, v, 24*time.Hour, concurrency)
	h.now = func() time.Time { return sweepNow }
	return h
}

func refs(n int) []connection.Ref {
	out := make([]connection.Ref, n)
	for i := range out {
		out[i] = connection.Ref{AccountID: "user-" + strconv.Itoa(i), ConnectionID: "c"}
	}
	return out
}

func decodeResult(t *testing.T, resp events.APIGatewayV2HTTPResponse) sweepResult {
	t.Helper()
	var res sweepResult
	if err := json.Unmarshal([]byte(resp.Body), &res); err != nil {
		t.Fatalf("bad response body %q: %v", resp.Body, err)
	}
	return res
}

func TestHandler_RenewsExpiringSubscriptions(t *testing.T) {
	lister := &mockLister{refs: refs(3)}
	renewer := &mockRenewer{}
	h := newTestHandler(t, lister, renewer, 2)

	resp, err := h.handle(context.Background(), signedRequest(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !lister.cutoff.Equal(sweepNow.Add(24 * time.Hour)) {
		t.Errorf("cutoff = %v", lister.cutoff)
	}
	if diff := cmp.Diff(sweepResult{Candidates: 3, Renewed: 3}, decodeResult(t, resp)); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_WindowOverride(t *testing.T) {
	lister := &mockLister{}
	h := newTestHandler(t, lister, &mockRenewer{}, 1)

	resp, _ := h.handle(context.Background(), signedRequest(t, `{"window":"36h"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !lister.cutoff.Equal(sweepNow.Add(36 * time.Hour)) {
		t.Errorf("cutoff = %v", lister.cutoff)
	}
}

func TestHandler_BoundedConcurrency(t *testing.T) {
	renewer := &mockRenewer{}
	h := newTestHandler(t, &mockLister{refs: refs(20)}, renewer, 3)

	if _, err := h.handle(context.Background(), signedRequest(t, "")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := renewer.maxActive.Load(); got > 3 {
		t.Errorf("max concurrent renewals = %d, want <= 3", got)
	}
	if len(renewer.renewed) != 20 {
		t.Errorf("renewed %d, want 20", len(renewer.renewed))
	}
}

func TestHandler_FailuresAreCountedNotFatal(t *testing.T) {
	renewer := &mockRenewer{renewFunc: func(ref connection.Ref) error {
		switch ref.AccountID {
		case "user-0":
			return failure.NewRetryable(failure.KindSubscription, "watch", errors.New("503"))
		case "user-1":
			return failure.New(failure.KindCredential, "refresh", credential.ErrRevoked)
		}
		return nil
	}}
	h := newTestHandler(t, &mockLister{refs: refs(3)}, renewer, 2)

	resp, err := h.handle(context.Background(), signedRequest(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := sweepResult{Candidates: 3, Renewed: 1, Failed: 1, Degraded: 1}
	if diff := cmp.Diff(want, decodeResult(t, resp)); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_Rejections(t *testing.T) {
	unsigned := signedRequest(t, "")
	unsigned.Headers = nil
	tampered := signedRequest(t, `{"window":"1h"}`)
	tampered.Body = `{"window":"999h"}`

	tests := []struct {
		name   string
		req    events.APIGatewayV2HTTPRequest
		status int
	}{
		{name: "unsigned", req: unsigned, status: http.StatusUnauthorized},
		{name: "tampered", req: tampered, status: http.StatusUnauthorized},
		{name: "bad body", req: signedRequest(t, "not json"), status: http.StatusBadRequest},
		{name: "bad window", req: signedRequest(t, `{"window":"-1h"}`), status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			renewer := &mockRenewer{}
			h := newTestHandler(t, &mockLister{refs: refs(2)}, renewer, 1)
			resp, err := h.handle(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if len(renewer.renewed) != 0 {
				t.Error("rejected call renewed subscriptions")
			}
		})
	}
}

func TestHandler_ListFailure(t *testing.T) {
	h := newTestHandler(t, &mockLister{err: errors.New("dynamo down")}, &mockRenewer{}, 1)
	resp, _ := h.handle(context.Background(), signedRequest(t, ""))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}
