package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jarrod-lowe/mail-alert-service/internal/classify"
	"github.com/jarrod-lowe/mail-alert-service/internal/connection"
	"github.com/jarrod-lowe/mail-alert-service/internal/credential"
	"github.com/jarrod-lowe/mail-alert-service/internal/cursor"
	"github.com/jarrod-lowe/mail-alert-service/internal/dispatch"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/gmail"
	"github.com/jarrod-lowe/mail-alert-service/internal/normalize"
	"github.com/jarrod-lowe/mail-alert-service/internal/policy"
)

var (
	testRef = connection.Ref{AccountID: "user-1", ConnectionID: "conn-1"}
	testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
)

type fakeMailbox struct {
	profile    gmail.Profile
	pages      []gmail.HistoryPage
	historyErr error
	messages   map[string]*gmail.Message
	messageErr map[string]error
	fetched    []string
}

func (m *fakeMailbox) Profile(ctx context.Context) (gmail.Profile, error) {
	return m.profile, nil
}

func (m *fakeMailbox) History(ctx context.Context, start uint64, label string, fn func(gmail.HistoryPage) error) error {
	if m.historyErr != nil {
		return m.historyErr
	}
	for _, p := range m.pages {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMailbox) Message(ctx context.Context, id string) (*gmail.Message, error) {
	m.fetched = append(m.fetched, id)
	if err := m.messageErr[id]; err != nil {
		return nil, err
	}
	if msg, ok := m.messages[id]; ok {
		return msg, nil
	}
	return nil, gmail.ErrMessageNotFound
}

func (m *fakeMailbox) Watch(ctx context.Context, topic string, labels []string) (gmail.WatchResult, error) {
	return gmail.WatchResult{}, nil
}

type fakeSession struct {
	mb     gmail.Mailbox
	handle credential.Handle
}

func (s *fakeSession) Do(ctx context.Context, fn func(gmail.Mailbox) error) error {
	return fn(s.mb)
}

func (s *fakeSession) Handle() credential.Handle {
	return s.handle
}

type fakeCredentials struct {
	session    *fakeSession
	openErr    error
	renewErr   error
	renewCalls int
}

func (f *fakeCredentials) OpenSession(ctx context.Context, ref connection.Ref) (Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.session, nil
}

func (f *fakeCredentials) RenewSubscription(ctx context.Context, ref connection.Ref) (time.Time, error) {
	f.renewCalls++
	return testNow.Add(7 * 24 * time.Hour), f.renewErr
}

// fakeCursorStore backs a real cursor.Tracker.
type fakeCursorStore struct {
	mu         sync.Mutex
	cursor     string
	leaseOwner string
	foreign    bool
	advances   []string
}

func (f *fakeCursorStore) Get(ctx context.Context, ref connection.Ref) (*connection.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &connection.Connection{AccountID: ref.AccountID, ConnectionID: ref.ConnectionID, Cursor: f.cursor}, nil
}

func (f *fakeCursorStore) AcquireLease(ctx context.Context, ref connection.Ref, name connection.LeaseName, owner string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.foreign || (f.leaseOwner != "" && f.leaseOwner != owner) {
		return connection.ErrLeaseHeld
	}
	f.leaseOwner = owner
	return nil
}

func (f *fakeCursorStore) ReleaseLease(ctx context.Context, ref connection.Ref, name connection.LeaseName, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaseOwner == owner {
		f.leaseOwner = ""
	}
	return nil
}

func (f *fakeCursorStore) AdvanceCursor(ctx context.Context, ref connection.Ref, owner, c string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaseOwner != owner {
		return connection.ErrLeaseLost
	}
	f.cursor = c
	f.advances = append(f.advances, c)
	return nil
}

// fakeClaims tracks markers by state: claimed or done.
type fakeClaims struct {
	state       map[string]string
	err         error
	completeErr error
}

func (f *fakeClaims) Claim(ctx context.Context, accountID, connectionID, messageID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.state == nil {
		f.state = make(map[string]string)
	}
	if f.state[messageID] == "done" {
		return false, nil
	}
	f.state[messageID] = "claimed"
	return true, nil
}

func (f *fakeClaims) Complete(ctx context.Context, accountID, connectionID, messageID string) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.state[messageID] = "done"
	return nil
}

type fakePolicies struct {
	policy   policy.Policy
	policyID string
}

func (f *fakePolicies) Resolve(ctx context.Context, accountID, policyID string) (policy.Policy, error) {
	f.policyID = policyID
	return f.policy, nil
}

type mockClassifier struct {
	classifyFunc func(ctx context.Context, msg normalize.Message, p policy.Policy) (classify.Result, error)
	calls        []string
}

func (m *mockClassifier) Classify(ctx context.Context, msg normalize.Message, p policy.Policy) (classify.Result, error) {
	m.calls = append(m.calls, msg.ID)
	if m.classifyFunc != nil {
		return m.classifyFunc(ctx, msg, p)
	}
	return classify.Result{Score: 90, Reply: "ok"}, nil
}

type mockDispatcher struct {
	dispatchFunc func(msg normalize.Message, res classify.Result) dispatch.Outcome
	messages     []normalize.Message
}

func (m *mockDispatcher) Dispatch(ctx context.Context, accountID string, msg normalize.Message, res classify.Result, p policy.Policy) dispatch.Outcome {
	m.messages = append(m.messages, msg)
	if m.dispatchFunc != nil {
		return m.dispatchFunc(msg, res)
	}
	return dispatch.Outcome{Status: dispatch.StatusDelivered}
}

type harness struct {
	mailbox    *fakeMailbox
	creds      *fakeCredentials
	cursors    *fakeCursorStore
	claims     *fakeClaims
	policies   *fakePolicies
	classifier *mockClassifier
	dispatcher *mockDispatcher
	runner     *Runner
}

func textMessage(id, subject string) *gmail.Message {
	return &gmail.Message{
		ID: id,
		Payload: &gmail.Part{
			MimeType: "text/plain",
			Headers:  []gmail.Header{{Name: "Subject", Value: subject}},
			Data:     base64.RawURLEncoding.EncodeToString([]byte("body of " + id)),
		},
	}
}

func newHarness(cursorValue string) *harness {
	h := &harness{
		mailbox: &fakeMailbox{
			profile:  gmail.Profile{EmailAddress: "me@example.com", HistoryID: 500},
			messages: map[string]*gmail.Message{},
		},
		cursors:    &fakeCursorStore{cursor: cursorValue},
		claims:     &fakeClaims{},
		policies:   &fakePolicies{policy: policy.Default()},
		classifier: &mockClassifier{},
		dispatcher: &mockDispatcher{},
	}
	h.creds = &fakeCredentials{session: &fakeSession{
		mb: h.mailbox,
		handle: credential.Handle{Connection: connection.Connection{
			AccountID:    testRef.AccountID,
			ConnectionID: testRef.ConnectionID,
			PolicyID:     "work",
			WatchExpiry:  testNow.Add(6 * 24 * time.Hour),
		}},
	}}
	h.runner = NewRunner(Deps{
		Credentials: h.creds,
		Cursors:     cursor.NewTracker(h.cursors, time.Minute),
		Claims:      h.claims,
		Policies:    h.policies,
		Classifier:  h.classifier,
		Dispatcher:  h.dispatcher,
	}, Config{})
	h.runner.now = func() time.Time { return testNow }
	return h
}

func TestRun_Bootstrap(t *testing.T) {
	h := newHarness("")

	report, err := h.runner.Run(context.Background(), testRef)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Bootstrap || report.Cursor != "500" || report.Events != 0 {
		t.Errorf("report = %+v, want bootstrap at 500", report)
	}
	if diff := cmp.Diff([]string{"500"}, h.cursors.advances); diff != "" {
		t.Errorf("advances mismatch (-want +got):\n%s", diff)
	}
	if len(h.classifier.calls) != 0 || len(h.mailbox.fetched) != 0 {
		t.Error("bootstrap must not process history")
	}
}

func TestRun_ProcessesBatchAndAdvances(t *testing.T) {
	h := newHarness("100")
	h.mailbox.pages = []gmail.HistoryPage{
		{Added: []gmail.MessageRef{{ID: "m1"}, {ID: "m2"}}, HistoryID: 120},
		{Added: []gmail.MessageRef{{ID: "m3"}}, HistoryID: 130},
	}
	h.mailbox.messages["m1"] = textMessage("m1", "Invoice")
	h.mailbox.messages["m2"] = textMessage("m2", "Newsletter")
	h.mailbox.messages["m3"] = textMessage("m3", "Lunch?")
	h.dispatcher.dispatchFunc = func(msg normalize.Message, res classify.Result) dispatch.Outcome {
		if msg.ID == "m2" {
			return dispatch.Outcome{Status: dispatch.StatusSkipped, Reason: dispatch.ReasonIgnored}
		}
		return dispatch.Outcome{Status: dispatch.StatusDelivered}
	}

	report, err := h.runner.Run(context.Background(), testRef)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Cursor != "130" || report.Events != 3 || report.Delivered != 2 || report.Skipped[dispatch.ReasonIgnored] != 1 {
		t.Errorf("report = %+v", report)
	}
	if diff := cmp.Diff([]string{"m1", "m2", "m3"}, h.classifier.calls); diff != "" {
		t.Errorf("classified mismatch (-want +got):\n%s", diff)
	}
	if h.dispatcher.messages[0].Subject != "Invoice" || h.dispatcher.messages[0].Body != "body of m1" {
		t.Errorf("dispatched message = %+v", h.dispatcher.messages[0])
	}
	if h.policies.policyID != "work" {
		t.Errorf("policy id = %q, want work", h.policies.policyID)
	}
	if diff := cmp.Diff([]string{"130"}, h.cursors.advances); diff != "" {
		t.Errorf("advances mismatch (-want +got):\n%s", diff)
	}
	if h.cursors.leaseOwner != "" {
		t.Error("lease not released")
	}
	if h.creds.renewCalls != 0 {
		t.Error("renewed a subscription outside the renewal window")
	}
}

func TestRun_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness("100")
	h.mailbox.pages = []gmail.HistoryPage{{Added: []gmail.MessageRef{{ID: "m1"}}, HistoryID: 110}}
	h.mailbox.messages["m1"] = textMessage("m1", "Invoice")
	h.claims.state = map[string]string{"m1": "done"}

	report, err := h.runner.Run(context.Background(), testRef)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Duplicates != 1 || len(h.classifier.calls) != 0 || len(h.dispatcher.messages) != 0 {
		t.Errorf("report = %+v; duplicate was processed again", report)
	}
	if report.Cursor != "110" {
		t.Errorf("cursor = %q, want 110", report.Cursor)
	}
}

func TestRun_PerEventFailuresContinue(t *testing.T) {
	h := newHarness("100")
	h.mailbox.pages = []gmail.HistoryPage{{Added: []gmail.MessageRef{{ID: "gone"}, {ID: "bad"}, {ID: "undeliverable"}, {ID: "ok"}}, HistoryID: 140}}
	for _, id := range []string{"bad", "undeliverable", "ok"} {
		h.mailbox.messages[id] = textMessage(id, id)
	}
	classifierErr := failure.New(failure.KindClassifier, "parse answer", classify.ErrMalformed)
	h.classifier.classifyFunc = func(ctx context.Context, msg normalize.Message, p policy.Policy) (classify.Result, error) {
		if msg.ID == "bad" {
			return classify.Result{}, classifierErr
		}
		return classify.Result{Score: 90, Reply: "ok"}, nil
	}
	deliveryErr := failure.New(failure.KindDelivery, "send alert", errors.New("chat gone"))
	h.dispatcher.dispatchFunc = func(msg normalize.Message, res classify.Result) dispatch.Outcome {
		if msg.ID == "undeliverable" {
			return dispatch.Outcome{Status: dispatch.StatusFailed, Err: deliveryErr}
		}
		return dispatch.Outcome{Status: dispatch.StatusDelivered}
	}

	report, err := h.runner.Run(context.Background(), testRef)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.NotFound != 1 || report.Delivered != 1 || len(report.Failures) != 2 {
		t.Errorf("report = %+v", report)
	}
	if report.Failures[0].MessageID != "bad" || !failure.Is(report.Failures[0].Err, failure.KindClassifier) {
		t.Errorf("first failure = %+v, want classifier error for bad", report.Failures[0])
	}
	if report.Failures[1].MessageID != "undeliverable" || !failure.Is(report.Failures[1].Err, failure.KindDelivery) {
		t.Errorf("second failure = %+v, want delivery error", report.Failures[1])
	}
	if h.cursors.cursor != "140" {
		t.Errorf("cursor = %q, want 140", h.cursors.cursor)
	}
}

func TestRun_TransientFetchAbortsWithoutAdvance(t *testing.T) {
	h := newHarness("100")
	h.mailbox.pages = []gmail.HistoryPage{{Added: []gmail.MessageRef{{ID: "m1"}, {ID: "m2"}}, HistoryID: 120}}
	h.mailbox.messages["m1"] = textMessage("m1", "a")
	h.mailbox.messageErr = map[string]error{"m2": gmail.ErrUnavailable}

	_, err := h.runner.Run(context.Background(), testRef)
	if !errors.Is(err, gmail.ErrUnavailable) || !failure.Retryable(err) {
		t.Fatalf("err = %v, want retryable ErrUnavailable", err)
	}
	if h.cursors.cursor != "100" || len(h.cursors.advances) != 0 {
		t.Errorf("cursor advanced to %q after an aborted batch", h.cursors.cursor)
	}
	if h.cursors.leaseOwner != "" {
		t.Error("lease not released after abort")
	}

	// The retry skips m1 via its marker and finishes the batch.
	h.mailbox.messageErr = nil
	h.mailbox.messages["m2"] = textMessage("m2", "b")
	report, err := h.runner.Run(context.Background(), testRef)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if report.Duplicates != 1 || report.Delivered != 1 || h.cursors.cursor != "120" {
		t.Errorf("retry report = %+v, cursor %q", report, h.cursors.cursor)
	}
}

func TestRun_MarkerStates(t *testing.T) {
	h := newHarness("100")
	ids := []string{"delivered", "skipped", "bad-answer", "classifier-down", "chat-gone", "chat-throttled"}
	refs := make([]gmail.MessageRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, gmail.MessageRef{ID: id})
		h.mailbox.messages[id] = textMessage(id, id)
	}
	h.mailbox.pages = []gmail.HistoryPage{{Added: refs, HistoryID: 150}}
	h.classifier.classifyFunc = func(ctx context.Context, msg normalize.Message, p policy.Policy) (classify.Result, error) {
		switch msg.ID {
		case "bad-answer":
			return classify.Result{}, failure.New(failure.KindClassifier, "parse answer", classify.ErrMalformed)
		case "classifier-down":
			return classify.Result{}, failure.NewRetryable(failure.KindClassifier, "invoke model", context.DeadlineExceeded)
		}
		return classify.Result{Score: 90}, nil
	}
	h.dispatcher.dispatchFunc = func(msg normalize.Message, res classify.Result) dispatch.Outcome {
		switch msg.ID {
		case "skipped":
			return dispatch.Outcome{Status: dispatch.StatusSkipped, Reason: dispatch.ReasonIgnored}
		case "chat-gone":
			return dispatch.Outcome{Status: dispatch.StatusFailed, Err: failure.New(failure.KindDelivery, "send alert", errors.New("403"))}
		case "chat-throttled":
			return dispatch.Outcome{Status: dispatch.StatusFailed, Err: failure.NewRetryable(failure.KindDelivery, "send alert", errors.New("429"))}
		}
		return dispatch.Outcome{Status: dispatch.StatusDelivered}
	}

	if _, err := h.runner.Run(context.Background(), testRef); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := map[string]string{
		"delivered":       "done",
		"skipped":         "done",
		"bad-answer":      "done",
		"classifier-down": "claimed",
		"chat-gone":       "done",
		"chat-throttled":  "claimed",
	}
	if diff := cmp.Diff(want, h.claims.state); diff != "" {
		t.Errorf("marker states mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_AbandonedClaimIsReprocessed(t *testing.T) {
	h := newHarness("100")
	h.mailbox.pages = []gmail.HistoryPage{{Added: []gmail.MessageRef{{ID: "m1"}}, HistoryID: 110}}
	h.mailbox.messages["m1"] = textMessage("m1", "Invoice")
	// A previous run claimed m1 and died before delivering it.
	h.claims.state = map[string]string{"m1": "claimed"}

	report, err := h.runner.Run(context.Background(), testRef)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Duplicates != 0 || report.Delivered != 1 {
		t.Errorf("report = %+v, want m1 delivered", report)
	}
	if h.claims.state["m1"] != "done" {
		t.Errorf("marker = %q, want done", h.claims.state["m1"])
	}
}

func TestRun_CompleteFailureIsNotFatal(t *testing.T) {
	h := newHarness("100")
	h.mailbox.pages = []gmail.HistoryPage{{Added: []gmail.MessageRef{{ID: "m1"}}, HistoryID: 110}}
	h.mailbox.messages["m1"] = textMessage("m1", "Invoice")
	h.claims.completeErr = errors.New("throttled")

	report, err := h.runner.Run(context.Background(), testRef)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Delivered != 1 || h.cursors.cursor != "110" {
		t.Errorf("report = %+v, cursor %q", report, h.cursors.cursor)
	}
}

func TestRun_CursorNeverMovesBackwards(t *testing.T) {
	h := newHarness("300")
	h.mailbox.pages = []gmail.HistoryPage{{HistoryID: 250}}

	report, err := h.runner.Run(context.Background(), testRef)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Cursor != "300" || len(h.cursors.advances) != 0 {
		t.Errorf("cursor = %q, advances = %v; want unchanged 300", report.Cursor, h.cursors.advances)
	}
}

func TestRun_CursorExpiredRebaselines(t *testing.T) {
	h := newHarness("7")
	h.mailbox.historyErr = gmail.ErrCursorExpired

	report, err := h.runner.Run(context.Background(), testRef)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Rebaselined || report.Bootstrap || report.Cursor != "500" {
		t.Errorf("report = %+v, want rebaseline to 500", report)
	}
	if h.cursors.cursor != "500" {
		t.Errorf("stored cursor = %q, want 500", h.cursors.cursor)
	}
	if len(h.mailbox.fetched) != 0 {
		t.Error("rebaseline must not backfill")
	}
}

func TestRun_DegradedCredentialStopsCleanly(t *testing.T) {
	h := newHarness("100")
	h.creds.openErr = failure.New(failure.KindCredential, "refresh", credential.ErrRevoked)

	report, err := h.runner.Run(context.Background(), testRef)
	if err != nil {
		t.Fatalf("Run returned %v, want nil for a degraded connection", err)
	}
	if !report.Degraded {
		t.Errorf("report = %+v, want degraded", report)
	}
	if len(h.cursors.advances) != 0 || h.cursors.leaseOwner != "" {
		t.Error("degraded run advanced the cursor or kept the lease")
	}
}

func TestRun_RetryableCredentialError(t *testing.T) {
	h := newHarness("100")
	h.creds.openErr = failure.NewRetryable(failure.KindCredential, "refresh", errors.New("token endpoint timeout"))

	_, err := h.runner.Run(context.Background(), testRef)
	if !failure.Retryable(err) {
		t.Errorf("err = %v, want retryable", err)
	}
}

func TestRun_LockedElsewhere(t *testing.T) {
	h := newHarness("100")
	h.cursors.foreign = true

	_, err := h.runner.Run(context.Background(), testRef)
	if !errors.Is(err, cursor.ErrLocked) || !failure.Retryable(err) {
		t.Errorf("err = %v, want retryable ErrLocked", err)
	}
}

func TestRun_OpportunisticRenewal(t *testing.T) {
	tests := []struct {
		name      string
		renewErr  error
		wantOK    bool
		wantError bool
	}{
		{name: "renewed", wantOK: true},
		{name: "renewal failure is not fatal", renewErr: failure.NewRetryable(failure.KindSubscription, "watch", errors.New("503")), wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness("100")
			h.creds.session.handle.Connection.WatchExpiry = testNow.Add(2 * time.Hour)
			h.creds.renewErr = tt.renewErr

			report, err := h.runner.Run(context.Background(), testRef)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if h.creds.renewCalls != 1 {
				t.Errorf("renew calls = %d, want 1", h.creds.renewCalls)
			}
			if report.Renewed != tt.wantOK || (report.RenewalErr != nil) != tt.wantError {
				t.Errorf("report renewed = %v, err = %v", report.Renewed, report.RenewalErr)
			}
		})
	}
}
