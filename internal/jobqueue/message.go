// Package jobqueue publishes and decodes the SQS jobs that drive ingestion
// and reminder delivery.
package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidJob is returned when a queue body is not a usable job.
var ErrInvalidJob = errors.New("invalid job")

// IngestJob asks a worker to run one ingestion for a connection.
type IngestJob struct {
	AccountID    string `json:"accountId"`
	ConnectionID string `json:"connectionId"`
	// HistoryID is the provider's hint from the push notification. It is
	// informational; the stored cursor is authoritative.
	HistoryID uint64 `json:"historyId,omitempty"`
}

// ReminderJob asks the executor to fire a reminder.
type ReminderJob struct {
	AccountID  string `json:"accountId"`
	ReminderID string `json:"reminderId"`
}

// DecodeIngestJob parses an ingest queue body.
func DecodeIngestJob(body string) (IngestJob, error) {
	var job IngestJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return IngestJob{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job.AccountID == "" || job.ConnectionID == "" {
		return IngestJob{}, fmt.Errorf("%w: missing accountId or connectionId", ErrInvalidJob)
	}
	return job, nil
}

// DecodeReminderJob parses a reminder queue body.
func DecodeReminderJob(body string) (ReminderJob, error) {
	var job ReminderJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return ReminderJob{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job.AccountID == "" || job.ReminderID == "" {
		return ReminderJob{}, fmt.Errorf("%w: missing accountId or reminderId", ErrInvalidJob)
	}
	return job, nil
}
