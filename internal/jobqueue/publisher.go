package jobqueue

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// MaxDelay is the longest delivery delay SQS accepts.
const MaxDelay = 15 * time.Minute

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher publishes jobs to one SQS queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
	}
}

// PublishIngest enqueues an ingestion job.
func (p *SQSPublisher) PublishIngest(ctx context.Context, job IngestJob) error {
	return p.send(ctx, job, 0)
}

// PublishReminder enqueues a reminder job, delayed by at most MaxDelay.
// Callers re-enqueue jobs that arrive before the reminder is due.
func (p *SQSPublisher) PublishReminder(ctx context.Context, job ReminderJob, delay time.Duration) error {
	return p.send(ctx, job, DelaySeconds(delay))
}

// DelaySeconds converts a delay to the SQS DelaySeconds value, rounding up
// and clamping to [0, MaxDelay].
func DelaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return int32(math.Ceil(d.Seconds()))
}

func (p *SQSPublisher) send(ctx context.Context, msg any, delaySeconds int32) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if delaySeconds > 0 {
		input.DelaySeconds = delaySeconds
	}
	_, err = p.client.SendMessage(ctx, input)
	return err
}
