// Package changes turns provider history diffs into ordered message events.
package changes

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jarrod-lowe/mail-alert-service/internal/cursor"
	"github.com/jarrod-lowe/mail-alert-service/internal/failure"
	"github.com/jarrod-lowe/mail-alert-service/internal/gmail"
)

// ErrCursorExpired is returned when the provider no longer serves history
// from the given cursor. The caller must re-baseline; history is not
// backfilled.
var ErrCursorExpired = failure.New(failure.KindCursorExpired, "resolve changes", gmail.ErrCursorExpired)

// Event is one newly added inbox message.
type Event struct {
	MessageID string
	ThreadID  string
}

// Batch is the result of one resolution.
type Batch struct {
	// Events are in provider order with duplicates removed.
	Events []Event
	// Cursor is the watermark to store once Events are processed.
	Cursor cursor.Cursor
	// Bootstrap is set when no prior cursor existed; Events is empty.
	Bootstrap bool
}

// Source is the provider view the resolver reads.
type Source interface {
	Profile(ctx context.Context) (gmail.Profile, error)
	History(ctx context.Context, startHistoryID uint64, labelID string, fn func(gmail.HistoryPage) error) error
}

// Resolve returns the messages added to the inbox since the given cursor.
// With a nil cursor it establishes a baseline and returns no events.
func Resolve(ctx context.Context, src Source, since *cursor.Cursor) (Batch, error) {
	tracer := tracing.Tracer("mail-alert-changes")
	ctx, span := tracer.Start(ctx, "changes.Resolve")
	defer span.End()

	if since == nil {
		span.SetAttributes(attribute.Bool("bootstrap", true))
		b, err := Rebaseline(ctx, src)
		if err != nil {
			tracing.RecordError(span, err)
		}
		return b, err
	}

	start, err := strconv.ParseUint(string(*since), 10, 64)
	if err != nil {
		// A cursor we cannot read is as useless as one the provider forgot.
		tracing.RecordError(span, err)
		return Batch{}, ErrCursorExpired
	}

	var batch Batch
	seen := make(map[string]bool)
	latest := start
	err = src.History(ctx, start, gmail.InboxLabel, func(page gmail.HistoryPage) error {
		for _, ref := range page.Added {
			if ref.ID == "" || seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			batch.Events = append(batch.Events, Event{MessageID: ref.ID, ThreadID: ref.ThreadID})
		}
		if page.HistoryID > latest {
			latest = page.HistoryID
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		if errors.Is(err, gmail.ErrCursorExpired) {
			return Batch{}, ErrCursorExpired
		}
		return Batch{}, fmt.Errorf("list history: %w", err)
	}

	batch.Cursor = cursor.Cursor(strconv.FormatUint(latest, 10))
	span.SetAttributes(attribute.Int("events", len(batch.Events)))
	return batch, nil
}

// Rebaseline returns an empty bootstrap batch at the mailbox's current
// history id.
func Rebaseline(ctx context.Context, src Source) (Batch, error) {
	profile, err := src.Profile(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("read baseline: %w", err)
	}
	if profile.HistoryID == 0 {
		return Batch{}, errors.New("read baseline: provider returned no history id")
	}
	return Batch{
		Cursor:    cursor.Cursor(strconv.FormatUint(profile.HistoryID, 10)),
		Bootstrap: true,
	}, nil
}
