// Package gmail adapts the Gmail API to the narrow mailbox operations the
// ingestion pipeline needs: profile, history, message fetch and watch.
package gmail

import (
	"context"
	"net/url"
	"time"
)

// Mailbox is one authorised view of a user's mailbox.
type Mailbox interface {
	Profile(ctx context.Context) (Profile, error)
	// History calls fn for each page of messageAdded history since
	// startHistoryID, restricted to labelID when non-empty.
	History(ctx context.Context, startHistoryID uint64, labelID string, fn func(HistoryPage) error) error
	Message(ctx context.Context, id string) (*Message, error)
	Watch(ctx context.Context, topic string, labelIDs []string) (WatchResult, error)
}

// Profile is the mailbox address and its current history id.
type Profile struct {
	EmailAddress string
	HistoryID    uint64
}

// MessageRef identifies a message reported by history.
type MessageRef struct {
	ID       string
	ThreadID string
}

// HistoryPage is one page of history. HistoryID is the mailbox's current
// history id at the time the page was served.
type HistoryPage struct {
	Added     []MessageRef
	HistoryID uint64
}

// WatchResult is the outcome of (re-)registering push notifications.
type WatchResult struct {
	HistoryID  uint64
	Expiration time.Time
}

// Header is a message or part header.
type Header struct {
	Name  string
	Value string
}

// Part is a node of the provider's MIME tree. Data is base64url encoded, as
// served by the API.
type Part struct {
	MimeType string
	Filename string
	Headers  []Header
	Data     string
	Parts    []*Part
}

// Message is a fully fetched message.
type Message struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	InternalDate time.Time
	Payload      *Part
}

// Headers returns the top-level headers, or nil when there is no payload.
func (m *Message) Headers() []Header {
	if m == nil || m.Payload == nil {
		return nil
	}
	return m.Payload.Headers
}

// MessageURL links to a message in the web client.
func MessageURL(messageID string) string {
	return "https://mail.google.com/mail/u/0/#all/" + url.PathEscape(messageID)
}
