// Package normalize decodes provider messages into the canonical form the
// classifier and dispatcher consume.
package normalize

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jarrod-lowe/mail-alert-service/internal/gmail"
)

// NoTextBody replaces the body when a message has no usable text part.
const NoTextBody = "(no text body)"

// MaxBodyRunes caps the cleaned body.
const MaxBodyRunes = 3500

// Options controls optional normalisation behaviour.
type Options struct {
	// HTMLFallback extracts text from the first text/html part when no
	// text/plain part exists.
	HTMLFallback bool
}

// Message is a normalised message. It is built per event and never stored.
type Message struct {
	ID       string
	ThreadID string
	Subject  string
	From     Address
	To       []Address
	Date     time.Time
	Body     string
	// IsReply is set when an In-Reply-To header is present.
	IsReply bool
	// ThreadChain holds the References header ids in order.
	ThreadChain []string
}

// HasBody reports whether a text body was found.
func (m Message) HasBody() bool {
	return m.Body != NoTextBody
}

// Normalize converts a fetched message. It never fails: missing parts and
// undecodable content degrade to empty fields or NoTextBody.
func Normalize(msg *gmail.Message, opts Options) Message {
	if msg == nil {
		return Message{Body: NoTextBody}
	}
	hdrs := msg.Headers()

	out := Message{
		ID:       msg.ID,
		ThreadID: msg.ThreadID,
	}
	if v, ok := header(hdrs, "Subject"); ok {
		out.Subject = decodeText(v)
	}
	if v, ok := header(hdrs, "From"); ok {
		if from := parseAddresses(v); len(from) > 0 {
			out.From = from[0]
		}
	}
	if v, ok := header(hdrs, "To"); ok {
		out.To = parseAddresses(v)
	}
	date, _ := header(hdrs, "Date")
	out.Date = parseDate(date, msg.InternalDate)

	if v, ok := header(hdrs, "In-Reply-To"); ok && strings.TrimSpace(v) != "" {
		out.IsReply = true
	}
	if v, ok := header(hdrs, "References"); ok {
		out.ThreadChain = parseMessageIDs(v)
	}

	out.Body = body(Tree(msg.Payload), opts)
	return out
}

func body(root Node, opts Options) string {
	if root == nil {
		return NoTextBody
	}
	text, ok := leafText(root, "text/plain")
	if !ok && opts.HTMLFallback {
		if html, found := leafText(root, "text/html"); found {
			text, ok = htmlText(html), true
		}
	}
	if !ok {
		return NoTextBody
	}
	text = truncate(Clean(text), MaxBodyRunes)
	if text == "" {
		return NoTextBody
	}
	return text
}

func leafText(root Node, mimeType string) (string, bool) {
	leaf, ok := firstLeaf(root, isBody(mimeType))
	if !ok {
		return "", false
	}
	data, ok := decodeData(leaf.Data)
	if !ok {
		return "", false
	}
	return decodeCharset(data, leaf.Charset), true
}

// truncate cuts s to at most n runes on a rune boundary.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return strings.TrimSpace(s[:pos])
		}
		i++
	}
	return s
}
