package normalize

import (
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/jarrod-lowe/mail-alert-service/internal/gmail"
)

var (
	foldPattern   = regexp.MustCompile(`\r?\n[ \t]`)
	spacesPattern = regexp.MustCompile(`[ \t]{2,}`)
)

// Address is a parsed mailbox.
type Address struct {
	Name  string
	Email string
}

// String renders the address for display.
func (a Address) String() string {
	switch {
	case a.Name == "":
		return a.Email
	case a.Email == "":
		return a.Name
	}
	return a.Name + " <" + a.Email + ">"
}

// header returns the first value of the named header, case-insensitively.
func header(headers []gmail.Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// decodeText decodes RFC 2047 encoded words, unfolds and collapses
// whitespace, and normalises to NFC.
func decodeText(value string) string {
	if value == "" {
		return ""
	}
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		decoded = value
	}
	if !utf8.ValidString(decoded) {
		decoded = strings.ToValidUTF8(decoded, "\ufffd")
	}
	decoded = foldPattern.ReplaceAllString(decoded, " ")
	decoded = spacesPattern.ReplaceAllString(decoded, " ")
	return norm.NFC.String(strings.TrimSpace(decoded))
}

// parseAddresses parses an address list. An unparsable header is kept as a
// single display-only address so the alert still shows something.
func parseAddresses(value string) []Address {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	dec := mail.AddressParser{WordDecoder: new(mime.WordDecoder)}
	list, err := dec.ParseList(value)
	if err != nil {
		return []Address{{Name: decodeText(value)}}
	}
	out := make([]Address, len(list))
	for i, a := range list {
		out[i] = Address{Name: norm.NFC.String(a.Name), Email: a.Address}
	}
	return out
}

// parseMessageIDs splits a reference header on whitespace, keeping order.
// Angle brackets are stripped.
func parseMessageIDs(value string) []string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		id := strings.TrimSuffix(strings.TrimPrefix(f, "<"), ">")
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// parseDate reads an RFC 5322 date, falling back to the provider's
// internal date.
func parseDate(value string, fallback time.Time) time.Time {
	if value != "" {
		if t, err := mail.ParseDate(strings.TrimSpace(value)); err == nil {
			return t.UTC()
		}
	}
	return fallback.UTC()
}
