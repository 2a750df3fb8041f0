// Package push decodes mailbox change notifications delivered by Pub/Sub
// push subscriptions.
package push

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned for a body that is not a usable notification.
var ErrMalformed = errors.New("malformed push notification")

// Notification identifies the mailbox that changed. It says nothing about
// what changed.
type Notification struct {
	// MessageID is the Pub/Sub delivery id, stable across redelivery.
	MessageID    string
	Subscription string
	EmailAddress string
	HistoryID    uint64
}

type envelope struct {
	Message *struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
		// Pub/Sub sends both spellings.
		MessageIDAlt string `json:"message_id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type payload struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// Decode parses a push body. Every failure wraps ErrMalformed.
func Decode(body []byte) (Notification, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if env.Message == nil || env.Message.Data == "" {
		return Notification{}, fmt.Errorf("%w: missing message data", ErrMalformed)
	}

	raw, err := decodeBase64(env.Message.Data)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	email := strings.TrimSpace(p.EmailAddress)
	if email == "" || !strings.Contains(email, "@") {
		return Notification{}, fmt.Errorf("%w: missing email address", ErrMalformed)
	}
	historyID, err := parseHistoryID(p.HistoryID)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: history id: %v", ErrMalformed, err)
	}

	id := env.Message.MessageID
	if id == "" {
		id = env.Message.MessageIDAlt
	}
	return Notification{
		MessageID:    id,
		Subscription: env.Subscription,
		EmailAddress: strings.ToLower(email),
		HistoryID:    historyID,
	}, nil
}

// parseHistoryID accepts a JSON number or a decimal string.
func parseHistoryID(raw json.RawMessage) (uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("missing")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	}
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errors.New("zero")
	}
	return id, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// VerifyToken reports whether got matches the configured push token. An
// empty want disables the check.
func VerifyToken(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
