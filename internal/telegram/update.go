package telegram

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
)

// SecretTokenHeader carries the secret registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Update is the subset of a webhook update this service reads.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// CallbackQuery is an inline-button press.
type CallbackQuery struct {
	ID      string       `json:"id"`
	From    User         `json:"from"`
	Message *ChatMessage `json:"message,omitempty"`
	Data    string       `json:"data"`
}

// User is the account that pressed a button.
type User struct {
	ID int64 `json:"id"`
}

// ChatMessage is the message a button was attached to. Text is the plain
// rendering without markup.
type ChatMessage struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// DecodeUpdate parses a webhook body.
func DecodeUpdate(body []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}

// VerifySecret reports whether got matches the webhook secret. An empty want
// disables the check.
func VerifySecret(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
