package dispatch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Callback actions carried in inline-button data.
const (
	ActionRemind = "remind"
	ActionCancel = "cancel"
)

// MaxRemindMinutes bounds a remind-me delay.
const MaxRemindMinutes = 7 * 24 * 60

// ErrBadCallback is returned for callback data this service did not issue.
var ErrBadCallback = errors.New("unrecognised callback data")

// Callback is decoded inline-button data.
type Callback struct {
	Action     string
	Minutes    int
	MessageID  string
	ReminderID string
}

// RemindCallback encodes a "remind me" button: remind:<minutes>:<messageId>.
func RemindCallback(minutes int, messageID string) string {
	return fmt.Sprintf("%s:%d:%s", ActionRemind, minutes, messageID)
}

// CancelCallback encodes a reminder cancel button: cancel:<reminderId>.
func CancelCallback(reminderID string) string {
	return ActionCancel + ":" + reminderID
}

// ParseCallback decodes callback data.
func ParseCallback(data string) (Callback, error) {
	action, rest, ok := strings.Cut(data, ":")
	if !ok {
		return Callback{}, ErrBadCallback
	}
	switch action {
	case ActionRemind:
		mins, msgID, ok := strings.Cut(rest, ":")
		if !ok || msgID == "" {
			return Callback{}, ErrBadCallback
		}
		n, err := strconv.Atoi(mins)
		if err != nil || n <= 0 || n > MaxRemindMinutes {
			return Callback{}, ErrBadCallback
		}
		return Callback{Action: ActionRemind, Minutes: n, MessageID: msgID}, nil
	case ActionCancel:
		if rest == "" {
			return Callback{}, ErrBadCallback
		}
		return Callback{Action: ActionCancel, ReminderID: rest}, nil
	}
	return Callback{}, ErrBadCallback
}
