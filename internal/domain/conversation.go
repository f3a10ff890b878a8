package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// Mode is the per-conversation routing state.
type Mode string

const (
	ModeAutomatic Mode = "automatic"
	ModeManual    Mode = "manual"
)

// ParseMode maps a stored mode value to a Mode. Unknown or empty values are
// treated as automatic, the initial state of every conversation.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeManual)) {
		return ModeManual
	}
	return ModeAutomatic
}

// Conversation is a single visitor chat session correlated with one operator
// channel thread.
type Conversation struct {
	ID            string
	StoreRecordID string
	ThreadHandle  string
	Mode          Mode
	Visitor       string
	CreatedAt     time.Time
}
