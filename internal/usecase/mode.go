package usecase

import (
	"strings"

	"persona-relay/internal/domain"
)

// Transition is the effect of one operator message on a conversation's mode.
type Transition struct {
	From         domain.Mode
	To           domain.Mode
	Reactivation bool
}

// Changed reports whether the mode has to be written.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// IsReactivation reports whether an operator message is the keyword that
// hands a conversation back to the automated responder.
func IsReactivation(text, keyword string) bool {
	keyword = strings.TrimSpace(keyword)
	return keyword != "" && strings.EqualFold(strings.TrimSpace(text), keyword)
}

// Decide applies an operator message to the current mode. Any message other
// than the keyword seizes control; the keyword releases it. Visitor turns
// never go through here.
func Decide(current domain.Mode, text, keyword string) Transition {
	t := Transition{From: current, To: domain.ModeManual}
	if IsReactivation(text, keyword) {
		t.To = domain.ModeAutomatic
		t.Reactivation = true
	}
	return t
}
