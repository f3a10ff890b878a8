package domain

// ChannelEvent is an inbound operator-channel event after signature
// verification and envelope parsing.
type ChannelEvent struct {
	EventID      string
	Type         string
	Subtype      string
	Text         string
	Channel      string
	ThreadHandle string
	SenderIsSelf bool
}

// IsThreadReply reports whether the event is a plain human message posted
// inside a thread, the only kind that can drive a conversation.
func (e ChannelEvent) IsThreadReply() bool {
	return e.Type == "message" && e.Subtype == "" && !e.SenderIsSelf && e.ThreadHandle != ""
}
