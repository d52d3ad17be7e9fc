package domain

import "time"

type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	IsGroup   bool // group/guild conversation rather than a direct chat
	Timestamp time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Format  string // text | markdown
}

// ConversationTarget returns the id a confirmation prompt is keyed on.
// Group chats use the group id so any authorized member can answer;
// direct chats use the sender.
func ConversationTarget(msg InboundMessage) string {
	if msg.IsGroup {
		return msg.ChatID
	}
	return msg.SenderID
}
