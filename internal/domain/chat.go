package domain

import "time"

// ChatMessage is one turn of the conversational exchange carried over a
// Run; it is append-only per Run and capped at a most-recent window by the
// StateStore.
type ChatMessage struct {
	Role        ChatRole
	Content     string
	TimestampMs int64
}

// NewChatMessage builds a ChatMessage stamped with the current time.
func NewChatMessage(role ChatRole, content string) ChatMessage {
	return ChatMessage{
		Role:        role,
		Content:     content,
		TimestampMs: time.Now().UTC().UnixMilli(),
	}
}

// UserMessage builds a user-role ChatMessage.
func UserMessage(content string) ChatMessage { return NewChatMessage(ChatRoleUser, content) }

// AssistantMessage builds an assistant-role ChatMessage.
func AssistantMessage(content string) ChatMessage { return NewChatMessage(ChatRoleAssistant, content) }

// SystemMessage builds a system-role ChatMessage.
func SystemMessage(content string) ChatMessage { return NewChatMessage(ChatRoleSystem, content) }
