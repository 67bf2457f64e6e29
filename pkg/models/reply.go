package models

import "time"

// MessageReply is an immutable parent->child edge in the reply graph.
// DepthLevel is computed at creation, cycle-guarded and capped.
type MessageReply struct {
	ReplyID           string    `json:"reply_id"`
	ParentMessageID   string    `json:"parent_message_id"`
	ReplyingMessageID string    `json:"replying_message_id"`
	UserID            string    `json:"user_id"`
	QuotedText        string    `json:"quoted_text,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	IsThreadStarter   bool      `json:"is_thread_starter"`
	DepthLevel        uint32    `json:"depth_level"`
}
