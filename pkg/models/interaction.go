package models

import "time"

// Interaction is the durable-history record handed to the optional
// persistence hook. The in-memory registries remain authoritative; a
// lost interaction record is a warning, never an error.
type Interaction struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	UserID   string    `json:"user_id,omitempty"`
	ChatID   string    `json:"chat_id,omitempty"`
	ThreadID string    `json:"thread_id,omitempty"`
	TS       time.Time `json:"ts"`
	Detail   any       `json:"detail,omitempty"`
}
