package chat

import "time"

// Entry persists individual turns of a visitor's conversation for the embed
// transcript.
type Entry struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Role      string    `json:"role"`
	Message   Message   `json:"message"`
	Failed    bool      `json:"failed,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Roles recorded in a transcript.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)
