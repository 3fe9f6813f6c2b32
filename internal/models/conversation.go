package models

import "time"

// DefaultConversationTitle is used when a conversation is created without a title.
const DefaultConversationTitle = "New conversation"

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

type Conversation struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Title         string     `json:"title"`
	SystemPrompt  string     `json:"system_prompt,omitempty"`
	ModelID       string     `json:"model_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at"`
}

// ConversationPatch holds the fields of a partial conversation update.
// Nil fields are left untouched.
type ConversationPatch struct {
	Title        *string `json:"title,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	ModelID      *string `json:"model_id,omitempty"`
}

// Page is one newest-first slice of a conversation's history.
type Page struct {
	Messages      []Message `json:"messages"`
	Total         int       `json:"total"`
	NextPageToken *string   `json:"next_page_token"`
}

// ChatMessage is the subset of a message forwarded to the completion service.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}
