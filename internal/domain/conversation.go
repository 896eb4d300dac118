package domain

import "time"

// Message is a single persisted message inside a conversation. Messages are
// authored either by the user or by the avatar persona (IsUser=false).
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	AvatarName     string    `json:"avatarName"`
	Content        string    `json:"content"`
	IsUser         bool      `json:"isUser"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationActivity tracks when a conversation last saw a message and
// whether a re-engagement message has been dispatched for the current
// silence period. NotificationSent re-arms (returns to false) when the user
// sends a new message.
type ConversationActivity struct {
	ConversationID   string
	UserID           string
	AvatarID         string
	LastMessageAt    time.Time
	NotificationSent bool
}

// AvatarProfile carries the persona traits that drive template selection.
// Category may be empty, meaning the avatar has no specific category.
type AvatarProfile struct {
	AvatarID    string
	Name        string
	Personality string
	Tone        string
	Category    string
}

// ScanReport aggregates the outcome of one re-engagement scan. Total is the
// number of silent candidates found; Processed counts successful dispatches.
// Errors holds one entry per failed candidate so a partial batch still
// reports what went through.
type ScanReport struct {
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Errors    []string `json:"errors,omitempty"`
}
