package domain

import "time"

// NotificationItem is the ephemeral client-side view of a dispatched
// re-engagement message. It exists only inside a user session; dismissing
// or reading it never writes back to the store.
type NotificationItem struct {
	ID         string
	AvatarName string
	Content    string
	CreatedAt  time.Time
}

// ItemFromMessage builds the notification view of a message.
func ItemFromMessage(m Message) NotificationItem {
	return NotificationItem{
		ID:         m.ID,
		AvatarName: m.AvatarName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}
