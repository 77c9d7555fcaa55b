package restapi

import "time"

// Notification is one row of the notifications feed.
type Notification struct {
	NotificationID string    `json:"notificationId"`
	Type           string    `json:"type,omitempty"`
	Preview        string    `json:"preview,omitempty"`
	RefID          string    `json:"refId,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitzero"`
	Read           bool      `json:"read"`
}

// ConversationSummary is one row of the conversation list, ordered
// most-recent-first by the server.
type ConversationSummary struct {
	ConversationID     string    `json:"conversationId"`
	Title              string    `json:"title,omitempty"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt,omitzero"`
	UnreadCount        int       `json:"unreadCount"`
}

// Pin states. A pin leaves the active list once it reaches a terminal state.
const (
	PinStateActive    = "ACTIVE"
	PinStateDone      = "DONE"
	PinStateCancelled = "CANCELLED"
	PinStateDismissed = "DISMISSED"
)

// Pin is a pinned item within a conversation.
type Pin struct {
	PinID          string    `json:"pinId"`
	ConversationID string    `json:"conversationId"`
	Preview        string    `json:"preview,omitempty"`
	State          string    `json:"state,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitzero"`
}

// Terminal reports whether the pin state removes it from the active list.
func (p Pin) Terminal() bool {
	switch p.State {
	case PinStateDone, PinStateCancelled, PinStateDismissed:
		return true
	}
	return false
}

// User is the authenticated session owner as reported by /api/me.
type User struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// ListOptions control cursor pagination. A zero Size uses the
// endpoint's default; an empty Cursor fetches the first page.
type ListOptions struct {
	Size   int
	Cursor string
}

// NotificationPage is the paginated notifications response.
type NotificationPage struct {
	Items      []Notification `json:"items"`
	NextCursor string         `json:"nextCursor"`
	HasNext    bool           `json:"hasNext"`
	HasUnread  bool           `json:"hasUnread"`
}

// ConversationPage is the paginated conversation list response.
type ConversationPage struct {
	Items      []ConversationSummary `json:"items"`
	NextCursor string                `json:"nextCursor"`
	HasNext    bool                  `json:"hasNext"`
}
