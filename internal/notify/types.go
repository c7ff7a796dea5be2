package notify

import (
	"context"
	"errors"
	"time"
)

// RecipientAll addresses a notification to every administrator rather than a
// single admin identity.
const RecipientAll = "admins"

// Notification is a state change made visible to operators.
type Notification struct {
	ID          string         `json:"id"`
	RecipientID string         `json:"recipient_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	ActionURL   string         `json:"action_url,omitempty"`
	IsRead      bool           `json:"is_read"`
	CreatedAt   time.Time      `json:"created_at"`
}

var ErrNotFound = errors.New("notification not found")

// Store persists admin notifications.
type Store interface {
	Insert(ctx context.Context, n Notification) (Notification, error)
	List(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]Notification, error)
	UnreadCount(ctx context.Context, recipientID string) (int64, error)
	MarkRead(ctx context.Context, id string) (Notification, error)
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
	Delete(ctx context.Context, id string) error
}
