package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"quotedesk.org/internal/notify"
)

// NotificationStore implements notify.Store on the same database.
type NotificationStore struct {
	db *sql.DB
}

var _ notify.Store = (*NotificationStore)(nil)

// NewNotificationStore wraps a connection pool, typically Store.DB().
func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func (s *NotificationStore) Insert(ctx context.Context, n notify.Notification) (notify.Notification, error) {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return notify.Notification{}, fmt.Errorf("encode notification data: %w", err)
	}
	if n.Data == nil {
		data = []byte(`{}`)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into admin_notifications(id, recipient_id, type, title, message, data, action_url, is_read, created_at)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),false,$8)
	`, n.ID, n.RecipientID, n.Type, n.Title, n.Message, data, n.ActionURL, n.CreatedAt)
	if err != nil {
		return notify.Notification{}, err
	}
	return n, nil
}

func (s *NotificationStore) List(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]notify.Notification, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx, `
		select id, recipient_id, type, title, message, data, coalesce(action_url,''), is_read, created_at
		from admin_notifications
		where (recipient_id=$1 or recipient_id=$2) and ($3 = false or is_read = false)
		order by created_at desc limit $4 offset $5
	`, recipientID, notify.RecipientAll, unreadOnly, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.Notification
	for rows.Next() {
		var n notify.Notification
		var data []byte
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &data,
			&n.ActionURL, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("decode notification data: %w", err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *NotificationStore) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		select count(*) from admin_notifications
		where (recipient_id=$1 or recipient_id=$2) and is_read = false
	`, recipientID, notify.RecipientAll).Scan(&n)
	return n, err
}

func (s *NotificationStore) MarkRead(ctx context.Context, id string) (notify.Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		update admin_notifications set is_read = true where id=$1
		returning id, recipient_id, type, title, message, data, coalesce(action_url,''), is_read, created_at
	`, id)

	var n notify.Notification
	var data []byte
	err := row.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &data,
		&n.ActionURL, &n.IsRead, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Notification{}, notify.ErrNotFound
	}
	if err != nil {
		return notify.Notification{}, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return notify.Notification{}, fmt.Errorf("decode notification data: %w", err)
		}
	}
	return n, nil
}

func (s *NotificationStore) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update admin_notifications set is_read = true
		where (recipient_id=$1 or recipient_id=$2) and is_read = false
	`, recipientID, notify.RecipientAll)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *NotificationStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from admin_notifications where id=$1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notify.ErrNotFound
	}
	return nil
}
