package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/beaconlabs/beacon/internal/message"
	"github.com/beaconlabs/beacon/internal/notification"
	"github.com/beaconlabs/beacon/internal/user"
)

type messageRepo struct {
	db *sql.DB
}

func (r *messageRepo) Save(ctx context.Context, msg message.Message) error {
	if msg.ID == "" || msg.SenderID == "" || msg.ReceiverID == "" || msg.SentAt.IsZero() {
		return fmt.Errorf("message id, sender_id, receiver_id, and sent_at are required")
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO messages (id, sender_id, receiver_id, body, sent_at, read)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Text, msg.SentAt, msg.Read)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *messageRepo) Get(ctx context.Context, id message.ID) (message.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, sender_id, receiver_id, body, sent_at, read
		FROM messages WHERE id = $1`, id)
	var msg message.Message
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Text, &msg.SentAt, &msg.Read); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return message.Message{}, ErrNotFound
		}
		return message.Message{}, fmt.Errorf("select message by id: %w", err)
	}
	return msg, nil
}

func (r *messageRepo) ListForIdentity(ctx context.Context, identity user.ID) ([]message.Message, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, sender_id, receiver_id, body, sent_at, read
		FROM messages WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY sent_at ASC, id ASC`, identity)
	if err != nil {
		return nil, fmt.Errorf("select messages for identity: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *messageRepo) ListConversation(ctx context.Context, a, b user.ID) ([]message.Message, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, sender_id, receiver_id, body, sent_at, read
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY sent_at ASC, id ASC`, a, b)
	if err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *messageRepo) MarkRead(ctx context.Context, id message.ID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET read = TRUE WHERE id = $1 AND read = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("mark message read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark message read rows: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	// Already read, or never existed.
	var exists bool
	row := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check message exists: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func scanMessages(rows *sql.Rows) ([]message.Message, error) {
	var msgs []message.Message
	for rows.Next() {
		var msg message.Message
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Text, &msg.SentAt, &msg.Read); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

type notificationRepo struct {
	db *sql.DB
}

func (r *notificationRepo) Save(ctx context.Context, n notification.Notification) error {
	if n.ID == "" || n.Type == "" || n.SenderID == "" || n.RecipientID == "" || n.CreatedAt.IsZero() {
		return fmt.Errorf("notification id, kind, sender_id, recipient_id, and created_at are required")
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO notifications
		(id, kind, sender_id, sender_name, recipient_id, post_id, comment_text, message_preview, created_at, read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.Type, n.SenderID, n.SenderName, n.RecipientID, n.PostID, n.CommentText, n.MessagePreview, n.CreatedAt, n.Read)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *notificationRepo) ListUnread(ctx context.Context, recipient user.ID, limit int) ([]notification.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, kind, sender_id, sender_name, recipient_id, post_id, comment_text, message_preview, created_at, read
		FROM notifications WHERE recipient_id = $1 AND read = FALSE
		ORDER BY created_at DESC, id DESC LIMIT $2`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("select unread notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *notificationRepo) ListRecent(ctx context.Context, recipient user.ID, limit int) ([]notification.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, kind, sender_id, sender_name, recipient_id, post_id, comment_text, message_preview, created_at, read
		FROM notifications WHERE recipient_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *notificationRepo) MarkRead(ctx context.Context, id notification.ID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

func (r *notificationRepo) MarkAllRead(ctx context.Context, recipient user.ID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE recipient_id = $1 AND read = FALSE`, recipient)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func scanNotifications(rows *sql.Rows) ([]notification.Notification, error) {
	var items []notification.Notification
	for rows.Next() {
		var n notification.Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.SenderID, &n.SenderName, &n.RecipientID, &n.PostID, &n.CommentText, &n.MessagePreview, &n.CreatedAt, &n.Read); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}
