package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const notificationColumns = "id, job_id, session_id, worker_id, handler_id, event_type, summary, status, created_at, notified_at"

func scanNotification(row interface{ Scan(...any) error }) (*InboundEventNotification, error) {
	var n InboundEventNotification
	var created string
	var notified sql.NullString
	err := row.Scan(&n.ID, &n.JobID, &n.SessionID, &n.WorkerID, &n.HandlerID,
		&n.EventType, &n.Summary, &n.Status, &created, &notified)
	if err != nil {
		return nil, err
	}
	n.CreatedAt = parseTime(created)
	n.NotifiedAt = scanNullTime(notified)
	return &n, nil
}

// CreatePendingNotification records a delivery target. The composite
// (job_id, session_id, worker_id, handler_id) key is unique; a
// duplicate creation attempt is an idempotent no-op that returns the
// existing row.
func (s *Store) CreatePendingNotification(ctx context.Context, n *InboundEventNotification) (*InboundEventNotification, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.Status = NotificationPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_event_notifications (id, job_id, session_id, worker_id, handler_id, event_type, summary, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, session_id, worker_id, handler_id) DO NOTHING`,
		n.ID, n.JobID, n.SessionID, n.WorkerID, n.HandlerID,
		n.EventType, n.Summary, n.Status, fmtTime(n.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create pending notification: %w", err)
	}

	row, err := scanNotification(s.db.QueryRowContext(ctx,
		"SELECT "+notificationColumns+` FROM inbound_event_notifications
		WHERE job_id = ? AND session_id = ? AND worker_id = ? AND handler_id = ?`,
		n.JobID, n.SessionID, n.WorkerID, n.HandlerID))
	if err != nil {
		return nil, fmt.Errorf("read notification: %w", err)
	}
	return row, nil
}

// MarkNotificationDelivered flips a pending notification to delivered
// with a notified_at timestamp.
func (s *Store) MarkNotificationDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbound_event_notifications
		SET status = ?, notified_at = ?
		WHERE id = ?`,
		NotificationDelivered, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark notification delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindNotificationByID returns the notification or ErrNotFound.
func (s *Store) FindNotificationByID(ctx context.Context, id string) (*InboundEventNotification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		"SELECT "+notificationColumns+" FROM inbound_event_notifications WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find notification: %w", err)
	}
	return n, nil
}

// FindAllNotifications lists every notification row, oldest first.
func (s *Store) FindAllNotifications(ctx context.Context) ([]*InboundEventNotification, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+notificationColumns+" FROM inbound_event_notifications ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*InboundEventNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
