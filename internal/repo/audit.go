package repo

import (
	"context"
	"database/sql"

	"pipeyard/internal/domain"
)

type AuditFilters struct {
	EntityKind string
	EntityID   string
	ActorID    string
	Limit      int
}

// ListAudit returns audit entries oldest first.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	query := `SELECT id, ts, actor_id, action, entity_kind, entity_id, detail_json FROM audit_entries WHERE 1=1`
	var args []any
	if f.EntityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		query += ` AND entity_id=?`
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		query += ` AND actor_id=?`
		args = append(args, f.ActorID)
	}
	query += ` ORDER BY ts, rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.ActorID, &e.Action, &e.EntityKind, &e.EntityID, &e.Detail); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

const notificationColumns = `id, ts, type, entity_kind, entity_id, payload_json, attempts, delivered_at, last_error`

func scanNotification(s rowScanner) (domain.NotificationIntent, error) {
	var n domain.NotificationIntent
	var delivered, lastErr sql.NullString
	if err := s.Scan(&n.ID, &n.TS, &n.Type, &n.EntityKind, &n.EntityID, &n.Payload, &n.Attempts, &delivered, &lastErr); err != nil {
		return n, err
	}
	n.DeliveredAt = stringPtr(delivered)
	n.LastError = stringPtr(lastErr)
	return n, nil
}

// PendingNotifications returns undelivered intents after the cursor, in
// queue order, skipping those that exhausted maxAttempts.
func (r Repo) PendingNotifications(ctx context.Context, afterID int64, maxAttempts, limit int) ([]domain.NotificationIntent, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE delivered_at IS NULL AND id > ?`
	args := []any{afterID}
	if maxAttempts > 0 {
		query += ` AND attempts < ?`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryNotifications(ctx, query, args...)
}

// ListNotifications returns the queue in id order, delivered or not.
func (r Repo) ListNotifications(ctx context.Context, entityID string) ([]domain.NotificationIntent, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id`
	return r.queryNotifications(ctx, query, args...)
}

func (r Repo) queryNotifications(ctx context.Context, query string, args ...any) ([]domain.NotificationIntent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationIntent
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationDelivered(ctx context.Context, id int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET delivered_at=?, attempts=attempts+1, last_error=NULL WHERE id=?`, now, id)
	return err
}

func (r Repo) MarkNotificationFailed(ctx context.Context, id int64, msg string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1, last_error=? WHERE id=?`, msg, id)
	return err
}
