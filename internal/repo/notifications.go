package repo

import (
	"context"
	"database/sql"

	"steeltrack/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	var connID any
	if n.ConnectionID != nil {
		connID = *n.ConnectionID
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(user_id,message,url,connection_id,is_read,created_at) VALUES (?,?,?,?,?,?)`,
		n.UserID, n.Message, n.URL, connID, boolInt(n.Read), n.CreatedAt)
	return err
}

type NotificationFilters struct {
	UserID     string
	UnreadOnly bool
	Limit      int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	query := `SELECT id,user_id,message,url,connection_id,is_read,created_at FROM notifications WHERE user_id=?`
	args := []any{f.UserID}
	if f.UnreadOnly {
		query += ` AND is_read=0`
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var connID sql.NullString
		var read int
		if err := rows.Scan(&n.ID, &n.UserID, &n.Message, &n.URL, &connID, &read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if connID.Valid {
			n.ConnectionID = &connID.String
		}
		n.Read = read != 0
		res = append(res, n)
	}
	return res, nil
}

// MarkAllNotificationsRead marks every unread notification of a user as read
// and reports how many rows changed.
func (r Repo) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE user_id=? AND is_read=0`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM notifications WHERE user_id=? AND is_read=0`, userID).Scan(&n)
	return n, err
}
