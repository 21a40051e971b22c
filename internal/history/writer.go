package history

import (
	"context"
	"database/sql"
	"time"

	"steeltrack/internal/domain"
)

// Writer appends timeline rows inside the caller's transaction, so a state
// write and its history row commit or roll back together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, connectionID, userID, state string, detail *string) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO history(connection_id,user_id,state,detail,ts) VALUES (?,?,?,?,?)`,
		connectionID, userID, state, nullable(detail), ts)
	return err
}

// List returns a connection's timeline, newest first.
func (w Writer) List(ctx context.Context, connectionID string) ([]domain.HistoryRecord, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT id,connection_id,user_id,state,detail,ts FROM history WHERE connection_id=? ORDER BY id DESC`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryRecord
	for rows.Next() {
		var h domain.HistoryRecord
		var detail sql.NullString
		if err := rows.Scan(&h.ID, &h.ConnectionID, &h.UserID, &h.State, &detail, &h.TS); err != nil {
			return nil, err
		}
		if detail.Valid {
			h.Detail = &detail.String
		}
		res = append(res, h)
	}
	return res, nil
}

func nullable(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
