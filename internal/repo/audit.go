package repo

import (
	"context"
	"database/sql"
	"strings"

	"steeltrack/internal/domain"
)

func (r Repo) InsertAudit(ctx context.Context, e domain.AuditEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO audit_log(user_id,action,object_type,object_id,detail,ts) VALUES (?,?,?,?,?,?)`,
		nullableStringPtr(e.UserID), e.Action, e.ObjectType, nullableStringPtr(e.ObjectID), nullableStringPtr(e.Detail), e.TS)
	return err
}

type AuditFilters struct {
	Actions []string
	UserID  string
	Limit   int
	Cursor  int64
}

func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.Actions) > 0 {
		clauses = append(clauses, "action IN ("+placeholders(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, a)
		}
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,user_id,action,object_type,object_id,detail,ts FROM audit_log ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
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
		var userID, objectID, detail sql.NullString
		if err := rows.Scan(&e.ID, &userID, &e.Action, &e.ObjectType, &objectID, &detail, &e.TS); err != nil {
			return nil, err
		}
		if userID.Valid {
			e.UserID = &userID.String
		}
		if objectID.Valid {
			e.ObjectID = &objectID.String
		}
		if detail.Valid {
			e.Detail = &detail.String
		}
		res = append(res, e)
	}
	return res, nil
}

func (r Repo) InsertComment(ctx context.Context, c domain.Comment) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO comments(connection_id,user_id,content,created_at) VALUES (?,?,?,?)`,
		c.ConnectionID, c.UserID, c.Content, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListComments(ctx context.Context, connectionID string) ([]domain.Comment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,connection_id,user_id,content,created_at FROM comments WHERE connection_id=? ORDER BY id DESC`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.ConnectionID, &c.UserID, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}
