package repo

import (
	"context"
	"database/sql"

	"steeltrack/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,username,full_name,email,active,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Username, u.FullName, u.Email, boolInt(u.Active), u.CreatedAt)
	return err
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var active int
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Active = active != 0
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,username,full_name,email,active,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,username,full_name,email,active,created_at FROM users WHERE username=?`, username))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,username,full_name,email,active,created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var active int
		if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &u.Email, &active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Active = active != 0
		res = append(res, u)
	}
	return res, nil
}

func (r Repo) SetUserActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRole(ctx context.Context, name, desc string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO roles(name, description) VALUES (?,?)`, name, desc)
	return err
}

func (r Repo) GrantRole(ctx context.Context, userID, role string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(user_id, role) VALUES (?,?)`, userID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, userID, role string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=? AND role=?`, userID, role)
	return err
}

func (r Repo) UserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=? ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// ProjectRecipients resolves active project members holding at least one of
// the given roles, with their email preference joined in. Membership is
// required for every role, admins included.
func (r Repo) ProjectRecipients(ctx context.Context, projectID string, roles []string) ([]domain.Recipient, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	args := []any{projectID}
	for _, role := range roles {
		args = append(args, role)
	}
	query := `SELECT DISTINCT u.id, u.email, COALESCE(np.email_on_state, 1)
FROM users u
JOIN user_roles ur ON ur.user_id=u.id
JOIN project_users pu ON pu.user_id=u.id AND pu.project_id=?
LEFT JOIN notification_prefs np ON np.user_id=u.id
WHERE u.active=1
  AND ur.role IN (` + placeholders(len(roles)) + `)
ORDER BY u.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recipient
	for rows.Next() {
		var rec domain.Recipient
		var optIn int
		if err := rows.Scan(&rec.UserID, &rec.Email, &optIn); err != nil {
			return nil, err
		}
		rec.EmailOptIn = optIn != 0
		res = append(res, rec)
	}
	return res, nil
}

// SetEmailPref upserts the per-user email notification preference.
func (r Repo) SetEmailPref(ctx context.Context, userID string, enabled bool) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_prefs(user_id,email_on_state) VALUES (?,?)
ON CONFLICT(user_id) DO UPDATE SET email_on_state=excluded.email_on_state`, userID, boolInt(enabled))
	return err
}

func (r Repo) EmailPref(ctx context.Context, userID string) (bool, error) {
	var enabled int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(email_on_state,1) FROM notification_prefs WHERE user_id=?`, userID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return enabled != 0, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
