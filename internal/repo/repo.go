package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"steeltrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const connectionCols = `id,code,project_id,type,subtype,topology,description,details_json,state,requester_id,executor_id,approver_id,rejection_detail,version,created_at,updated_at`

func scanConnection(scan func(...any) error) (domain.Connection, error) {
	var c domain.Connection
	var details, executor, approver, rejection sql.NullString
	err := scan(&c.ID, &c.Code, &c.ProjectID, &c.Type, &c.Subtype, &c.Topology, &c.Description,
		&details, &c.State, &c.RequesterID, &executor, &approver, &rejection, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if details.Valid {
		c.DetailsJSON = &details.String
	}
	if executor.Valid {
		c.ExecutorID = &executor.String
	}
	if approver.Valid {
		c.ApproverID = &approver.String
	}
	if rejection.Valid {
		c.RejectionDetail = &rejection.String
	}
	return c, nil
}

func (r Repo) InsertConnectionTx(ctx context.Context, tx *sql.Tx, c domain.Connection) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO connections(id,code,project_id,type,subtype,topology,description,details_json,state,requester_id,executor_id,approver_id,rejection_detail,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Code, c.ProjectID, c.Type, c.Subtype, c.Topology, c.Description, nullableStringPtr(c.DetailsJSON),
		c.State, c.RequesterID, nullableStringPtr(c.ExecutorID), nullableStringPtr(c.ApproverID), nullableStringPtr(c.RejectionDetail),
		c.Version, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetConnection(ctx context.Context, id string) (domain.Connection, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+connectionCols+` FROM connections WHERE id=?`, id)
	return scanConnection(row.Scan)
}

func (r Repo) GetConnectionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Connection, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+connectionCols+` FROM connections WHERE id=?`, id)
	return scanConnection(row.Scan)
}

func (r Repo) GetConnectionByCode(ctx context.Context, code string) (domain.Connection, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+connectionCols+` FROM connections WHERE code=?`, code)
	return scanConnection(row.Scan)
}

// CodeExistsTx reports whether a connection code is already taken.
func (r Repo) CodeExistsTx(ctx context.Context, tx *sql.Tx, code string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM connections WHERE code=?`, code).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

type ConnectionFilters struct {
	ProjectID       string
	State           string
	RequesterID     string
	ExecutorID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListConnections(ctx context.Context, f ConnectionFilters) ([]domain.Connection, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.ExecutorID != "" {
		clauses = append(clauses, "executor_id=?")
		args = append(args, f.ExecutorID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + connectionCols + ` FROM connections ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

// UpdateConnectionTx writes the mutable connection fields, guarded by a
// compare-and-swap on the version read earlier in the same operation. Zero
// affected rows means another writer got there first.
func (r Repo) UpdateConnectionTx(ctx context.Context, tx *sql.Tx, c domain.Connection, expectedVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE connections SET state=?, executor_id=?, approver_id=?, rejection_detail=?, description=?, details_json=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		c.State, nullableStringPtr(c.ExecutorID), nullableStringPtr(c.ApproverID), nullableStringPtr(c.RejectionDetail),
		c.Description, nullableStringPtr(c.DetailsJSON), c.UpdatedAt, c.ID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,description,creator_id,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Description, nullableStringPtr(p.CreatorID), p.CreatedAt)
	return err
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var creator sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Description, &creator, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if creator.Valid {
		p.CreatorID = &creator.String
	}
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,description,creator_id,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectByName(ctx context.Context, name string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,description,creator_id,created_at FROM projects WHERE name=?`, name))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return r.listProjects(ctx, `SELECT id,name,description,creator_id,created_at FROM projects ORDER BY created_at DESC`)
}

// ListProjectsForUser returns the projects the user is a member of.
func (r Repo) ListProjectsForUser(ctx context.Context, userID string) ([]domain.Project, error) {
	return r.listProjects(ctx, `SELECT p.id,p.name,COALESCE(p.description,'') AS description,p.creator_id,p.created_at
FROM projects p JOIN project_users pu ON pu.project_id=p.id
WHERE pu.user_id=? ORDER BY p.created_at DESC`, userID)
}

func (r Repo) listProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var creator sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &creator, &p.CreatedAt); err != nil {
			return nil, err
		}
		if creator.Valid {
			p.CreatorID = &creator.String
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) AddProjectMember(ctx context.Context, projectID, userID, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO project_users(project_id,user_id,added_at) VALUES (?,?,?)`, projectID, userID, now)
	return err
}

func (r Repo) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM project_users WHERE project_id=? AND user_id=?`, projectID, userID)
	return err
}

func (r Repo) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM project_users WHERE project_id=? AND user_id=?`, projectID, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) IsProjectMemberTx(ctx context.Context, tx *sql.Tx, projectID, userID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM project_users WHERE project_id=? AND user_id=?`, projectID, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ProjectMemberIDs returns user IDs of all members of a project.
func (r Repo) ProjectMemberIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id FROM project_users WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
