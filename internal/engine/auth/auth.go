package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Identity is a resolved caller: a user row plus the roles granted to it.
type Identity struct {
	UserID   string
	Username string
	Roles    []string
}

var ErrUnknownUser = errors.New("unknown user")

// Service resolves callers against the user store. The HTTP layer gets its
// roles from token claims; the CLI resolves them here.
type Service struct {
	DB *sql.DB
}

func (s Service) Resolve(ctx context.Context, username string) (Identity, error) {
	if username == "" {
		return Identity{}, errors.New("username required")
	}
	var id Identity
	var active int
	err := s.DB.QueryRowContext(ctx, `SELECT id, username, active FROM users WHERE username=?`, username).
		Scan(&id.UserID, &id.Username, &active)
	if err == sql.ErrNoRows {
		return Identity{}, ErrUnknownUser
	}
	if err != nil {
		return Identity{}, err
	}
	if active == 0 {
		return Identity{}, fmt.Errorf("user %s is inactive", username)
	}
	id.Roles, err = s.roles(ctx, id.UserID)
	return id, err
}

// ResolveID resolves by user ID instead of username.
func (s Service) ResolveID(ctx context.Context, userID string) (Identity, error) {
	var id Identity
	var active int
	err := s.DB.QueryRowContext(ctx, `SELECT id, username, active FROM users WHERE id=?`, userID).
		Scan(&id.UserID, &id.Username, &active)
	if err == sql.ErrNoRows {
		return Identity{}, ErrUnknownUser
	}
	if err != nil {
		return Identity{}, err
	}
	if active == 0 {
		return Identity{}, fmt.Errorf("user %s is inactive", id.Username)
	}
	id.Roles, err = s.roles(ctx, id.UserID)
	return id, err
}

func (s Service) roles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=? ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
