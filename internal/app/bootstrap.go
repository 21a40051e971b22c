package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steeltrack/internal/domain"
	"steeltrack/internal/repo"
)

var roleDescriptions = map[string]string{
	domain.RoleRequester: "Requests connections",
	domain.RoleExecutor:  "Executes requested connections",
	domain.RoleApprover:  "Approves or rejects completed connections",
	domain.RoleAdmin:     "Full access",
}

// Seed inserts the role catalog and, when missing, a bootstrap admin user.
// Safe to run repeatedly.
func Seed(ctx context.Context, r repo.Repo, adminUsername, adminEmail string) (domain.User, error) {
	for _, role := range domain.AllRoles {
		if err := r.InsertRole(ctx, role, roleDescriptions[role]); err != nil {
			return domain.User{}, fmt.Errorf("seed role %s: %w", role, err)
		}
	}
	if adminUsername == "" {
		adminUsername = "admin"
	}
	admin, err := r.GetUserByUsername(ctx, adminUsername)
	if err == nil {
		if err := r.GrantRole(ctx, admin.ID, domain.RoleAdmin); err != nil {
			return admin, err
		}
		return admin, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	admin = domain.User{
		ID:        uuid.New().String(),
		Username:  adminUsername,
		FullName:  "Administrator",
		Email:     adminEmail,
		Active:    true,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertUser(ctx, admin); err != nil {
		return domain.User{}, fmt.Errorf("seed admin: %w", err)
	}
	if err := r.GrantRole(ctx, admin.ID, domain.RoleAdmin); err != nil {
		return domain.User{}, err
	}
	return admin, nil
}

// ResolveProject picks the project to act on: an explicit name or ID first,
// otherwise the single existing project.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (domain.Project, error) {
	if override != "" {
		p, err := r.GetProject(ctx, override)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, err
		}
		p, err = r.GetProjectByName(ctx, override)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, fmt.Errorf("project %s not found", override)
		}
		return p, err
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, fmt.Errorf("no projects exist; create one with stk project create")
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}
