package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"steeltrack/internal/audit"
	"steeltrack/internal/config"
	"steeltrack/internal/domain"
	"steeltrack/internal/history"
	"steeltrack/internal/notify"
	"steeltrack/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Writer
	Audit   audit.Recorder
	Notify  *notify.Dispatcher
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	e := Engine{
		DB:      db,
		Repo:    r,
		History: history.Writer{DB: db},
		Audit:   audit.Recorder{Repo: r},
		Notify:  &notify.Dispatcher{Repo: r, BaseURL: cfg.Server.BaseURL},
		Config:  cfg,
	}
	return e.WithClock(time.Now)
}

// WithClock returns a copy of the engine where every component that stamps
// rows shares the given clock. History, audit and notification timestamps
// stay consistent with the engine's own.
func (e Engine) WithClock(clock func() time.Time) Engine {
	e.Now = clock
	e.History.Now = clock
	e.Audit.Now = clock
	if e.Notify != nil {
		e.Notify.Now = clock
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Actor is the authenticated caller: identity plus the roles resolved when
// the session was established.
type Actor struct {
	ID    string
	Roles []string
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Actor) IsAdmin() bool { return a.HasRole(domain.RoleAdmin) }

// requireMember enforces project membership for non-admin actors.
func (e Engine) requireMember(ctx context.Context, projectID string, actor Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	ok, err := e.Repo.IsProjectMember(ctx, projectID, actor.ID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPermitted
	}
	return nil
}

// CreateOptions are parameters for creating a connection.
type CreateOptions struct {
	ProjectID   string
	Type        string
	Subtype     string
	Topology    string
	Description string
	Profiles    []string
	Actor       Actor
}

func (e Engine) CreateConnection(ctx context.Context, opts CreateOptions) (domain.Connection, error) {
	if e.Config == nil {
		return domain.Connection{}, errors.New("config not loaded")
	}
	if opts.ProjectID == "" {
		return domain.Connection{}, &ValidationError{Field: "project", Reason: "required"}
	}
	if !opts.Actor.HasRole(domain.RoleRequester) && !opts.Actor.IsAdmin() {
		return domain.Connection{}, ErrNotPermitted
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Connection{}, err
	}
	if err := e.requireMember(ctx, opts.ProjectID, opts.Actor); err != nil {
		return domain.Connection{}, err
	}
	topo, ok := e.Config.Topology(opts.Type, opts.Subtype, opts.Topology)
	if !ok {
		return domain.Connection{}, &ValidationError{Field: "topology", Reason: fmt.Sprintf("unknown %s/%s/%s", opts.Type, opts.Subtype, opts.Topology)}
	}
	baseCode, err := topo.BuildCode(opts.Profiles)
	if err != nil {
		return domain.Connection{}, &ValidationError{Field: "profiles", Reason: err.Error()}
	}
	details := map[string]string{}
	for i := 0; i < topo.Profiles; i++ {
		details[fmt.Sprintf("profile_%d", i+1)] = opts.Profiles[i]
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return domain.Connection{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	detailsStr := string(detailsJSON)
	c := domain.Connection{
		ID:          uuid.New().String(),
		ProjectID:   opts.ProjectID,
		Type:        opts.Type,
		Subtype:     opts.Subtype,
		Topology:    opts.Topology,
		Description: opts.Description,
		DetailsJSON: &detailsStr,
		State:       domain.StateRequested,
		RequesterID: opts.Actor.ID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Connection{}, err
	}
	defer tx.Rollback()

	c.Code, err = e.uniqueCode(ctx, tx, baseCode)
	if err != nil {
		return domain.Connection{}, err
	}
	if err := e.Repo.InsertConnectionTx(ctx, tx, c); err != nil {
		return domain.Connection{}, fmt.Errorf("insert connection: %w", err)
	}
	creation := "Connection created."
	if err := e.History.Append(ctx, tx, c.ID, opts.Actor.ID, domain.StateRequested, &creation); err != nil {
		return domain.Connection{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Connection{}, err
	}

	e.Audit.Record(ctx, audit.ActionConnectionCreated, opts.Actor.ID, "connections", c.ID,
		fmt.Sprintf("Connection %s created.", c.Code))
	e.Notify.Notify(ctx, c, opts.Actor.ID,
		fmt.Sprintf("New connection %s is available.", c.Code), "",
		[]string{domain.RoleExecutor, domain.RoleAdmin})
	return c, nil
}

// uniqueCode appends -2, -3, ... until the code is free.
func (e Engine) uniqueCode(ctx context.Context, tx *sql.Tx, base string) (string, error) {
	code := base
	for i := 2; ; i++ {
		taken, err := e.Repo.CodeExistsTx(ctx, tx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
		code = fmt.Sprintf("%s-%d", base, i)
	}
}

// TransitionOptions are parameters for a lifecycle transition request.
type TransitionOptions struct {
	ConnectionID string
	Target       string
	Detail       string
	Actor        Actor
}

type transitionPlan struct {
	storedState string
	message     string
	auditAction string
	notifyMsg   string
	notifyRoles []string
}

// Transition applies one lifecycle step. The returned string is a short
// outcome message for the caller.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Connection, string, error) {
	c, err := e.Repo.GetConnection(ctx, opts.ConnectionID)
	if err != nil {
		return c, "", err
	}
	if err := e.requireMember(ctx, c.ProjectID, opts.Actor); err != nil {
		return c, "", err
	}

	plan, err := e.planTransition(&c, opts)
	if err != nil {
		return c, "", err
	}

	expected := c.Version
	c.State = plan.storedState
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, "", err
	}
	defer tx.Rollback()

	ok, err := e.Repo.UpdateConnectionTx(ctx, tx, c, expected)
	if err != nil {
		return c, "", err
	}
	if !ok {
		return c, "", ErrConcurrentModification
	}
	var detail *string
	if opts.Detail != "" {
		detail = &opts.Detail
	}
	if err := e.History.Append(ctx, tx, c.ID, opts.Actor.ID, opts.Target, detail); err != nil {
		return c, "", err
	}
	if err := tx.Commit(); err != nil {
		return c, "", err
	}
	c.Version = expected + 1

	e.Audit.Record(ctx, plan.auditAction, opts.Actor.ID, "connections", c.ID,
		fmt.Sprintf("Connection %s: %s.", c.Code, opts.Target))
	e.Notify.Notify(ctx, c, opts.Actor.ID, plan.notifyMsg, "", plan.notifyRoles)
	return c, plan.message, nil
}

// planTransition checks the transition table and mutates c with the target
// side effects. Role, membership and state failures all collapse into
// ErrNotPermitted.
func (e Engine) planTransition(c *domain.Connection, opts TransitionOptions) (transitionPlan, error) {
	actor := opts.Actor
	switch opts.Target {
	case domain.StateInProgress:
		if c.State != domain.StateRequested || (!actor.HasRole(domain.RoleExecutor) && !actor.IsAdmin()) {
			return transitionPlan{}, ErrNotPermitted
		}
		c.ExecutorID = &actor.ID
		return transitionPlan{
			storedState: domain.StateInProgress,
			message:     "connection taken",
			auditAction: audit.ActionConnectionTaken,
			notifyMsg:   fmt.Sprintf("Connection %s was taken for execution.", c.Code),
			notifyRoles: []string{domain.RoleRequester, domain.RoleAdmin},
		}, nil
	case domain.StateDone:
		assigned := c.ExecutorID != nil && *c.ExecutorID == actor.ID
		if c.State != domain.StateInProgress || (!assigned && !actor.IsAdmin()) {
			return transitionPlan{}, ErrNotPermitted
		}
		return transitionPlan{
			storedState: domain.StateDone,
			message:     "connection marked done",
			auditAction: audit.ActionConnectionCompleted,
			notifyMsg:   fmt.Sprintf("Connection %s is ready for approval.", c.Code),
			notifyRoles: []string{domain.RoleApprover, domain.RoleAdmin},
		}, nil
	case domain.StateApproved:
		if c.State != domain.StateDone || (!actor.HasRole(domain.RoleApprover) && !actor.IsAdmin()) {
			return transitionPlan{}, ErrNotPermitted
		}
		c.ApproverID = &actor.ID
		c.RejectionDetail = nil
		return transitionPlan{
			storedState: domain.StateApproved,
			message:     "connection approved",
			auditAction: audit.ActionConnectionApproved,
			notifyMsg:   fmt.Sprintf("Connection %s was approved.", c.Code),
			notifyRoles: []string{domain.RoleRequester, domain.RoleExecutor, domain.RoleAdmin},
		}, nil
	case domain.StateRejected:
		if c.State != domain.StateDone || (!actor.HasRole(domain.RoleApprover) && !actor.IsAdmin()) {
			return transitionPlan{}, ErrNotPermitted
		}
		if strings.TrimSpace(opts.Detail) == "" {
			return transitionPlan{}, &ValidationError{Field: "detail", Reason: "rejection requires a reason"}
		}
		// A rejection sends the work back: the stored state returns to
		// in_progress while history keeps the rejected label.
		c.RejectionDetail = &opts.Detail
		return transitionPlan{
			storedState: domain.StateInProgress,
			message:     "connection rejected, returned to execution",
			auditAction: audit.ActionConnectionRejected,
			notifyMsg:   fmt.Sprintf("Connection %s was rejected: %s", c.Code, opts.Detail),
			notifyRoles: []string{domain.RoleExecutor, domain.RoleAdmin},
		}, nil
	case domain.StateRequested:
		// A legal state label, but no transition leads back to it.
		return transitionPlan{}, ErrNotPermitted
	default:
		return transitionPlan{}, &ValidationError{Field: "state", Reason: fmt.Sprintf("unknown target %q", opts.Target)}
	}
}

// AssignOptions are parameters for assigning or reassigning an executor.
type AssignOptions struct {
	ConnectionID string
	UserID       string
	Actor        Actor
}

// AssignExecutor sets the executor directly. Allowed for admins, the
// requester, the current executor, or an approver while the connection sits
// in done. Assigning a requested connection also moves it to in_progress.
func (e Engine) AssignExecutor(ctx context.Context, opts AssignOptions) (domain.Connection, error) {
	c, err := e.Repo.GetConnection(ctx, opts.ConnectionID)
	if err != nil {
		return c, err
	}
	if err := e.requireMember(ctx, c.ProjectID, opts.Actor); err != nil {
		return c, err
	}
	if !e.mayAssign(c, opts.Actor) {
		return c, ErrNotPermitted
	}
	target, err := e.Repo.GetUser(ctx, opts.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return c, &ValidationError{Field: "user", Reason: "unknown user"}
		}
		return c, err
	}
	if !target.Active {
		return c, &ValidationError{Field: "user", Reason: "user is inactive"}
	}

	expected := c.Version
	reassigned := c.ExecutorID != nil
	c.ExecutorID = &target.ID
	writeHistory := false
	if c.State == domain.StateRequested {
		c.State = domain.StateInProgress
		writeHistory = true
	}
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.UpdateConnectionTx(ctx, tx, c, expected)
	if err != nil {
		return c, err
	}
	if !ok {
		return c, ErrConcurrentModification
	}
	if writeHistory {
		detail := fmt.Sprintf("Assigned to %s.", target.Username)
		if err := e.History.Append(ctx, tx, c.ID, opts.Actor.ID, domain.StateInProgress, &detail); err != nil {
			return c, err
		}
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	c.Version = expected + 1

	action := audit.ActionConnectionAssigned
	if reassigned {
		action = audit.ActionConnectionReassigned
	}
	e.Audit.Record(ctx, action, opts.Actor.ID, "connections", c.ID,
		fmt.Sprintf("Connection %s assigned to %s.", c.Code, target.Username))
	e.Notify.Notify(ctx, c, opts.Actor.ID,
		fmt.Sprintf("Connection %s was assigned to %s.", c.Code, target.Username), "",
		domain.AllRoles)
	return c, nil
}

func (e Engine) mayAssign(c domain.Connection, actor Actor) bool {
	if actor.IsAdmin() {
		return true
	}
	if c.RequesterID == actor.ID {
		return true
	}
	if c.ExecutorID != nil && *c.ExecutorID == actor.ID {
		return true
	}
	if actor.HasRole(domain.RoleApprover) && c.State == domain.StateDone {
		return true
	}
	return false
}

// AddComment appends a comment and notifies every project role.
func (e Engine) AddComment(ctx context.Context, connectionID string, actor Actor, content string) (domain.Comment, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Comment{}, &ValidationError{Field: "content", Reason: "comment must not be empty"}
	}
	c, err := e.Repo.GetConnection(ctx, connectionID)
	if err != nil {
		return domain.Comment{}, err
	}
	if err := e.requireMember(ctx, c.ProjectID, actor); err != nil {
		return domain.Comment{}, err
	}
	comment := domain.Comment{
		ConnectionID: c.ID,
		UserID:       actor.ID,
		Content:      content,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	comment.ID, err = e.Repo.InsertComment(ctx, comment)
	if err != nil {
		return domain.Comment{}, err
	}

	e.Audit.Record(ctx, audit.ActionCommentAdded, actor.ID, "comments", fmt.Sprintf("%d", comment.ID),
		fmt.Sprintf("Comment on connection %s.", c.Code))
	e.Notify.Notify(ctx, c, actor.ID,
		fmt.Sprintf("New comment on connection %s.", c.Code), "#comments",
		domain.AllRoles)
	return comment, nil
}

// MarkNotificationsRead marks every unread notification of the actor as read.
func (e Engine) MarkNotificationsRead(ctx context.Context, actor Actor) (int64, error) {
	n, err := e.Repo.MarkAllNotificationsRead(ctx, actor.ID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.Audit.Record(ctx, audit.ActionNotificationsRead, actor.ID, "notifications", "",
			fmt.Sprintf("%d notifications marked read.", n))
	}
	return n, nil
}
