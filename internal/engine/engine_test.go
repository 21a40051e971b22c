package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"steeltrack/internal/app"
	"steeltrack/internal/config"
	"steeltrack/internal/db"
	"steeltrack/internal/domain"
	"steeltrack/internal/engine"
	"steeltrack/internal/migrate"
	"steeltrack/internal/repo"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Requester engine.Actor
	Executor  engine.Actor
	Approver  engine.Actor
	Admin     engine.Actor
	ProjectID string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	admin, err := app.Seed(ctx, r, "admin", "admin@example.com")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	eng := engine.New(conn, config.Default()).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })

	now := "2026-03-01T12:00:00Z"
	project := domain.Project{ID: "p1", Name: "Bridge A", CreatedAt: now}
	if err := r.InsertProject(ctx, project); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := r.AddProjectMember(ctx, project.ID, admin.ID, now); err != nil {
		t.Fatalf("add admin member: %v", err)
	}

	env := testEnv{
		Engine:    eng,
		Ctx:       ctx,
		Admin:     engine.Actor{ID: admin.ID, Roles: []string{domain.RoleAdmin}},
		ProjectID: project.ID,
	}
	env.Requester = seedUser(t, ctx, r, "alice", project.ID, domain.RoleRequester)
	env.Executor = seedUser(t, ctx, r, "bob", project.ID, domain.RoleExecutor)
	env.Approver = seedUser(t, ctx, r, "carol", project.ID, domain.RoleApprover)
	return env
}

func seedUser(t *testing.T, ctx context.Context, r repo.Repo, username, projectID string, roles ...string) engine.Actor {
	t.Helper()
	u := domain.User{
		ID:        "u-" + username,
		Username:  username,
		Email:     username + "@example.com",
		Active:    true,
		CreatedAt: "2026-03-01T00:00:00Z",
	}
	if err := r.InsertUser(ctx, u); err != nil {
		t.Fatalf("insert user %s: %v", username, err)
	}
	for _, role := range roles {
		if err := r.GrantRole(ctx, u.ID, role); err != nil {
			t.Fatalf("grant %s to %s: %v", role, username, err)
		}
	}
	if projectID != "" {
		if err := r.AddProjectMember(ctx, projectID, u.ID, u.CreatedAt); err != nil {
			t.Fatalf("add member %s: %v", username, err)
		}
	}
	return engine.Actor{ID: u.ID, Roles: roles}
}

func createConnection(t *testing.T, env testEnv) domain.Connection {
	t.Helper()
	c, err := env.Engine.CreateConnection(env.Ctx, engine.CreateOptions{
		ProjectID: env.ProjectID,
		Type:      "bolted",
		Subtype:   "shear",
		Topology:  "Single plate",
		Profiles:  []string{"IPE300", "HEB200"},
		Actor:     env.Requester,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return c
}

func TestCreateConnectionBuildsCode(t *testing.T) {
	env := newTestEnv(t)
	c := createConnection(t, env)
	if c.Code != "BSP-IPE300-HEB200" {
		t.Fatalf("code = %q", c.Code)
	}
	if c.State != domain.StateRequested {
		t.Fatalf("state = %q", c.State)
	}
	if c.Version != 1 {
		t.Fatalf("version = %d", c.Version)
	}
	// Same topology and profiles: the code gets a numeric suffix.
	c2, err := env.Engine.CreateConnection(env.Ctx, engine.CreateOptions{
		ProjectID: env.ProjectID,
		Type:      "bolted",
		Subtype:   "shear",
		Topology:  "Single plate",
		Profiles:  []string{"IPE300", "HEB200"},
		Actor:     env.Requester,
	})
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if c2.Code != "BSP-IPE300-HEB200-2" {
		t.Fatalf("dedup code = %q", c2.Code)
	}
}

func TestCreateConnectionValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateConnection(env.Ctx, engine.CreateOptions{
		ProjectID: env.ProjectID,
		Type:      "bolted",
		Subtype:   "shear",
		Topology:  "No such",
		Actor:     env.Requester,
	})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "topology" {
		t.Fatalf("expected topology validation error, got %v", err)
	}
	_, err = env.Engine.CreateConnection(env.Ctx, engine.CreateOptions{
		ProjectID: env.ProjectID,
		Type:      "bolted",
		Subtype:   "shear",
		Topology:  "Single plate",
		Profiles:  []string{"IPE300"},
		Actor:     env.Requester,
	})
	if !errors.As(err, &ve) || ve.Field != "profiles" {
		t.Fatalf("expected profiles validation error, got %v", err)
	}
	// Executors cannot create connections.
	_, err = env.Engine.CreateConnection(env.Ctx, engine.CreateOptions{
		ProjectID: env.ProjectID,
		Type:      "bolted",
		Subtype:   "shear",
		Topology:  "Single plate",
		Profiles:  []string{"IPE300", "HEB200"},
		Actor:     env.Executor,
	})
	if !errors.Is(err, engine.ErrNotPermitted) {
		t.Fatalf("expected ErrNotPermitted, got %v", err)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	c := createConnection(t, env)

	c, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateInProgress, Actor: env.Executor,
	})
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if c.State != domain.StateInProgress {
		t.Fatalf("state = %q", c.State)
	}
	if c.ExecutorID == nil || *c.ExecutorID != env.Executor.ID {
		t.Fatalf("executor not recorded: %v", c.ExecutorID)
	}

	c, _, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateDone, Actor: env.Executor,
	})
	if err != nil {
		t.Fatalf("done: %v", err)
	}

	c, _, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateApproved, Actor: env.Approver,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if c.State != domain.StateApproved {
		t.Fatalf("state = %q", c.State)
	}
	if c.ApproverID == nil || *c.ApproverID != env.Approver.ID {
		t.Fatalf("approver not recorded: %v", c.ApproverID)
	}
	if c.Version != 4 {
		t.Fatalf("version after three transitions = %d", c.Version)
	}

	hist, err := env.Engine.History.List(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("history rows = %d", len(hist))
	}
	// Newest first.
	if hist[0].State != domain.StateApproved || hist[3].State != domain.StateRequested {
		t.Fatalf("history order: %s .. %s", hist[0].State, hist[3].State)
	}
}

func TestTransitionRoleAndStateGating(t *testing.T) {
	env := newTestEnv(t)
	c := createConnection(t, env)

	cases := []struct {
		name   string
		target string
		actor  engine.Actor
	}{
		{"requester cannot take", domain.StateInProgress, env.Requester},
		{"approver cannot take", domain.StateInProgress, env.Approver},
		{"done from requested", domain.StateDone, env.Executor},
		{"approve from requested", domain.StateApproved, env.Approver},
		{"reject from requested", domain.StateRejected, env.Approver},
		// A real state label, but nothing transitions back to it.
		{"back to requested", domain.StateRequested, env.Admin},
	}
	for _, tc := range cases {
		_, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			ConnectionID: c.ID, Target: tc.target, Detail: "x", Actor: tc.actor,
		})
		if !errors.Is(err, engine.ErrNotPermitted) {
			t.Fatalf("%s: expected ErrNotPermitted, got %v", tc.name, err)
		}
	}

	// Non-member executor is refused even with the right role.
	outsider := seedUser(t, env.Ctx, env.Engine.Repo, "eve", "", domain.RoleExecutor)
	_, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateInProgress, Actor: outsider,
	})
	if !errors.Is(err, engine.ErrNotPermitted) {
		t.Fatalf("outsider: expected ErrNotPermitted, got %v", err)
	}

	_, _, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: "bogus", Actor: env.Executor,
	})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("unknown target: expected validation error, got %v", err)
	}
}

func TestDoneRequiresAssignedExecutor(t *testing.T) {
	env := newTestEnv(t)
	c := createConnection(t, env)
	if _, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateInProgress, Actor: env.Executor,
	}); err != nil {
		t.Fatalf("take: %v", err)
	}

	other := seedUser(t, env.Ctx, env.Engine.Repo, "frank", env.ProjectID, domain.RoleExecutor)
	_, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateDone, Actor: other,
	})
	if !errors.Is(err, engine.ErrNotPermitted) {
		t.Fatalf("unassigned executor: expected ErrNotPermitted, got %v", err)
	}

	// Admin may finish it regardless of assignment.
	if _, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateDone, Actor: env.Admin,
	}); err != nil {
		t.Fatalf("admin done: %v", err)
	}
}

func TestRejectionRevertsToInProgress(t *testing.T) {
	env := newTestEnv(t)
	c := createConnection(t, env)
	for _, step := range []struct {
		target string
		actor  engine.Actor
	}{
		{domain.StateInProgress, env.Executor},
		{domain.StateDone, env.Executor},
	} {
		var err error
		c, _, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
			ConnectionID: c.ID, Target: step.target, Actor: step.actor,
		})
		if err != nil {
			t.Fatalf("%s: %v", step.target, err)
		}
	}

	// Rejection without a reason is refused.
	_, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateRejected, Detail: "  ", Actor: env.Approver,
	})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "detail" {
		t.Fatalf("empty detail: expected validation error, got %v", err)
	}

	c, msg, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateRejected, Detail: "weld spec wrong", Actor: env.Approver,
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if c.State != domain.StateInProgress {
		t.Fatalf("stored state after rejection = %q", c.State)
	}
	if c.RejectionDetail == nil || *c.RejectionDetail != "weld spec wrong" {
		t.Fatalf("rejection detail = %v", c.RejectionDetail)
	}
	if !strings.Contains(msg, "rejected") {
		t.Fatalf("message = %q", msg)
	}

	hist, err := env.Engine.History.List(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist[0].State != domain.StateRejected {
		t.Fatalf("history label = %q", hist[0].State)
	}

	// Re-doing and approving clears the rejection detail.
	c, _, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateDone, Actor: env.Executor,
	})
	if err != nil {
		t.Fatalf("redo: %v", err)
	}
	c, _, err = env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateApproved, Actor: env.Approver,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if c.RejectionDetail != nil {
		t.Fatalf("rejection detail kept after approval: %v", *c.RejectionDetail)
	}
}

func TestConcurrentModification(t *testing.T) {
	env := newTestEnv(t)
	c := createConnection(t, env)

	// Two callers hold the same version. The second write must fail.
	first, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateInProgress, Actor: env.Executor,
	})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.Version != c.Version+1 {
		t.Fatalf("version = %d", first.Version)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	ok, err := env.Engine.Repo.UpdateConnectionTx(env.Ctx, tx, first, c.Version)
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if ok {
		t.Fatal("stale version accepted")
	}
}

func TestAssignExecutor(t *testing.T) {
	env := newTestEnv(t)
	c := createConnection(t, env)

	c, err := env.Engine.AssignExecutor(env.Ctx, engine.AssignOptions{
		ConnectionID: c.ID, UserID: env.Executor.ID, Actor: env.Requester,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if c.State != domain.StateInProgress {
		t.Fatalf("state after assign = %q", c.State)
	}
	if c.ExecutorID == nil || *c.ExecutorID != env.Executor.ID {
		t.Fatalf("executor = %v", c.ExecutorID)
	}

	// Approver cannot reassign while in progress; the current executor can.
	other := seedUser(t, env.Ctx, env.Engine.Repo, "frank", env.ProjectID, domain.RoleExecutor)
	_, err = env.Engine.AssignExecutor(env.Ctx, engine.AssignOptions{
		ConnectionID: c.ID, UserID: other.ID, Actor: env.Approver,
	})
	if !errors.Is(err, engine.ErrNotPermitted) {
		t.Fatalf("approver reassign: expected ErrNotPermitted, got %v", err)
	}
	c, err = env.Engine.AssignExecutor(env.Ctx, engine.AssignOptions{
		ConnectionID: c.ID, UserID: other.ID, Actor: env.Executor,
	})
	if err != nil {
		t.Fatalf("executor handoff: %v", err)
	}
	if *c.ExecutorID != other.ID {
		t.Fatalf("executor = %q", *c.ExecutorID)
	}

	// Unknown target user is a validation failure.
	var ve *engine.ValidationError
	_, err = env.Engine.AssignExecutor(env.Ctx, engine.AssignOptions{
		ConnectionID: c.ID, UserID: "nope", Actor: env.Admin,
	})
	if !errors.As(err, &ve) || ve.Field != "user" {
		t.Fatalf("unknown user: expected validation error, got %v", err)
	}
}

func TestAddComment(t *testing.T) {
	env := newTestEnv(t)
	c := createConnection(t, env)

	_, err := env.Engine.AddComment(env.Ctx, c.ID, env.Requester, "   ")
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("blank comment: expected validation error, got %v", err)
	}

	comment, err := env.Engine.AddComment(env.Ctx, c.ID, env.Executor, "check bolt grade")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if comment.ID == 0 || comment.Content != "check bolt grade" {
		t.Fatalf("comment = %+v", comment)
	}
	comments, err := env.Engine.Repo.ListComments(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("comments = %d", len(comments))
	}
}

func TestNotificationFanOut(t *testing.T) {
	env := newTestEnv(t)
	c := createConnection(t, env)
	env.Engine.Notify.Wait()

	// Creation notifies executors and admins, never the acting requester.
	execNotes, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{UserID: env.Executor.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(execNotes) != 1 {
		t.Fatalf("executor notifications = %d", len(execNotes))
	}
	adminNotes, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{UserID: env.Admin.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(adminNotes) != 1 {
		t.Fatalf("admin notifications = %d", len(adminNotes))
	}
	reqNotes, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{UserID: env.Requester.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(reqNotes) != 0 {
		t.Fatalf("requester notified about own action: %d", len(reqNotes))
	}

	// Taking the connection notifies the requester.
	if _, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateInProgress, Actor: env.Executor,
	}); err != nil {
		t.Fatal(err)
	}
	env.Engine.Notify.Wait()
	reqNotes, err = env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{UserID: env.Requester.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(reqNotes) != 1 {
		t.Fatalf("requester notifications after take = %d", len(reqNotes))
	}

	n, err := env.Engine.MarkNotificationsRead(env.Ctx, env.Requester)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("marked = %d", n)
	}
	unread, err := env.Engine.Repo.CountUnreadNotifications(env.Ctx, env.Requester.ID)
	if err != nil {
		t.Fatal(err)
	}
	if unread != 0 {
		t.Fatalf("unread = %d", unread)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	c := createConnection(t, env)
	if _, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateInProgress, Actor: env.Executor,
	}); err != nil {
		t.Fatal(err)
	}
	entries, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d", len(entries))
	}
	// Newest first.
	if entries[0].Action != "connection.taken" || entries[1].Action != "connection.created" {
		t.Fatalf("actions = %s, %s", entries[0].Action, entries[1].Action)
	}
	if entries[0].UserID == nil || *entries[0].UserID != env.Executor.ID {
		t.Fatalf("audit user = %v", entries[0].UserID)
	}
}

func TestEmptyDescriptionPersists(t *testing.T) {
	env := newTestEnv(t)

	// The seeded project carries no description; it must round-trip as "".
	p, err := env.Engine.Repo.GetProject(env.Ctx, env.ProjectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.Description != "" {
		t.Fatalf("project description = %q", p.Description)
	}

	c := createConnection(t, env)
	if c.Description != "" {
		t.Fatalf("description = %q", c.Description)
	}
	got, err := env.Engine.Repo.GetConnection(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got.Description != "" {
		t.Fatalf("stored description = %q", got.Description)
	}

	// Updates must keep the empty description writable too.
	if _, _, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ConnectionID: c.ID, Target: domain.StateInProgress, Actor: env.Executor,
	}); err != nil {
		t.Fatalf("transition: %v", err)
	}
}

func TestSharedClockStampsAllRows(t *testing.T) {
	env := newTestEnv(t)
	c := createConnection(t, env)
	env.Engine.Notify.Wait()
	const want = "2026-03-01T12:00:00Z"

	hist, err := env.Engine.History.List(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].TS != want {
		t.Fatalf("history ts = %+v", hist)
	}

	entries, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].TS != want {
		t.Fatalf("audit ts = %+v", entries)
	}

	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{UserID: env.Executor.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].CreatedAt != want {
		t.Fatalf("notification created_at = %+v", notes)
	}
}
