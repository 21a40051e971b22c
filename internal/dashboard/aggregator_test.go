package dashboard_test

import (
	"context"
	"testing"
	"time"

	"steeltrack/internal/app"
	"steeltrack/internal/config"
	"steeltrack/internal/dashboard"
	"steeltrack/internal/db"
	"steeltrack/internal/domain"
	"steeltrack/internal/engine"
	"steeltrack/internal/migrate"
	"steeltrack/internal/repo"
)

type scenario struct {
	Engine    engine.Engine
	Ctx       context.Context
	Requester engine.Actor
	Executor  engine.Actor
	Approver  engine.Actor
	Admin     engine.Actor
}

// buildScenario seeds one project with four connections:
// approved, done (awaiting approval), rejected-back-to-in-progress, requested.
func buildScenario(t *testing.T) scenario {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	admin, err := app.Seed(ctx, r, "admin", "")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	eng := engine.New(conn, config.Default()).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })

	now := "2026-03-01T12:00:00Z"
	if err := r.InsertProject(ctx, domain.Project{ID: "p1", Name: "Bridge A", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	sc := scenario{Engine: eng, Ctx: ctx, Admin: engine.Actor{ID: admin.ID, Roles: []string{domain.RoleAdmin}}}

	addUser := func(username, role string) engine.Actor {
		u := domain.User{ID: "u-" + username, Username: username, Active: true, CreatedAt: now}
		if err := r.InsertUser(ctx, u); err != nil {
			t.Fatal(err)
		}
		if err := r.GrantRole(ctx, u.ID, role); err != nil {
			t.Fatal(err)
		}
		if err := r.AddProjectMember(ctx, "p1", u.ID, now); err != nil {
			t.Fatal(err)
		}
		return engine.Actor{ID: u.ID, Roles: []string{role}}
	}
	sc.Requester = addUser("alice", domain.RoleRequester)
	sc.Executor = addUser("bob", domain.RoleExecutor)
	sc.Approver = addUser("carol", domain.RoleApprover)

	create := func(profiles ...string) domain.Connection {
		c, err := eng.CreateConnection(ctx, engine.CreateOptions{
			ProjectID: "p1",
			Type:      "bolted",
			Subtype:   "shear",
			Topology:  "Single plate",
			Profiles:  profiles,
			Actor:     sc.Requester,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return c
	}
	step := func(id, target, detail string, actor engine.Actor) {
		if _, _, err := eng.Transition(ctx, engine.TransitionOptions{
			ConnectionID: id, Target: target, Detail: detail, Actor: actor,
		}); err != nil {
			t.Fatalf("%s -> %s: %v", id, target, err)
		}
	}

	c1 := create("IPE300", "HEB200")
	step(c1.ID, domain.StateInProgress, "", sc.Executor)
	step(c1.ID, domain.StateDone, "", sc.Executor)
	step(c1.ID, domain.StateApproved, "", sc.Approver)

	c2 := create("IPE330", "HEB220")
	step(c2.ID, domain.StateInProgress, "", sc.Executor)
	step(c2.ID, domain.StateDone, "", sc.Executor)

	c3 := create("IPE360", "HEB240")
	step(c3.ID, domain.StateInProgress, "", sc.Executor)
	step(c3.ID, domain.StateDone, "", sc.Executor)
	step(c3.ID, domain.StateRejected, "bad weld prep", sc.Approver)

	create("IPE400", "HEB260") // stays requested
	eng.Notify.Wait()
	return sc
}

func newAggregator(sc scenario) dashboard.Aggregator {
	agg := dashboard.New(sc.Engine.DB, nil)
	agg.Now = sc.Engine.Now
	return agg
}

func TestSummaryRequester(t *testing.T) {
	sc := buildScenario(t)
	agg := newAggregator(sc)

	s, err := agg.Summary(sc.Ctx, sc.Requester.ID, sc.Requester.Roles)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.Personal.Created != 4 {
		t.Fatalf("created = %d", s.Personal.Created)
	}
	if s.Personal.CreatedApproved != 1 {
		t.Fatalf("created approved = %d", s.Personal.CreatedApproved)
	}
	if s.Performance != nil || s.Admin != nil {
		t.Fatal("requester has performance or admin block")
	}
	// Everything not yet approved counts as open.
	if got := len(s.TaskLists.MyOpenRequests); got != 3 {
		t.Fatalf("open requests = %d", got)
	}
	if len(s.Projects) != 1 || s.Projects[0].ByState[domain.StateApproved] != 1 {
		t.Fatalf("project stats = %+v", s.Projects)
	}
	if len(s.Activity) != 10 {
		t.Fatalf("activity = %d (capped)", len(s.Activity))
	}
}

func TestSummaryExecutor(t *testing.T) {
	sc := buildScenario(t)
	agg := newAggregator(sc)

	s, err := agg.Summary(sc.Ctx, sc.Executor.ID, sc.Executor.Roles)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	// The rejected connection sits back with its executor.
	if s.Personal.InProgressAssigned != 1 {
		t.Fatalf("in progress assigned = %d", s.Personal.InProgressAssigned)
	}
	if s.Performance == nil {
		t.Fatal("missing performance block")
	}
	if s.Performance.CompletedThisMonth != 3 {
		t.Fatalf("completed this month = %d", s.Performance.CompletedThisMonth)
	}
	if got := len(s.Performance.DailyChartLabels); got != 30 {
		t.Fatalf("chart days = %d", got)
	}
	if last := s.Performance.DailyChartCounts[29]; last != 3 {
		t.Fatalf("today's completions = %d", last)
	}
	if len(s.TaskLists.MyAssigned) != 1 {
		t.Fatalf("my assigned = %d", len(s.TaskLists.MyAssigned))
	}
	if len(s.TaskLists.Available) != 1 {
		t.Fatalf("available = %d", len(s.TaskLists.Available))
	}
}

func TestSummaryApproverAndAdmin(t *testing.T) {
	sc := buildScenario(t)
	agg := newAggregator(sc)

	s, err := agg.Summary(sc.Ctx, sc.Approver.ID, sc.Approver.Roles)
	if err != nil {
		t.Fatalf("approver summary: %v", err)
	}
	if s.Personal.AwaitingMyApproval != 1 {
		t.Fatalf("awaiting approval = %d", s.Personal.AwaitingMyApproval)
	}
	if len(s.TaskLists.PendingApproval) != 1 {
		t.Fatalf("pending approval = %d", len(s.TaskLists.PendingApproval))
	}

	s, err = agg.Summary(sc.Ctx, sc.Admin.ID, sc.Admin.Roles)
	if err != nil {
		t.Fatalf("admin summary: %v", err)
	}
	if s.Admin == nil {
		t.Fatal("missing admin block")
	}
	if s.Admin.TotalActive != 3 {
		t.Fatalf("total active = %d", s.Admin.TotalActive)
	}
	if s.Admin.CreatedToday != 4 {
		t.Fatalf("created today = %d", s.Admin.CreatedToday)
	}
	// One approval and one rejection in history.
	if s.Admin.RejectionRate != 0.5 {
		t.Fatalf("rejection rate = %v", s.Admin.RejectionRate)
	}
	// Admins see everything without membership rows.
	if len(s.Projects) != 1 {
		t.Fatalf("admin project stats = %+v", s.Projects)
	}
	if len(s.TaskLists.Available) != 1 || len(s.TaskLists.PendingApproval) != 1 {
		t.Fatalf("admin task lists = %+v", s.TaskLists)
	}
}

func TestSummaryServedFromCache(t *testing.T) {
	sc := buildScenario(t)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	agg := dashboard.New(sc.Engine.DB, dashboard.NewCache(60*time.Second, now))
	agg.Now = now

	first, err := agg.Summary(sc.Ctx, sc.Requester.ID, sc.Requester.Roles)
	if err != nil {
		t.Fatal(err)
	}

	// A write after the first read is invisible until the entry expires.
	if _, err := sc.Engine.CreateConnection(sc.Ctx, engine.CreateOptions{
		ProjectID: "p1",
		Type:      "bolted",
		Subtype:   "moment",
		Topology:  "Splice",
		Profiles:  []string{"IPE500"},
		Actor:     sc.Requester,
	}); err != nil {
		t.Fatal(err)
	}
	sc.Engine.Notify.Wait()

	cached, err := agg.Summary(sc.Ctx, sc.Requester.ID, sc.Requester.Roles)
	if err != nil {
		t.Fatal(err)
	}
	if cached.Personal.Created != first.Personal.Created {
		t.Fatalf("cache miss: created = %d", cached.Personal.Created)
	}

	agg.Cache.Clear()
	fresh, err := agg.Summary(sc.Ctx, sc.Requester.ID, sc.Requester.Roles)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Personal.Created != first.Personal.Created+1 {
		t.Fatalf("fresh created = %d", fresh.Personal.Created)
	}
}

func TestSummaryScopedToProjectMembership(t *testing.T) {
	sc := buildScenario(t)
	ctx := sc.Ctx
	r := repo.Repo{DB: sc.Engine.DB}
	now := "2026-03-01T12:00:00Z"

	// A second project the approver never joins, holding its own connection
	// that is done and waiting for approval.
	if err := r.InsertProject(ctx, domain.Project{ID: "p2", Name: "Bridge B", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	for _, a := range []engine.Actor{sc.Requester, sc.Executor} {
		if err := r.AddProjectMember(ctx, "p2", a.ID, now); err != nil {
			t.Fatal(err)
		}
	}
	c, err := sc.Engine.CreateConnection(ctx, engine.CreateOptions{
		ProjectID: "p2", Type: "bolted", Subtype: "shear", Topology: "Single plate",
		Profiles: []string{"IPE500", "HEB300"}, Actor: sc.Requester,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, target := range []string{domain.StateInProgress, domain.StateDone} {
		if _, _, err := sc.Engine.Transition(ctx, engine.TransitionOptions{
			ConnectionID: c.ID, Target: target, Actor: sc.Executor,
		}); err != nil {
			t.Fatal(err)
		}
	}
	sc.Engine.Notify.Wait()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	agg := dashboard.New(sc.Engine.DB, dashboard.NewCache(time.Minute, clock))
	agg.Now = clock

	s, err := agg.Summary(ctx, sc.Approver.ID, sc.Approver.Roles)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	// Only the member project's done connection is visible.
	if s.Personal.AwaitingMyApproval != 1 {
		t.Fatalf("awaiting approval = %d", s.Personal.AwaitingMyApproval)
	}
	if len(s.TaskLists.PendingApproval) != 1 || s.TaskLists.PendingApproval[0].ProjectID != "p1" {
		t.Fatalf("pending approval = %+v", s.TaskLists.PendingApproval)
	}
	if len(s.Projects) != 1 || s.Projects[0].ProjectID != "p1" {
		t.Fatalf("projects = %+v", s.Projects)
	}

	if err := r.RemoveProjectMember(ctx, "p1", sc.Approver.ID); err != nil {
		t.Fatal(err)
	}

	// The cached entry keeps serving until the TTL lapses.
	s, err = agg.Summary(ctx, sc.Approver.ID, sc.Approver.Roles)
	if err != nil {
		t.Fatal(err)
	}
	if s.Personal.AwaitingMyApproval != 1 {
		t.Fatalf("cached awaiting approval = %d", s.Personal.AwaitingMyApproval)
	}

	current = current.Add(2 * time.Minute)
	s, err = agg.Summary(ctx, sc.Approver.ID, sc.Approver.Roles)
	if err != nil {
		t.Fatal(err)
	}
	if s.Personal.AwaitingMyApproval != 0 {
		t.Fatalf("awaiting approval after removal = %d", s.Personal.AwaitingMyApproval)
	}
	if len(s.TaskLists.PendingApproval) != 0 {
		t.Fatalf("pending approval after removal = %+v", s.TaskLists.PendingApproval)
	}
	if len(s.Projects) != 0 {
		t.Fatalf("projects after removal = %+v", s.Projects)
	}
}
