package notify

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"testing"

	"steeltrack/internal/db"
	"steeltrack/internal/domain"
	"steeltrack/internal/migrate"
	"steeltrack/internal/repo"
)

type recordingMailer struct {
	mu    sync.Mutex
	sends [][]string
	err   error
}

func (m *recordingMailer) Send(recipients []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, recipients)
	return m.err
}

func newDispatcherEnv(t *testing.T) (repo.Repo, domain.Connection) {
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
	if err := r.InsertProject(ctx, domain.Project{ID: "p1", Name: "Bridge", CreatedAt: "2026-03-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	for _, role := range domain.AllRoles {
		if err := r.InsertRole(ctx, role, ""); err != nil {
			t.Fatal(err)
		}
	}
	users := []struct {
		id, role string
		member   bool
	}{
		{"u-req", domain.RoleRequester, true},
		{"u-exec", domain.RoleExecutor, true},
		{"u-appr", domain.RoleApprover, true},
		{"u-admin", domain.RoleAdmin, true},
		{"u-outside-admin", domain.RoleAdmin, false},
	}
	for _, u := range users {
		if err := r.InsertUser(ctx, domain.User{
			ID: u.id, Username: u.id, Email: u.id + "@example.com",
			Active: true, CreatedAt: "2026-03-01T00:00:00Z",
		}); err != nil {
			t.Fatal(err)
		}
		if err := r.GrantRole(ctx, u.id, u.role); err != nil {
			t.Fatal(err)
		}
		if u.member {
			if err := r.AddProjectMember(ctx, "p1", u.id, "2026-03-01T00:00:00Z"); err != nil {
				t.Fatal(err)
			}
		}
	}
	c := domain.Connection{
		ID: "c1", Code: "BSP-1", ProjectID: "p1",
		Type: "bolted", Subtype: "shear", Topology: "Single plate",
		State: domain.StateRequested, RequesterID: "u-req", Version: 1,
		CreatedAt: "2026-03-01T00:00:00Z", UpdatedAt: "2026-03-01T00:00:00Z",
	}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InsertConnectionTx(ctx, tx, c); err != nil {
		t.Fatalf("insert connection: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return r, c
}

func notificationsFor(t *testing.T, r repo.Repo, userID string) []domain.Notification {
	t.Helper()
	items, err := r.ListNotifications(context.Background(), repo.NotificationFilters{UserID: userID})
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func TestNotifyTargetsRolesAndSkipsActor(t *testing.T) {
	r, c := newDispatcherEnv(t)
	d := &Dispatcher{Repo: r, BaseURL: "http://localhost:8400"}

	d.Notify(context.Background(), c, "u-req", "ready", "", []string{domain.RoleExecutor, domain.RoleAdmin})
	d.Wait()

	if got := notificationsFor(t, r, "u-exec"); len(got) != 1 {
		t.Fatalf("executor rows = %d", len(got))
	} else if got[0].URL != "http://localhost:8400/connections/c1" {
		t.Fatalf("url = %q", got[0].URL)
	}
	if got := notificationsFor(t, r, "u-admin"); len(got) != 1 {
		t.Fatalf("admin rows = %d", len(got))
	}
	// Membership gates every role; an admin outside the project gets nothing.
	if got := notificationsFor(t, r, "u-outside-admin"); len(got) != 0 {
		t.Fatalf("non-member admin rows = %d", len(got))
	}
	if got := notificationsFor(t, r, "u-appr"); len(got) != 0 {
		t.Fatalf("approver rows = %d", len(got))
	}

	// The actor never notifies itself, even when its role matches.
	d.Notify(context.Background(), c, "u-exec", "taken", "", []string{domain.RoleExecutor})
	d.Wait()
	if got := notificationsFor(t, r, "u-exec"); len(got) != 1 {
		t.Fatalf("actor self-notified: rows = %d", len(got))
	}
}

func TestNotifySendsOneMailToOptedInRecipients(t *testing.T) {
	r, c := newDispatcherEnv(t)
	ctx := context.Background()
	if err := r.SetEmailPref(ctx, "u-admin", false); err != nil {
		t.Fatal(err)
	}
	mailer := &recordingMailer{}
	d := &Dispatcher{Repo: r, Mailer: mailer, BaseURL: "http://x"}

	d.Notify(ctx, c, "u-req", "ready", "", []string{domain.RoleExecutor, domain.RoleApprover, domain.RoleAdmin})
	d.Wait()

	mailer.mu.Lock()
	defer mailer.mu.Unlock()
	if len(mailer.sends) != 1 {
		t.Fatalf("mail batches = %d", len(mailer.sends))
	}
	got := append([]string(nil), mailer.sends[0]...)
	sort.Strings(got)
	want := []string{"u-appr@example.com", "u-exec@example.com"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("mail recipients = %v", got)
	}
	// The opted-out admin still got the in-app row.
	if rows := notificationsFor(t, r, "u-admin"); len(rows) != 1 {
		t.Fatalf("admin rows = %d", len(rows))
	}
}

func TestNotifyMailFailureDoesNotLoseRows(t *testing.T) {
	r, c := newDispatcherEnv(t)
	mailer := &recordingMailer{err: errors.New("smtp down")}
	d := &Dispatcher{
		Repo:   r,
		Mailer: mailer,
		Logger: log.New(io.Discard, "", 0),
	}

	d.Notify(context.Background(), c, "u-req", "ready", "", []string{domain.RoleExecutor})
	d.Wait()

	if rows := notificationsFor(t, r, "u-exec"); len(rows) != 1 {
		t.Fatalf("rows after mail failure = %d", len(rows))
	}
}
