package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"steeltrack/internal/domain"
	"steeltrack/internal/repo"
)

// Dispatcher fans a message out to project members by role. Notification
// rows are written synchronously; email delivery happens on a detached
// goroutine with no retries. Failures on either path are logged, never
// returned, so a state change that already committed stays committed.
type Dispatcher struct {
	Repo    repo.Repo
	Mailer  Mailer
	BaseURL string
	Now     func() time.Time
	Logger  *log.Logger

	wg sync.WaitGroup
}

// Notify resolves the recipients for conn's project holding any of the given
// roles, skips the acting user, and persists one notification row each. The
// connection URL is BaseURL + /connections/<id> + urlSuffix.
func (d *Dispatcher) Notify(ctx context.Context, conn domain.Connection, actorID, message, urlSuffix string, roles []string) {
	recipients, err := d.Repo.ProjectRecipients(ctx, conn.ProjectID, roles)
	if err != nil {
		d.logger().Printf("notify: resolve recipients for %s failed: %v", conn.ID, err)
		return
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	url := d.BaseURL + "/connections/" + conn.ID + urlSuffix

	var emails []string
	for _, rec := range recipients {
		if rec.UserID == actorID {
			continue
		}
		n := domain.Notification{
			UserID:       rec.UserID,
			Message:      message,
			URL:          url,
			ConnectionID: &conn.ID,
			CreatedAt:    ts,
		}
		if err := d.Repo.InsertNotification(ctx, n); err != nil {
			d.logger().Printf("notify: insert for user %s failed: %v", rec.UserID, err)
			continue
		}
		if rec.EmailOptIn && rec.Email != "" {
			emails = append(emails, rec.Email)
		}
	}
	if len(emails) == 0 || d.Mailer == nil {
		return
	}
	subject := "[" + conn.Code + "] " + message
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Mailer.Send(emails, subject, message+"\n\n"+url); err != nil {
			d.logger().Printf("notify: email for %s failed: %v", conn.ID, err)
		}
	}()
}

// Wait blocks until in-flight email sends finish. Used at shutdown and in
// tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}
