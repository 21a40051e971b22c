package audit

import (
	"context"
	"log"
	"time"

	"steeltrack/internal/domain"
	"steeltrack/internal/repo"
)

// Lifecycle action names recorded against connections.
const (
	ActionConnectionCreated    = "connection.created"
	ActionConnectionTaken      = "connection.taken"
	ActionConnectionCompleted  = "connection.completed"
	ActionConnectionApproved   = "connection.approved"
	ActionConnectionRejected   = "connection.rejected"
	ActionConnectionAssigned   = "connection.assigned"
	ActionConnectionReassigned = "connection.reassigned"
	ActionCommentAdded         = "comment.added"
	ActionNotificationsRead    = "notifications.read"
	ActionUserCreated          = "user.created"
	ActionProjectCreated       = "project.created"
	ActionProjectMemberAdded   = "project.member_added"
	ActionProjectMemberRemoved = "project.member_removed"
	ActionRoleGranted          = "role.granted"
)

// LifecycleActions is the subset shown on the dashboard activity feed.
var LifecycleActions = []string{
	ActionConnectionCreated,
	ActionConnectionTaken,
	ActionConnectionCompleted,
	ActionConnectionApproved,
	ActionConnectionRejected,
	ActionConnectionAssigned,
	ActionConnectionReassigned,
}

// Recorder writes audit rows outside the caller's transaction. A failed
// write is logged and swallowed so it can never fail a business operation.
type Recorder struct {
	Repo   repo.Repo
	Now    func() time.Time
	Logger *log.Logger
}

func (r Recorder) Record(ctx context.Context, action, userID, objectType, objectID, detail string) {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	entry := domain.AuditEntry{
		Action:     action,
		ObjectType: objectType,
		TS:         now().UTC().Format(time.RFC3339),
	}
	if userID != "" {
		entry.UserID = &userID
	}
	if objectID != "" {
		entry.ObjectID = &objectID
	}
	if detail != "" {
		entry.Detail = &detail
	}
	if err := r.Repo.InsertAudit(ctx, entry); err != nil {
		r.logger().Printf("audit: record %s failed: %v", action, err)
	}
}

func (r Recorder) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}
