package domain

// Connection states. Rejected is a transient label: it appears in history
// and audit rows but is never the stored state of a connection.
const (
	StateRequested  = "requested"
	StateInProgress = "in_progress"
	StateDone       = "done"
	StateApproved   = "approved"
	StateRejected   = "rejected"
)

// Role identifiers. A user acts in a project through membership plus one or
// more of these roles.
const (
	RoleRequester = "requester"
	RoleExecutor  = "executor"
	RoleApprover  = "approver"
	RoleAdmin     = "admin"
)

// StoredStates are the states a connection row may hold.
var StoredStates = []string{StateRequested, StateInProgress, StateDone, StateApproved}

// AllRoles lists every role the system knows about.
var AllRoles = []string{RoleRequester, RoleExecutor, RoleApprover, RoleAdmin}

type Connection struct {
	ID              string  `json:"id"`
	Code            string  `json:"code"`
	ProjectID       string  `json:"project_id"`
	Type            string  `json:"type"`
	Subtype         string  `json:"subtype"`
	Topology        string  `json:"topology"`
	Description     string  `json:"description,omitempty"`
	DetailsJSON     *string `json:"details_json,omitempty"`
	State           string  `json:"state" enum:"requested,in_progress,done,approved"`
	RequesterID     string  `json:"requester_id"`
	ExecutorID      *string `json:"executor_id,omitempty"`
	ApproverID      *string `json:"approver_id,omitempty"`
	RejectionDetail *string `json:"rejection_detail,omitempty"`
	Version         int64   `json:"version"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// HistoryRecord is one immutable timeline entry for a connection. State holds
// the label of the requested transition, so a rejection appears here as
// "rejected" even though the connection itself reverts to in_progress.
type HistoryRecord struct {
	ID           int64   `json:"id"`
	ConnectionID string  `json:"connection_id"`
	UserID       string  `json:"user_id"`
	State        string  `json:"state"`
	Detail       *string `json:"detail,omitempty"`
	TS           string  `json:"ts" format:"date-time"`
}

type Notification struct {
	ID           int64   `json:"id"`
	UserID       string  `json:"user_id"`
	Message      string  `json:"message"`
	URL          string  `json:"url"`
	ConnectionID *string `json:"connection_id,omitempty"`
	Read         bool    `json:"read"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Comment struct {
	ID           int64  `json:"id"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Content      string `json:"content"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type AuditEntry struct {
	ID         int64   `json:"id"`
	UserID     *string `json:"user_id,omitempty"`
	Action     string  `json:"action"`
	ObjectType string  `json:"object_type"`
	ObjectID   *string `json:"object_id,omitempty"`
	Detail     *string `json:"detail,omitempty"`
	TS         string  `json:"ts" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	CreatorID   *string `json:"creator_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Membership ties a user to a project.
type Membership struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	AddedAt   string `json:"added_at" format:"date-time"`
}

// Recipient is a resolved notification target: an active project member
// holding at least one of the requested roles.
type Recipient struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	EmailOptIn bool   `json:"email_opt_in"`
}
