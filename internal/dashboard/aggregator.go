package dashboard

import (
	"context"
	"database/sql"
	"time"

	"steeltrack/internal/audit"
	"steeltrack/internal/domain"
	"steeltrack/internal/repo"
)

// Summary is everything one dashboard render needs.
type Summary struct {
	GeneratedAt string              `json:"generated_at" format:"date-time"`
	Personal    PersonalStats       `json:"personal"`
	Performance *PerformanceStats   `json:"performance,omitempty"`
	Admin       *AdminKPIs          `json:"admin,omitempty"`
	Projects    []ProjectStats      `json:"projects,omitempty"`
	TaskLists   TaskLists           `json:"task_lists"`
	Activity    []domain.AuditEntry `json:"activity,omitempty"`
}

type PersonalStats struct {
	Created             int `json:"created"`
	CreatedApproved     int `json:"created_approved"`
	InProgressAssigned  int `json:"in_progress_assigned"`
	AwaitingMyApproval  int `json:"awaiting_my_approval"`
	UnreadNotifications int `json:"unread_notifications"`
}

// PerformanceStats is filled for executors and approvers.
type PerformanceStats struct {
	AvgCompletionDays  float64  `json:"avg_completion_days"`
	CompletedThisMonth int      `json:"completed_this_month"`
	DailyChartLabels   []string `json:"daily_chart_labels"`
	DailyChartCounts   []int    `json:"daily_chart_counts"`
}

type AdminKPIs struct {
	TotalActive     int     `json:"total_active"`
	CreatedToday    int     `json:"created_today"`
	AvgApprovalDays float64 `json:"avg_approval_days"`
	RejectionRate   float64 `json:"rejection_rate"`
}

type ProjectStats struct {
	ProjectID   string         `json:"project_id"`
	ProjectName string         `json:"project_name"`
	ByState     map[string]int `json:"by_state"`
}

// TaskLists are the short work queues on the dashboard, five entries each.
type TaskLists struct {
	PendingApproval []domain.Connection `json:"pending_approval,omitempty"`
	MyAssigned      []domain.Connection `json:"my_assigned,omitempty"`
	Available       []domain.Connection `json:"available,omitempty"`
	MyOpenRequests  []domain.Connection `json:"my_open_requests,omitempty"`
}

const taskListLimit = 5
const chartDays = 30
const activityLimit = 10

// Aggregator builds dashboard summaries, serving repeated reads from the
// cache until the entry expires.
type Aggregator struct {
	DB    *sql.DB
	Repo  repo.Repo
	Cache *Cache
	Now   func() time.Time
}

func New(db *sql.DB, cache *Cache) Aggregator {
	return Aggregator{DB: db, Repo: repo.Repo{DB: db}, Cache: cache, Now: time.Now}
}

func (a Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a Aggregator) Summary(ctx context.Context, userID string, roles []string) (Summary, error) {
	if a.Cache != nil {
		if s, ok := a.Cache.Get(userID); ok {
			return s, nil
		}
	}
	s, err := a.build(ctx, userID, roles)
	if err != nil {
		return Summary{}, err
	}
	if a.Cache != nil {
		a.Cache.Set(userID, s)
	}
	return s, nil
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Aggregator) build(ctx context.Context, userID string, roles []string) (Summary, error) {
	now := a.now().UTC()
	isAdmin := hasRole(roles, domain.RoleAdmin)
	s := Summary{GeneratedAt: now.Format(time.RFC3339)}

	var err error
	if s.Personal, err = a.personal(ctx, userID, roles, isAdmin); err != nil {
		return s, err
	}
	if hasRole(roles, domain.RoleExecutor) || hasRole(roles, domain.RoleApprover) {
		perf, err := a.performance(ctx, userID, now)
		if err != nil {
			return s, err
		}
		s.Performance = perf
	}
	if isAdmin {
		kpis, err := a.adminKPIs(ctx, now)
		if err != nil {
			return s, err
		}
		s.Admin = kpis
	}
	if s.Projects, err = a.projectStats(ctx, userID, isAdmin); err != nil {
		return s, err
	}
	if s.TaskLists, err = a.taskLists(ctx, userID, roles, isAdmin); err != nil {
		return s, err
	}
	if s.Activity, err = a.Repo.ListAudit(ctx, repo.AuditFilters{Actions: audit.LifecycleActions, Limit: activityLimit}); err != nil {
		return s, err
	}
	return s, nil
}

func (a Aggregator) personal(ctx context.Context, userID string, roles []string, isAdmin bool) (PersonalStats, error) {
	var p PersonalStats
	queries := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&p.Created, `SELECT count(*) FROM connections WHERE requester_id=?`, []any{userID}},
		{&p.CreatedApproved, `SELECT count(*) FROM connections WHERE requester_id=? AND state=?`, []any{userID, domain.StateApproved}},
		{&p.InProgressAssigned, `SELECT count(*) FROM connections WHERE executor_id=? AND state=?`, []any{userID, domain.StateInProgress}},
		{&p.UnreadNotifications, `SELECT count(*) FROM notifications WHERE user_id=? AND is_read=0`, []any{userID}},
	}
	for _, q := range queries {
		if err := a.DB.QueryRowContext(ctx, q.query, q.args...).Scan(q.dst); err != nil {
			return p, err
		}
	}
	if hasRole(roles, domain.RoleApprover) || isAdmin {
		query := `SELECT count(*) FROM connections WHERE state=?`
		args := []any{domain.StateDone}
		if !isAdmin {
			query += ` AND project_id IN (SELECT project_id FROM project_users WHERE user_id=?)`
			args = append(args, userID)
		}
		if err := a.DB.QueryRowContext(ctx, query, args...).Scan(&p.AwaitingMyApproval); err != nil {
			return p, err
		}
	}
	return p, nil
}

// performance derives throughput from history pairs: the in_progress row and
// a later done or approved row written by this user on the same connection.
func (a Aggregator) performance(ctx context.Context, userID string, now time.Time) (*PerformanceStats, error) {
	perf := &PerformanceStats{}
	var avg sql.NullFloat64
	err := a.DB.QueryRowContext(ctx, `
SELECT AVG(julianday(h2.ts) - julianday(h1.ts))
FROM history h1
JOIN history h2 ON h2.connection_id=h1.connection_id AND h2.id > h1.id
WHERE h1.state=? AND h2.state IN (?,?) AND h2.user_id=?`,
		domain.StateInProgress, domain.StateDone, domain.StateApproved, userID).Scan(&avg)
	if err != nil {
		return nil, err
	}
	if avg.Valid {
		perf.AvgCompletionDays = avg.Float64
	}

	err = a.DB.QueryRowContext(ctx, `
SELECT count(*) FROM history WHERE user_id=? AND state=? AND strftime('%Y-%m', ts)=?`,
		userID, domain.StateDone, now.Format("2006-01")).Scan(&perf.CompletedThisMonth)
	if err != nil {
		return nil, err
	}

	since := now.AddDate(0, 0, -(chartDays - 1)).Format("2006-01-02")
	rows, err := a.DB.QueryContext(ctx, `
SELECT date(ts), count(*) FROM history
WHERE user_id=? AND state=? AND date(ts) >= ?
GROUP BY date(ts)`, userID, domain.StateDone, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byDay := map[string]int{}
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, err
		}
		byDay[day] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest day first
	for i := chartDays - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i).Format("2006-01-02")
		perf.DailyChartLabels = append(perf.DailyChartLabels, day)
		perf.DailyChartCounts = append(perf.DailyChartCounts, byDay[day])
	}
	return perf, nil
}

func (a Aggregator) adminKPIs(ctx context.Context, now time.Time) (*AdminKPIs, error) {
	k := &AdminKPIs{}
	if err := a.DB.QueryRowContext(ctx, `SELECT count(*) FROM connections WHERE state<>?`, domain.StateApproved).Scan(&k.TotalActive); err != nil {
		return nil, err
	}
	if err := a.DB.QueryRowContext(ctx, `SELECT count(*) FROM connections WHERE date(created_at)=?`, now.Format("2006-01-02")).Scan(&k.CreatedToday); err != nil {
		return nil, err
	}
	var avg sql.NullFloat64
	err := a.DB.QueryRowContext(ctx, `
SELECT AVG(julianday(h2.ts) - julianday(h1.ts))
FROM history h1
JOIN history h2 ON h2.connection_id=h1.connection_id AND h2.id > h1.id
WHERE h1.state=? AND h2.state=?`, domain.StateRequested, domain.StateApproved).Scan(&avg)
	if err != nil {
		return nil, err
	}
	if avg.Valid {
		k.AvgApprovalDays = avg.Float64
	}
	var approved, rejected int
	if err := a.DB.QueryRowContext(ctx, `SELECT count(*) FROM history WHERE state=?`, domain.StateApproved).Scan(&approved); err != nil {
		return nil, err
	}
	if err := a.DB.QueryRowContext(ctx, `SELECT count(*) FROM history WHERE state=?`, domain.StateRejected).Scan(&rejected); err != nil {
		return nil, err
	}
	if approved+rejected > 0 {
		k.RejectionRate = float64(rejected) / float64(approved+rejected)
	}
	return k, nil
}

func (a Aggregator) projectStats(ctx context.Context, userID string, isAdmin bool) ([]ProjectStats, error) {
	query := `
SELECT p.id, p.name, c.state, count(*)
FROM projects p
JOIN connections c ON c.project_id=p.id`
	var args []any
	if !isAdmin {
		query += `
JOIN project_users pu ON pu.project_id=p.id AND pu.user_id=?`
		args = append(args, userID)
	}
	query += `
GROUP BY p.id, p.name, c.state
ORDER BY p.name`
	rows, err := a.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ProjectStats
	index := map[string]int{}
	for rows.Next() {
		var id, name, state string
		var n int
		if err := rows.Scan(&id, &name, &state, &n); err != nil {
			return nil, err
		}
		i, ok := index[id]
		if !ok {
			i = len(res)
			index[id] = i
			res = append(res, ProjectStats{ProjectID: id, ProjectName: name, ByState: map[string]int{}})
		}
		res[i].ByState[state] = n
	}
	return res, rows.Err()
}

func (a Aggregator) taskLists(ctx context.Context, userID string, roles []string, isAdmin bool) (TaskLists, error) {
	var tl TaskLists
	var err error
	scopeClause := `project_id IN (SELECT project_id FROM project_users WHERE user_id=?)`
	if hasRole(roles, domain.RoleApprover) || isAdmin {
		where, args := `state=?`, []any{domain.StateDone}
		if !isAdmin {
			where += ` AND ` + scopeClause
			args = append(args, userID)
		}
		tl.PendingApproval, err = a.connectionList(ctx, where, args)
		if err != nil {
			return tl, err
		}
	}
	if hasRole(roles, domain.RoleExecutor) || isAdmin {
		tl.MyAssigned, err = a.connectionList(ctx, `executor_id=? AND state=?`, []any{userID, domain.StateInProgress})
		if err != nil {
			return tl, err
		}
		// Requested work is only visible inside the caller's projects
		// unless they are an admin.
		where, args := `state=?`, []any{domain.StateRequested}
		if !isAdmin {
			where += ` AND ` + scopeClause
			args = append(args, userID)
		}
		tl.Available, err = a.connectionList(ctx, where, args)
		if err != nil {
			return tl, err
		}
	}
	if hasRole(roles, domain.RoleRequester) || isAdmin {
		tl.MyOpenRequests, err = a.connectionList(ctx, `requester_id=? AND state<>?`, []any{userID, domain.StateApproved})
		if err != nil {
			return tl, err
		}
	}
	return tl, nil
}

func (a Aggregator) connectionList(ctx context.Context, where string, args []any) ([]domain.Connection, error) {
	query := `SELECT id,code,project_id,type,subtype,topology,description,details_json,state,requester_id,executor_id,approver_id,rejection_detail,version,created_at,updated_at
FROM connections WHERE ` + where
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, taskListLimit)
	rows, err := a.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Connection
	for rows.Next() {
		var c domain.Connection
		var details, executor, approver, rejection sql.NullString
		if err := rows.Scan(&c.ID, &c.Code, &c.ProjectID, &c.Type, &c.Subtype, &c.Topology, &c.Description,
			&details, &c.State, &c.RequesterID, &executor, &approver, &rejection, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
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
		res = append(res, c)
	}
	return res, rows.Err()
}

// clone deep-copies a summary so cache entries stay isolated from callers.
func (s Summary) clone() Summary {
	out := s
	if s.Performance != nil {
		perf := *s.Performance
		perf.DailyChartLabels = append([]string(nil), s.Performance.DailyChartLabels...)
		perf.DailyChartCounts = append([]int(nil), s.Performance.DailyChartCounts...)
		out.Performance = &perf
	}
	if s.Admin != nil {
		kpis := *s.Admin
		out.Admin = &kpis
	}
	if s.Projects != nil {
		out.Projects = make([]ProjectStats, len(s.Projects))
		for i, p := range s.Projects {
			cp := p
			cp.ByState = make(map[string]int, len(p.ByState))
			for k, v := range p.ByState {
				cp.ByState[k] = v
			}
			out.Projects[i] = cp
		}
	}
	out.TaskLists.PendingApproval = cloneConnections(s.TaskLists.PendingApproval)
	out.TaskLists.MyAssigned = cloneConnections(s.TaskLists.MyAssigned)
	out.TaskLists.Available = cloneConnections(s.TaskLists.Available)
	out.TaskLists.MyOpenRequests = cloneConnections(s.TaskLists.MyOpenRequests)
	out.Activity = cloneAudit(s.Activity)
	return out
}

func cloneConnections(in []domain.Connection) []domain.Connection {
	if in == nil {
		return nil
	}
	out := make([]domain.Connection, len(in))
	for i, c := range in {
		cp := c
		cp.DetailsJSON = cloneStringPtr(c.DetailsJSON)
		cp.ExecutorID = cloneStringPtr(c.ExecutorID)
		cp.ApproverID = cloneStringPtr(c.ApproverID)
		cp.RejectionDetail = cloneStringPtr(c.RejectionDetail)
		out[i] = cp
	}
	return out
}

func cloneAudit(in []domain.AuditEntry) []domain.AuditEntry {
	if in == nil {
		return nil
	}
	out := make([]domain.AuditEntry, len(in))
	for i, e := range in {
		cp := e
		cp.UserID = cloneStringPtr(e.UserID)
		cp.ObjectID = cloneStringPtr(e.ObjectID)
		cp.Detail = cloneStringPtr(e.Detail)
		out[i] = cp
	}
	return out
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
