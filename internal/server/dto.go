package server

import (
	"encoding/json"

	"steeltrack/internal/dashboard"
	"steeltrack/internal/domain"
)

// Request payloads

type CreateConnectionRequest struct {
	ProjectID   string   `json:"project_id"`
	Type        string   `json:"type"`
	Subtype     string   `json:"subtype"`
	Topology    string   `json:"topology"`
	Description string   `json:"description,omitempty"`
	Profiles    []string `json:"profiles,omitempty"`
}

type TransitionRequest struct {
	State  string `json:"state" enum:"in_progress,done,approved,rejected"`
	Detail string `json:"detail,omitempty"`
}

type AssignRequest struct {
	UserID string `json:"user_id"`
}

type CommentRequest struct {
	Content string `json:"content"`
}

type DevLoginRequest struct {
	Username string `json:"username"`
}

type DevLoginResponse struct {
	Token  string   `json:"token"`
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// Response payloads

type ConnectionResponse struct {
	ID              string         `json:"id"`
	Code            string         `json:"code"`
	ProjectID       string         `json:"project_id"`
	Type            string         `json:"type"`
	Subtype         string         `json:"subtype"`
	Topology        string         `json:"topology"`
	Description     string         `json:"description,omitempty"`
	Details         map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
	State           string         `json:"state" enum:"requested,in_progress,done,approved"`
	RequesterID     string         `json:"requester_id"`
	ExecutorID      *string        `json:"executor_id,omitempty"`
	ApproverID      *string        `json:"approver_id,omitempty"`
	RejectionDetail *string        `json:"rejection_detail,omitempty"`
	Version         int64          `json:"version"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

type TransitionResponse struct {
	Connection ConnectionResponse `json:"connection"`
	Message    string             `json:"message"`
}

type HistoryEntryResponse struct {
	ID     int64   `json:"id"`
	UserID string  `json:"user_id"`
	State  string  `json:"state"`
	Detail *string `json:"detail,omitempty"`
	TS     string  `json:"ts" format:"date-time"`
}

type CommentResponse struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ConnectionDetailResponse struct {
	ConnectionResponse
	History  []HistoryEntryResponse `json:"history"`
	Comments []CommentResponse      `json:"comments"`
}

type NotificationResponse struct {
	ID           int64   `json:"id"`
	Message      string  `json:"message"`
	URL          string  `json:"url"`
	ConnectionID *string `json:"connection_id,omitempty"`
	Read         bool    `json:"read"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

type AuditEntryResponse struct {
	ID         int64   `json:"id"`
	UserID     *string `json:"user_id,omitempty"`
	Action     string  `json:"action"`
	ObjectType string  `json:"object_type"`
	ObjectID   *string `json:"object_id,omitempty"`
	Detail     *string `json:"detail,omitempty"`
	TS         string  `json:"ts" format:"date-time"`
}

type DashboardResponse struct {
	dashboard.Summary
}

type paginatedConnections struct {
	Items      []ConnectionResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedAudit struct {
	Items      []AuditEntryResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type notificationList struct {
	Items  []NotificationResponse `json:"items"`
	Unread int                    `json:"unread"`
}

// Mapping helpers

func mapConnection(c domain.Connection) ConnectionResponse {
	resp := ConnectionResponse{
		ID:              c.ID,
		Code:            c.Code,
		ProjectID:       c.ProjectID,
		Type:            c.Type,
		Subtype:         c.Subtype,
		Topology:        c.Topology,
		Description:     c.Description,
		State:           c.State,
		RequesterID:     c.RequesterID,
		ExecutorID:      c.ExecutorID,
		ApproverID:      c.ApproverID,
		RejectionDetail: c.RejectionDetail,
		Version:         c.Version,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if c.DetailsJSON != nil && *c.DetailsJSON != "" {
		var details map[string]any
		if err := json.Unmarshal([]byte(*c.DetailsJSON), &details); err == nil {
			resp.Details = details
		}
	}
	return resp
}

func mapConnections(in []domain.Connection) []ConnectionResponse {
	out := make([]ConnectionResponse, 0, len(in))
	for _, c := range in {
		out = append(out, mapConnection(c))
	}
	return out
}

func mapHistory(in []domain.HistoryRecord) []HistoryEntryResponse {
	out := make([]HistoryEntryResponse, 0, len(in))
	for _, h := range in {
		out = append(out, HistoryEntryResponse{
			ID:     h.ID,
			UserID: h.UserID,
			State:  h.State,
			Detail: h.Detail,
			TS:     h.TS,
		})
	}
	return out
}

func mapComments(in []domain.Comment) []CommentResponse {
	out := make([]CommentResponse, 0, len(in))
	for _, c := range in {
		out = append(out, CommentResponse{
			ID:        c.ID,
			UserID:    c.UserID,
			Content:   c.Content,
			CreatedAt: c.CreatedAt,
		})
	}
	return out
}

func mapNotifications(in []domain.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(in))
	for _, n := range in {
		out = append(out, NotificationResponse{
			ID:           n.ID,
			Message:      n.Message,
			URL:          n.URL,
			ConnectionID: n.ConnectionID,
			Read:         n.Read,
			CreatedAt:    n.CreatedAt,
		})
	}
	return out
}

func mapAudit(in []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(in))
	for _, e := range in {
		out = append(out, AuditEntryResponse{
			ID:         e.ID,
			UserID:     e.UserID,
			Action:     e.Action,
			ObjectType: e.ObjectType,
			ObjectID:   e.ObjectID,
			Detail:     e.Detail,
			TS:         e.TS,
		})
	}
	return out
}
