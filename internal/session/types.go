package session

import (
	"time"

	"github.com/ent0n29/pagevoice/internal/conversation"
)

// CreateRequest defines payload for creating a new widget session.
type CreateRequest struct {
	UserID string `json:"user_id"`
}

// CreateResponse returns created session metadata and the opening history.
type CreateResponse struct {
	SessionID       string                 `json:"session_id"`
	UserID          string                 `json:"user_id"`
	Status          Status                 `json:"status"`
	StartedAt       time.Time              `json:"started_at"`
	LastActivityAt  time.Time              `json:"last_activity_at"`
	InactivityTTLMS int64                  `json:"inactivity_ttl_ms"`
	Messages        []conversation.Message `json:"messages"`
}

// PageRequest carries a page content snapshot from the host page.
type PageRequest struct {
	Text  string `json:"text"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (r PageRequest) Context() conversation.PageContext {
	return conversation.PageContext{Text: r.Text, URL: r.URL, Title: r.Title}
}
