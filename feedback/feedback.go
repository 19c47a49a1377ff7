// Package feedback collects operator verdicts on analysis quality: a
// helpful/unhelpful rating plus an optional comment, tied to the analysis
// session it judges.
//
// The HTTP surface mounts either as a chi sub-handler via
// [Collector.Handler] or directly on a ServeMux via [Collector.RegisterMux].
package feedback

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/uxlens/ctafocus/idgen"
)

// Ratings accepted by the submit endpoint.
const (
	RatingHelpful   = "helpful"
	RatingUnhelpful = "unhelpful"
)

// UserIDFunc extracts a user identifier from the HTTP request.
// Return "" for anonymous feedback.
type UserIDFunc func(r *http.Request) string

// Config holds the settings needed to create a Collector.
type Config struct {
	DB       *sql.DB
	Service  string     // stamped on every entry, e.g. "ctafocus"
	UserIDFn UserIDFunc // nil = always anonymous
}

// Entry is one stored verdict.
type Entry struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id,omitempty"`
	Rating    string  `json:"rating"`
	Text      string  `json:"text,omitempty"`
	UserAgent string  `json:"user_agent"`
	UserID    *string `json:"user_id,omitempty"`
	Service   string  `json:"service"`
	CreatedAt int64   `json:"created_at"`
}

// Collector owns the feedback table and its HTTP surface.
type Collector struct {
	db       *sql.DB
	service  string
	userIDFn UserIDFunc
	newID    idgen.Generator
}

// Idempotent; New applies it on every start.
const schema = `
CREATE TABLE IF NOT EXISTS analysis_feedback (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL DEFAULT '',
    rating     TEXT NOT NULL,
    text       TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    user_id    TEXT,
    service    TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_created ON analysis_feedback(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_feedback_session ON analysis_feedback(session_id);
`

// New creates a Collector and applies the schema.
func New(cfg Config) (*Collector, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("feedback: DB is required")
	}
	if _, err := cfg.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("feedback schema: %w", err)
	}
	return &Collector{
		db:       cfg.DB,
		service:  cfg.Service,
		userIDFn: cfg.UserIDFn,
		newID:    idgen.New,
	}, nil
}

// Handler returns the feedback endpoints as a standalone handler. The
// caller strips its mount prefix first:
//
//	r.Mount("/api/feedback", http.StripPrefix("/api/feedback", fb.Handler()))
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	c.RegisterMux(mux, "")
	return mux
}

// RegisterMux registers the feedback routes on mux under basePath using
// method+path patterns (Go 1.22+ ServeMux).
func (c *Collector) RegisterMux(mux *http.ServeMux, basePath string) {
	bp := strings.TrimRight(basePath, "/")
	mux.HandleFunc("POST "+bp+"/submit", c.handleSubmit)
	mux.HandleFunc("GET "+bp+"/entries", c.handleListJSON)
	mux.HandleFunc("GET "+bp+"/entries.html", c.handleListHTML)
}
