package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/uxlens/ctafocus/dbopen"
)

const (
	maxTextLen      = 2000
	maxSessionIDLen = 64
	maxSubmitBody   = 32 * 1024
)

func validRating(s string) bool {
	return s == RatingHelpful || s == RatingUnhelpful
}

func (c *Collector) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBody)

	var req struct {
		SessionID string `json:"session_id"`
		Rating    string `json:"rating"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validRating(req.Rating) {
		jsonError(w, http.StatusBadRequest, `rating must be "helpful" or "unhelpful"`)
		return
	}
	if len(req.SessionID) > maxSessionIDLen {
		jsonError(w, http.StatusBadRequest, "session_id too long")
		return
	}
	if req.Text = strings.TrimSpace(req.Text); len(req.Text) > maxTextLen {
		// Back off to a rune boundary so the cut never stores invalid UTF-8.
		cut := maxTextLen
		for cut > 0 && !utf8.RuneStart(req.Text[cut]) {
			cut--
		}
		req.Text = req.Text[:cut]
	}

	e := Entry{
		ID:        c.newID(),
		SessionID: req.SessionID,
		Rating:    req.Rating,
		Text:      req.Text,
		UserAgent: r.UserAgent(),
		Service:   c.service,
		CreatedAt: time.Now().Unix(),
	}
	if c.userIDFn != nil {
		if uid := c.userIDFn(r); uid != "" {
			e.UserID = &uid
		}
	}

	if err := c.insert(r.Context(), &e); err != nil {
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": e.ID, "status": "ok"})
}

// insert writes one entry, retrying through the BUSY window that shows up
// when submissions land during a retention sweep on the same database.
func (c *Collector) insert(ctx context.Context, e *Entry) error {
	_, err := dbopen.Exec(ctx, c.db,
		`INSERT INTO analysis_feedback (id, session_id, rating, text, user_agent, user_id, service, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Rating, e.Text, e.UserAgent, e.UserID, e.Service, e.CreatedAt)
	return err
}

func (c *Collector) handleListJSON(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q, "limit", 50, 1, 500)
	offset := queryInt(q, "offset", 0, 0, 1<<30)

	entries, err := c.list(q.Get("session_id"), limit, offset)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// queryInt parses q[name] as an int in [min, max], falling back to def on
// anything absent, malformed or out of range.
func queryInt(q url.Values, name string, def, min, max int) int {
	n, err := strconv.Atoi(q.Get(name))
	if err != nil || n < min || n > max {
		return def
	}
	return n
}

// list returns stored entries newest first, optionally narrowed to one
// analysis session. Never returns a nil slice; the JSON list endpoint
// must encode [] when empty.
func (c *Collector) list(sessionID string, limit, offset int) ([]Entry, error) {
	query := `SELECT id, session_id, rating, text, user_agent, user_id, service, created_at
	          FROM analysis_feedback`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var uid sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Rating, &e.Text, &e.UserAgent, &uid, &e.Service, &e.CreatedAt); err != nil {
			return nil, err
		}
		if uid.Valid {
			e.UserID = &uid.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// entryView is the template-side projection of an Entry.
type entryView struct {
	Rating    string
	Text      string
	UserID    string
	SessionID string
	CreatedAt string
}

var listPage = template.Must(template.New("entries").Parse(`<!DOCTYPE html>
<html lang="en"><head><meta charset="UTF-8"><meta name="viewport" content="width=device-width,initial-scale=1">
<title>Analysis feedback · {{.Service}}</title>
<style>
body{font-family:system-ui,-apple-system,sans-serif;max-width:840px;margin:2rem auto;padding:0 1rem;color:#1f2428;background:#f6f7f9}
h1{font-size:1.35rem;border-bottom:2px solid #dde1e6;padding-bottom:.5rem}
.entry{background:#fff;border:1px solid #dde1e6;border-radius:8px;padding:1rem;margin-bottom:.75rem}
.rating-helpful{color:#1a7f37;font-weight:600}
.rating-unhelpful{color:#b42318;font-weight:600}
.meta{font-size:.8rem;color:#667085;margin-top:.5rem}
.empty{color:#98a2b3;font-style:italic}
</style></head><body>
<h1>Analysis feedback · {{.Service}} ({{.Count}})</h1>
{{- if eq .Count 0}}
<p class="empty">No feedback yet.</p>
{{- end}}
{{- range .Entries}}
<div class="entry"><span class="rating-{{.Rating}}">{{.Rating}}</span>
{{- if .Text}}<p>{{.Text}}</p>{{- end}}
<div class="meta">{{.UserID}} &middot; {{.CreatedAt}}
{{- if .SessionID}} &middot; {{.SessionID}}{{- end}}</div></div>
{{- end}}
</body></html>`))

func (c *Collector) handleListHTML(w http.ResponseWriter, r *http.Request) {
	entries, err := c.list("", 200, 0)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]entryView, len(entries))
	for i, e := range entries {
		v := entryView{
			Rating:    e.Rating,
			Text:      e.Text,
			UserID:    "anonymous",
			SessionID: e.SessionID,
			CreatedAt: time.Unix(e.CreatedAt, 0).UTC().Format("2006-01-02 15:04"),
		}
		if e.UserID != nil {
			v.UserID = *e.UserID
		}
		views[i] = v
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	listPage.Execute(w, struct {
		Service string
		Count   int
		Entries []entryView
	}{
		Service: c.service,
		Count:   len(entries),
		Entries: views,
	})
}

func jsonError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
