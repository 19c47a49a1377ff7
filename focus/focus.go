// Package focus orchestrates CTA analysis sessions: it validates uploads and
// design URLs, dispatches them to the remote detection backend (directly or
// through the capture chain), tracks per-session state in memory with a TTL,
// and derives presentation reports from finished analyses.
package focus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uxlens/ctafocus/capture"
	"github.com/uxlens/ctafocus/detect"
	"github.com/uxlens/ctafocus/idgen"
	"github.com/uxlens/ctafocus/kit"
	"github.com/uxlens/ctafocus/observability"
	"github.com/uxlens/ctafocus/report"
	"github.com/uxlens/ctafocus/safeurl"
)

// Version identifies this service in health responses.
const Version = "1.0.0"

// Session states.
const (
	StatePending = "pending"
	StateDone    = "done"
	StateFailed  = "failed"
)

const (
	maxFilenameLen = 255
	maxURLLen      = 2048
	maxGoalLen     = 500
)

// allowedImageTypes is the accepted upload whitelist, matched against the
// file extension or the image/* content-type subtype.
var allowedImageTypes = map[string]bool{
	"jpeg": true,
	"jpg":  true,
	"png":  true,
	"gif":  true,
	"bmp":  true,
	"webp": true,
}

// BackendClient is the remote detection API surface the service depends on.
// *detect.Client satisfies it; tests substitute stubs.
type BackendClient interface {
	Health(ctx context.Context) (*detect.HealthStatus, error)
	Analyze(ctx context.Context, filename string, image io.Reader, desiredBehavior string) (*detect.AnalysisResult, error)
	AnalyzeURL(ctx context.Context, designURL, desiredBehavior string) (*detect.AnalysisResult, error)
}

// Capturer turns a design URL into an image locally. *capture.Capturer
// satisfies it.
type Capturer interface {
	Capture(ctx context.Context, rawURL string) (*capture.Shot, error)
}

// Config bounds the session store and the upload intake.
type Config struct {
	SessionTTL     time.Duration // how long a session (and its result) is kept
	MaxSessions    int           // concurrent session cap
	MaxUploadBytes int64         // upload size limit
	SweepInterval  time.Duration // expiry sweep cadence
}

func (c *Config) defaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 100
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 10 << 20
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Service coordinates analysis sessions end to end.
type Service struct {
	backend      BackendClient
	capturer     Capturer
	logger       *slog.Logger
	audit        *observability.AuditLogger
	metrics      *observability.MetricsManager
	events       *observability.EventLogger
	newID        idgen.Generator
	clock        func() time.Time
	urlValidator func(string) error
	cfg          Config

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates the analysis service. The backend client is required; all
// observability hooks and the capturer are optional.
func New(backend BackendClient, opts ...Option) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend client is required", ErrInvalidInput)
	}
	svc := &Service{
		backend:      backend,
		logger:       slog.Default(),
		newID:        idgen.Prefixed("ana_", idgen.NanoID(12)),
		clock:        time.Now,
		urlValidator: safeurl.ValidateURL,
		sessions:     make(map[string]*session),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.cfg.defaults()
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	return svc, nil
}

// Option configures a Service during creation.
type Option func(*Service)

// WithLogger sets the structured logger (default slog.Default).
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.logger = l }
}

// WithCapturer sets the local URL capture chain. Without one, URL analyses
// go straight to the backend's remote capture.
func WithCapturer(c Capturer) Option {
	return func(svc *Service) { svc.capturer = c }
}

// WithAudit sets the audit logger for analysis operations.
func WithAudit(a *observability.AuditLogger) Option {
	return func(svc *Service) { svc.audit = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.MetricsManager) Option {
	return func(svc *Service) { svc.metrics = m }
}

// WithEvents sets the business event logger.
func WithEvents(e *observability.EventLogger) Option {
	return func(svc *Service) { svc.events = e }
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(svc *Service) { svc.newID = gen }
}

// WithClock overrides the time source. Tests use this to force TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.clock = now }
}

// WithConfig replaces the default limits.
func WithConfig(cfg Config) Option {
	return func(svc *Service) { svc.cfg = cfg }
}

// WithURLValidator overrides the URL safety check (default safeurl.ValidateURL).
// Tests use this to allow httptest servers on loopback addresses.
func WithURLValidator(fn func(string) error) Option {
	return func(svc *Service) { svc.urlValidator = fn }
}

// Start launches the session expiry sweep. Non-blocking; the loop stops
// when ctx is cancelled.
func (svc *Service) Start(ctx context.Context) {
	go svc.sweepLoop(ctx)
	svc.logger.Info("focus: started",
		"session_ttl", svc.cfg.SessionTTL,
		"max_sessions", svc.cfg.MaxSessions)
}

func (svc *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(svc.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.sweep(); n > 0 {
				svc.logger.Debug("focus: swept expired sessions", "count", n)
			}
		}
	}
}

// sweep removes sessions past their TTL, releasing any waiters on pending
// ones, and reports how many were dropped.
func (svc *Service) sweep() int {
	now := svc.clock()
	svc.mu.Lock()
	defer svc.mu.Unlock()
	n := 0
	for id, s := range svc.sessions {
		if now.After(s.expires) {
			if s.State == StatePending {
				close(s.done)
			}
			delete(svc.sessions, id)
			n++
		}
	}
	return n
}

// Session is a point-in-time snapshot of an analysis session.
type Session struct {
	ID              string    `json:"session_id"`
	State           string    `json:"state"`
	Source          string    `json:"source"`
	DesiredBehavior string    `json:"desired_behavior,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// SessionInfo is a listing row for Sessions().
type SessionInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// session is the live record. All fields are guarded by Service.mu; the
// result is immutable once stored.
type session struct {
	Session
	result  *detect.AnalysisResult
	message string        // failure message, set when State == StateFailed
	percent int           // simulated progress counter, 0..90 while pending
	title   string        // page title from capture, when available
	done    chan struct{} // closed on terminal transition or removal
	expires time.Time
}

// Upload is an incoming design image.
type Upload struct {
	Filename        string
	Size            int64
	ContentType     string
	Reader          io.Reader
	DesiredBehavior string
}

// URLRequest asks for analysis of a live page or hosted image.
type URLRequest struct {
	DesignURL       string `json:"design_url"`
	DesiredBehavior string `json:"desired_behavior"`
}

// AnalyzeImage validates an uploaded image and starts a background analysis.
// The returned session is immediately pollable via Progress and Result.
func (svc *Service) AnalyzeImage(ctx context.Context, up Upload) (*Session, error) {
	if err := svc.validateUpload(&up); err != nil {
		svc.metric(observability.MetricUploadsRejectedTotal, 1, "count")
		return nil, err
	}
	data, err := readUpload(up.Reader, svc.cfg.MaxUploadBytes)
	if err != nil {
		svc.metric(observability.MetricUploadsRejectedTotal, 1, "count")
		return nil, err
	}
	goal := strings.TrimSpace(up.DesiredBehavior)

	s, err := svc.createSession(up.Filename, goal)
	if err != nil {
		return nil, err
	}
	svc.logger.Info("focus: analysis started",
		"session_id", s.ID, "source", up.Filename, "bytes", len(data))
	svc.event(ctx, "analysis_started", s.ID, true,
		fmt.Sprintf(`{"source":%q,"bytes":%d}`, up.Filename, len(data)))
	svc.auditLog(ctx, "analyze_image",
		map[string]any{"session_id": s.ID, "filename": up.Filename, "bytes": len(data)}, nil)

	// The request context ends at the 202 response; keep its values
	// (trace, identity) but not its cancellation.
	go svc.runImage(context.WithoutCancel(ctx), s.ID, up.Filename, data, goal)

	snap := s.Session
	return &snap, nil
}

// AnalyzeURL validates a design URL and starts a background capture and
// analysis for it.
func (svc *Service) AnalyzeURL(ctx context.Context, req URLRequest) (*Session, error) {
	raw := strings.TrimSpace(req.DesignURL)
	if raw == "" {
		return nil, fmt.Errorf("%w: design_url is required", ErrInvalidInput)
	}
	if len(raw) > maxURLLen {
		return nil, fmt.Errorf("%w: design_url exceeds %d characters", ErrInvalidInput, maxURLLen)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: design_url must be an absolute http(s) URL", ErrInvalidInput)
	}
	if err := svc.urlValidator(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	goal := strings.TrimSpace(req.DesiredBehavior)
	if len(goal) > maxGoalLen {
		return nil, fmt.Errorf("%w: desired_behavior exceeds %d characters", ErrInvalidInput, maxGoalLen)
	}

	s, err := svc.createSession(raw, goal)
	if err != nil {
		return nil, err
	}
	svc.logger.Info("focus: url analysis started", "session_id", s.ID, "url", raw)
	svc.event(ctx, "analysis_started", s.ID, true, fmt.Sprintf(`{"source":%q}`, raw))
	svc.auditLog(ctx, "analyze_url",
		map[string]any{"session_id": s.ID, "design_url": raw}, nil)

	go svc.runURL(context.WithoutCancel(ctx), s.ID, raw, goal)

	snap := s.Session
	return &snap, nil
}

// Result returns the stored analysis for a finished session.
func (svc *Service) Result(id string) (*detect.AnalysisResult, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	s, ok := svc.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	switch s.State {
	case StatePending:
		return nil, ErrAnalysisPending
	case StateFailed:
		return nil, fmt.Errorf("%w: %s", ErrAnalysisFailed, s.message)
	}
	return s.result, nil
}

// Wait blocks until the session reaches a terminal state or ctx ends, then
// behaves like Result. Used by the synchronous (?wait=1) analyze flow.
func (svc *Service) Wait(ctx context.Context, id string) (*detect.AnalysisResult, error) {
	svc.mu.RLock()
	s, ok := svc.sessions[id]
	svc.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
	}
	return svc.Result(id)
}

// Report builds the derived presentation report for a completed session.
func (svc *Service) Report(id string) (*report.Report, error) {
	svc.mu.RLock()
	s, ok := svc.sessions[id]
	var (
		state, message, goal, title string
		result                      *detect.AnalysisResult
	)
	if ok {
		state, message, goal, title = s.State, s.message, s.DesiredBehavior, s.title
		result = s.result
	}
	svc.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	switch state {
	case StatePending:
		return nil, ErrAnalysisPending
	case StateFailed:
		return nil, fmt.Errorf("%w: %s", ErrAnalysisFailed, message)
	}

	rep := report.Build(result, report.BuildOptions{
		DesiredBehavior: goal,
		Title:           title,
	})
	svc.event(context.Background(), "report_exported", id, true, "")
	svc.metric(observability.MetricReportsTotal, 1, "count")
	svc.auditLog(context.Background(), "report", map[string]any{"session_id": id}, nil)
	return rep, nil
}

// Delete removes a session. Deleting a pending session abandons its analysis:
// the worker goroutine finishes against a record that no longer exists.
func (svc *Service) Delete(id string) error {
	svc.mu.Lock()
	s, ok := svc.sessions[id]
	if ok {
		if s.State == StatePending {
			close(s.done)
		}
		delete(svc.sessions, id)
	}
	svc.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	svc.logger.Info("focus: session deleted", "session_id", id)
	svc.auditLog(context.Background(), "delete_session", map[string]any{"session_id": id}, nil)
	return nil
}

// Sessions lists sessions newest first.
func (svc *Service) Sessions() []SessionInfo {
	svc.mu.RLock()
	out := make([]SessionInfo, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		out = append(out, SessionInfo{
			ID:        s.ID,
			State:     s.State,
			Source:    s.Source,
			CreatedAt: s.CreatedAt,
		})
	}
	svc.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ServiceHealth reports combined service and backend status.
type ServiceHealth struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Backend BackendHealth `json:"backend"`
}

// BackendHealth is the reachability probe of the remote detection backend.
type BackendHealth struct {
	Reachable bool   `json:"reachable"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Health probes the backend and reports combined status: "ok" when the
// backend answers, "degraded" when it does not.
func (svc *Service) Health(ctx context.Context) ServiceHealth {
	h := ServiceHealth{Status: "ok", Version: Version}
	bh, err := svc.backend.Health(ctx)
	if err != nil {
		h.Status = "degraded"
		h.Backend = BackendHealth{Error: err.Error()}
		return h
	}
	h.Backend = BackendHealth{Reachable: true, Version: bh.Version}
	return h
}

// --- session lifecycle ---

func (svc *Service) createSession(source, goal string) (*session, error) {
	now := svc.clock()
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.sessions) >= svc.cfg.MaxSessions {
		return nil, fmt.Errorf("%w: maximum %d concurrent sessions", ErrTooManySessions, svc.cfg.MaxSessions)
	}
	s := &session{
		Session: Session{
			ID:              svc.newID(),
			State:           StatePending,
			Source:          source,
			DesiredBehavior: goal,
			CreatedAt:       now,
		},
		done:    make(chan struct{}),
		expires: now.Add(svc.cfg.SessionTTL),
	}
	svc.sessions[s.ID] = s
	return s, nil
}

// finish moves a pending session to a terminal state. Finishing a session
// that was deleted or swept mid-flight is a no-op.
func (svc *Service) finish(id string, result *detect.AnalysisResult, failure string) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	s, ok := svc.sessions[id]
	if !ok || s.State != StatePending {
		return
	}
	if failure != "" {
		s.State = StateFailed
		s.message = failure
		s.result = nil
	} else {
		s.State = StateDone
		s.result = result
	}
	close(s.done)
}

func (svc *Service) setTitle(id, title string) {
	if title == "" {
		return
	}
	svc.mu.Lock()
	if s, ok := svc.sessions[id]; ok {
		s.title = title
	}
	svc.mu.Unlock()
}

// runImage performs the backend call for an uploaded image.
func (svc *Service) runImage(ctx context.Context, id, filename string, data []byte, goal string) {
	started := svc.clock()
	result, err := svc.backend.Analyze(ctx, filename, bytes.NewReader(data), goal)
	svc.resolve(ctx, id, result, err, started, "upload")
}

// runURL captures the URL locally and analyzes the shot; when every local
// capture method fails (or no capturer is configured) it falls back to the
// backend's own URL analysis.
func (svc *Service) runURL(ctx context.Context, id, designURL, goal string) {
	started := svc.clock()

	if svc.capturer != nil {
		shot, err := svc.capturer.Capture(ctx, designURL)
		if err == nil {
			svc.metricLabeled(observability.MetricCapturesTotal, 1, "count", map[string]string{"method": shot.Method})
			svc.setTitle(id, shot.Title)
			result, aerr := svc.backend.Analyze(ctx, "capture."+shot.Format, bytes.NewReader(shot.Data), goal)
			if aerr == nil {
				stampCaptureMeta(result, designURL, shot)
			}
			svc.resolve(ctx, id, result, aerr, started, "url")
			return
		}
		svc.logger.Warn("focus: local capture failed, falling back to backend",
			"session_id", id, "error", err)
	}

	result, err := svc.backend.AnalyzeURL(ctx, designURL, goal)
	if err == nil {
		svc.metricLabeled(observability.MetricCapturesTotal, 1, "count", map[string]string{"method": capture.MethodBackend})
		stampBackendMeta(result, designURL)
	}
	svc.resolve(ctx, id, result, err, started, "url")
}

// resolve records the outcome of a background analysis.
func (svc *Service) resolve(ctx context.Context, id string, result *detect.AnalysisResult, err error, started time.Time, source string) {
	elapsed := svc.clock().Sub(started)
	if err != nil {
		svc.finish(id, nil, err.Error())
		svc.logger.Warn("focus: analysis failed",
			"session_id", id, "error", err, "elapsed_ms", elapsed.Milliseconds())
		svc.event(ctx, "analysis_failed", id, false, fmt.Sprintf(`{"error":%q}`, err.Error()))
		svc.metricLabeled(observability.MetricAnalysesTotal, 1, "count", map[string]string{"source": source, "outcome": "failed"})
		return
	}
	svc.finish(id, result, "")
	svc.logger.Info("focus: analysis completed",
		"session_id", id,
		"ctas", len(result.CTAs),
		"conflicts", len(result.CompetingPrompts.Conflicts),
		"elapsed_ms", elapsed.Milliseconds())
	svc.event(ctx, "analysis_completed", id, true,
		fmt.Sprintf(`{"ctas":%d,"conflicts":%d}`, len(result.CTAs), len(result.CompetingPrompts.Conflicts)))
	svc.metricLabeled(observability.MetricAnalysesTotal, 1, "count", map[string]string{"source": source, "outcome": "done"})
	svc.metric(observability.MetricAnalysisDurationMs, float64(elapsed.Milliseconds()), "milliseconds")
}

// stampCaptureMeta records where and how a locally captured result came to be.
func stampCaptureMeta(result *detect.AnalysisResult, designURL string, shot *capture.Shot) {
	result.Meta.SourceURL = designURL
	result.Meta.CaptureMethod = shot.Method
	if result.Meta.Width == 0 && shot.Width > 0 {
		result.Meta.Width = shot.Width
		result.Meta.Height = shot.Height
		result.Meta.ImageDimensions = fmt.Sprintf("%dx%d", shot.Width, shot.Height)
	}
}

// stampBackendMeta marks a result produced by the backend's remote capture.
// The backend may already have recorded its own capture method; only the
// source URL is forced.
func stampBackendMeta(result *detect.AnalysisResult, designURL string) {
	result.Meta.SourceURL = designURL
	if result.Meta.CaptureMethod == "" {
		result.Meta.CaptureMethod = capture.MethodBackend
	}
}

// --- validation ---

func (svc *Service) validateUpload(up *Upload) error {
	if up.Reader == nil {
		return fmt.Errorf("%w: no image supplied", ErrInvalidInput)
	}
	if len(up.Filename) > maxFilenameLen {
		return fmt.Errorf("%w: filename exceeds %d characters", ErrInvalidInput, maxFilenameLen)
	}
	if up.Size > svc.cfg.MaxUploadBytes {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrUploadTooLarge, up.Size, svc.cfg.MaxUploadBytes)
	}
	if !allowedUpload(up.Filename, up.ContentType) {
		return fmt.Errorf("%w: upload a jpg, png, gif, bmp or webp image", ErrUnsupportedType)
	}
	if len(up.DesiredBehavior) > maxGoalLen {
		return fmt.Errorf("%w: desired_behavior exceeds %d characters", ErrInvalidInput, maxGoalLen)
	}
	if up.Filename == "" {
		up.Filename = "upload"
	}
	return nil
}

// allowedUpload accepts a file whose extension or image/* content type is on
// the whitelist.
func allowedUpload(filename, contentType string) bool {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if allowedImageTypes[ext] {
		return true
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if sub, ok := strings.CutPrefix(strings.ToLower(mt), "image/"); ok && allowedImageTypes[sub] {
			return true
		}
	}
	return false
}

// readUpload reads the whole upload into memory, bounded by max. The size
// header is advisory; this is the authoritative check.
func readUpload(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read upload: %v", ErrInvalidInput, err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: upload exceeds the %d byte limit", ErrUploadTooLarge, max)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidInput)
	}
	return data, nil
}

// --- observability (all nil-safe) ---

func (svc *Service) event(ctx context.Context, eventType, sessionID string, success bool, details string) {
	if svc.events == nil {
		return
	}
	svc.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   eventType,
		ServiceName: "ctafocus",
		EntityType:  "analysis",
		EntityID:    sessionID,
		UserID:      kit.GetUserID(ctx),
		Action:      eventType,
		Details:     details,
		Success:     success,
	})
}

func (svc *Service) auditLog(ctx context.Context, operation string, params any, opErr error) {
	if svc.audit == nil {
		return
	}
	e := svc.audit.NewAuditEntry("focus", operation, params, nil, opErr, 0)
	e.UserID = kit.GetUserID(ctx)
	e.SessionID = kit.GetSessionID(ctx)
	e.RequestID = kit.GetRequestID(ctx)
	svc.audit.LogAsync(e)
}

func (svc *Service) metric(name string, value float64, unit string) {
	if svc.metrics == nil {
		return
	}
	svc.metrics.RecordSimple(name, value, unit)
}

func (svc *Service) metricLabeled(name string, value float64, unit string, labels map[string]string) {
	if svc.metrics == nil {
		return
	}
	svc.metrics.Record(&observability.Metric{
		Name:      name,
		Timestamp: svc.clock(),
		Value:     value,
		Unit:      unit,
		Labels:    labels,
	})
}
