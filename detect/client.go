package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// ErrNoBaseURL is returned by New when the backend URL is empty.
var ErrNoBaseURL = errors.New("detect: backend URL required")

// ErrBackendUnavailable wraps transport-level failures: the backend could not
// be reached at all (connection refused, DNS, timeout).
var ErrBackendUnavailable = errors.New("detect: backend unavailable")

// ErrBackend is the sentinel all BackendError values unwrap to. Use
// errors.Is(err, ErrBackend) to distinguish "the backend answered with an
// error" from "the backend could not be reached".
var ErrBackend = errors.New("detect: backend error")

// ErrResponseTooLarge is returned when a backend response exceeds
// Config.MaxResponseBytes.
var ErrResponseTooLarge = errors.New("detect: response too large")

// BackendError carries an error the backend itself reported, either as a
// non-2xx status with an {"error": ...} body or as a 200 soft failure with
// {error: true, message: ...}. Message is surfaced to users verbatim, so it
// stays exactly what the backend sent.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string { return e.Message }

func (e *BackendError) Unwrap() error { return ErrBackend }

// HealthStatus is the backend's /api/health response.
type HealthStatus struct {
	Status   string   `json:"status"`
	Service  string   `json:"service"`
	Version  string   `json:"version"`
	Features []string `json:"features"`
}

// Config controls the backend client. Zero values take defaults.
type Config struct {
	// BaseURL is the backend root, e.g. "http://127.0.0.1:5000". Required.
	BaseURL string
	// Timeout bounds a full analysis round-trip. Detection plus LLM ranking
	// routinely takes tens of seconds, so this is generous. Default 90s.
	Timeout time.Duration
	// HealthTimeout bounds health probes, which must stay snappy. Default 5s.
	HealthTimeout time.Duration
	// MaxResponseBytes caps how much of a backend response is read. Default 8MB.
	MaxResponseBytes int64
	// UserAgent is sent on every request. Default "ctafocus/1.0".
	UserAgent string
	// HTTPClient overrides the transport, mainly for tests. When set, its
	// timeout wins over Timeout.
	HTTPClient *http.Client
}

func (c Config) defaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 8 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "ctafocus/1.0"
	}
	return c
}

// Client talks to the CTA detection backend. Safe for concurrent use.
type Client struct {
	baseURL   string
	userAgent string
	maxBytes  int64
	healthTO  time.Duration
	hc        *http.Client
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	cfg = cfg.defaults()

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:   trimTrailingSlash(cfg.BaseURL),
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxResponseBytes,
		healthTO:  cfg.HealthTimeout,
		hc:        hc,
	}, nil
}

// BaseURL reports the configured backend root.
func (c *Client) BaseURL() string { return c.baseURL }

// Health probes GET /api/health with a short deadline. A transport failure
// returns ErrBackendUnavailable; a non-200 returns a BackendError.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTO)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return nil, fmt.Errorf("detect: build health request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := c.readCapped(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backendErrorFrom(resp.StatusCode, body)
	}

	var hs HealthStatus
	if err := json.Unmarshal(body, &hs); err != nil {
		return nil, fmt.Errorf("detect: decode health response: %w", err)
	}
	return &hs, nil
}

// Analyze submits an uploaded image as multipart/form-data to POST
// /api/analyze. desiredBehavior is optional and omitted from the form when
// empty. The returned result is normalized.
func (c *Client) Analyze(ctx context.Context, filename string, image io.Reader, desiredBehavior string) (*AnalysisResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("detect: build multipart form: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, fmt.Errorf("detect: write multipart image: %w", err)
	}
	if desiredBehavior != "" {
		if err := mw.WriteField("desired_behavior", desiredBehavior); err != nil {
			return nil, fmt.Errorf("detect: write multipart field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("detect: finish multipart form: %w", err)
	}

	return c.doAnalysis(ctx, "/api/analyze", mw.FormDataContentType(), &buf)
}

// AnalyzeURL asks the backend to capture and analyze a live page itself via
// POST /api/analyze-url. The returned result is normalized.
func (c *Client) AnalyzeURL(ctx context.Context, designURL, desiredBehavior string) (*AnalysisResult, error) {
	payload, err := json.Marshal(map[string]string{
		"design_url":       designURL,
		"desired_behavior": desiredBehavior,
	})
	if err != nil {
		return nil, fmt.Errorf("detect: encode url request: %w", err)
	}
	return c.doAnalysis(ctx, "/api/analyze-url", "application/json", bytes.NewReader(payload))
}

func (c *Client) doAnalysis(ctx context.Context, path, contentType string, body io.Reader) (*AnalysisResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("detect: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := c.readCapped(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, backendErrorFrom(resp.StatusCode, raw)
	}

	var result AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("detect: decode analysis response: %w", err)
	}
	// Soft failure: 200 with {error: true, message}. Never hand these to
	// callers as results.
	if result.ErrorFlag {
		msg := result.Message
		if msg == "" {
			msg = "analysis failed"
		}
		return nil, &BackendError{StatusCode: resp.StatusCode, Message: msg}
	}

	result.Normalize()
	return &result, nil
}

// readCapped reads at most maxBytes; one byte more trips ErrResponseTooLarge.
func (c *Client) readCapped(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("detect: read response: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

// backendErrorFrom extracts the backend's {"error": "..."} body if present,
// falling back to the HTTP status text.
func backendErrorFrom(status int, body []byte) *BackendError {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return &BackendError{StatusCode: status, Message: payload.Error}
	}
	return &BackendError{StatusCode: status, Message: fmt.Sprintf("backend returned %d %s", status, http.StatusText(status))}
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
