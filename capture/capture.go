// Package capture turns page URLs into images the detection backend can
// analyze. It tries cheap methods first: a direct fetch when the URL already
// points at an image, then a headless-chrome screenshot. Callers fall back
// to the backend's own remote capture when every local method fails.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/uxlens/ctafocus/safeurl"
)

// Capture methods, recorded on every Shot and in result metadata.
const (
	MethodDirectImage    = "direct_image"
	MethodHeadlessChrome = "headless_chrome"
	// MethodBackend marks results the backend captured itself; the local
	// chain never produces it.
	MethodBackend = "backend"
)

// ErrCaptureFailed is returned when every enabled capture method failed.
// The wrapped message lists each method's error.
var ErrCaptureFailed = errors.New("capture: all methods failed")

// Shot is one captured image.
type Shot struct {
	Data      []byte
	Format    string // "png", "jpeg", ...
	Method    string
	Title     string // page <title>, browser captures only
	Width     int
	Height    int
	SHA256    string
	FetchedAt time.Time
}

// Config configures the capturer.
type Config struct {
	// Timeout bounds each capture method attempt. Default: 15s.
	Timeout time.Duration
	// MaxBytes caps a directly fetched image. Default: 10MB.
	MaxBytes int64
	// UserAgent sent on direct fetches. Default identifies as a browser;
	// image CDNs refuse obvious bots.
	UserAgent string
	// ViewportWidth/ViewportHeight for browser captures. Default: 1440x900.
	ViewportWidth  int
	ViewportHeight int
	// ViewportOnly limits screenshots to the viewport. Zero value captures
	// the full page.
	ViewportOnly bool
	// BrowserEnabled turns the headless-chrome method on.
	BrowserEnabled bool
	// RemoteBrowserURL is the WebSocket URL of an external Chrome.
	// Empty = launch a local one on first use.
	RemoteBrowserURL string
	// Stealth creates stealth pages to survive bot detection.
	Stealth bool
	// URLValidator validates URLs before any fetch (SSRF prevention).
	// Default: safeurl.ValidateURL.
	URLValidator func(string) error

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; ctafocus/1.0)"
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1440
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 900
	}
	if c.URLValidator == nil {
		c.URLValidator = safeurl.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Capturer runs the capture chain. Safe for concurrent use; browser work is
// serialized on one lazily launched Chrome.
type Capturer struct {
	cfg Config
	hc  *http.Client

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// New creates a Capturer with SSRF re-validation on redirects.
func New(cfg Config) *Capturer {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Capturer{
		cfg: cfg,
		hc: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked (SSRF): %w", err)
				}
				return nil
			},
		},
	}
}

type captureMethod struct {
	name string
	run  func(ctx context.Context, rawURL string) (*Shot, error)
}

// Capture tries each enabled method in order and returns the first Shot.
// Method failures are logged and accumulated; when all fail the error wraps
// ErrCaptureFailed with the per-method reasons.
func (c *Capturer) Capture(ctx context.Context, rawURL string) (*Shot, error) {
	if err := c.cfg.URLValidator(rawURL); err != nil {
		return nil, fmt.Errorf("capture: url rejected: %w", err)
	}

	methods := []captureMethod{
		{MethodDirectImage, c.fetchDirectImage},
	}
	if c.cfg.BrowserEnabled {
		methods = append(methods, captureMethod{MethodHeadlessChrome, c.captureBrowser})
	}

	var failures []string
	for _, m := range methods {
		shot, err := m.run(ctx, rawURL)
		if err == nil {
			shot.Method = m.name
			return shot, nil
		}
		c.cfg.Logger.Warn("capture: method failed",
			"method", m.name, "url", rawURL, "error", err)
		failures = append(failures, m.name+": "+err.Error())
	}
	return nil, fmt.Errorf("%w: %s", ErrCaptureFailed, strings.Join(failures, "; "))
}

// Close releases the browser if one was launched.
func (c *Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.browser != nil {
		c.browser.Close()
		c.browser = nil
	}
	if c.lnch != nil {
		c.lnch.Cleanup()
		c.lnch = nil
	}
	return nil
}
