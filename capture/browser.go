package capture

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"golang.org/x/net/html"
)

// captureBrowser screenshots the page with headless Chrome. One Chrome is
// launched lazily and reused; page work is serialized under the mutex since
// a single analysis session never needs parallel tabs.
func (c *Capturer) captureBrowser(ctx context.Context, rawURL string) (*Shot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("capturer is closed")
	}
	b, err := c.browserLocked()
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if c.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	defer page.Close()

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             c.cfg.ViewportWidth,
		Height:            c.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		c.cfg.Logger.Warn("capture: wait load timeout", "url", rawURL, "error", err)
	}

	title := ""
	if res, err := page.Context(navCtx).Eval(`() => document.documentElement.outerHTML`); err == nil {
		title = pageTitle(res.Value.Str())
	}

	data, err := page.Context(navCtx).Screenshot(!c.cfg.ViewportOnly, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}

	width, height := 0, 0
	if conf, _, derr := image.DecodeConfig(bytes.NewReader(data)); derr == nil {
		width, height = conf.Width, conf.Height
	}

	return &Shot{
		Data:      data,
		Format:    "png",
		Title:     title,
		Width:     width,
		Height:    height,
		SHA256:    fmt.Sprintf("%x", sha256.Sum256(data)),
		FetchedAt: time.Now(),
	}, nil
}

// browserLocked returns the shared browser, launching or connecting on
// first use. Caller holds c.mu.
func (c *Capturer) browserLocked() (*rod.Browser, error) {
	if c.browser != nil {
		return c.browser, nil
	}

	var wsURL string
	if c.cfg.RemoteBrowserURL != "" {
		wsURL = c.cfg.RemoteBrowserURL
		c.cfg.Logger.Info("capture: connecting to remote browser", "url", wsURL)
	} else {
		l := launcher.New().Headless(true)
		l = l.Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		wsURL = u
		c.lnch = l
		c.cfg.Logger.Info("capture: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		c.cfg.Logger.Warn("capture: ignore cert errors failed", "error", err)
	}

	c.browser = b
	return b, nil
}

// pageTitle extracts the first <title> text from serialized DOM HTML.
func pageTitle(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return true
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if walk(child) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return title
}
