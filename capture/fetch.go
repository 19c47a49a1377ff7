package capture

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// fetchDirectImage handles URLs that already point at an image file: one GET,
// content-type gated, size-capped. A URL serving HTML fails here and moves
// the chain on to the browser.
func (c *Capturer) fetchDirectImage(ctx context.Context, rawURL string) (*Shot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}

	format, err := imageFormat(resp.Header.Get("Content-Type"), rawURL)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", c.cfg.MaxBytes)
	}

	// Dimensions for formats the stdlib can sniff; bmp/webp pass through
	// with zero dims, the backend measures them itself.
	width, height := 0, 0
	if conf, sniffed, derr := image.DecodeConfig(bytes.NewReader(body)); derr == nil {
		width, height = conf.Width, conf.Height
		format = sniffed
	}

	return &Shot{
		Data:      body,
		Format:    format,
		Width:     width,
		Height:    height,
		SHA256:    fmt.Sprintf("%x", sha256.Sum256(body)),
		FetchedAt: time.Now(),
	}, nil
}

// imageFormat decides whether a response counts as an image. An explicit
// image/* content type always does; a generic type only when the URL path
// carries an image extension. Anything else (text/html in particular) is
// refused.
func imageFormat(contentType, rawURL string) (string, error) {
	ct, _, _ := mime.ParseMediaType(contentType)
	if strings.HasPrefix(ct, "image/") {
		return strings.TrimPrefix(ct, "image/"), nil
	}

	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if (ct == "" || ct == "application/octet-stream") && imageExts[ext] {
		return strings.TrimPrefix(ext, "."), nil
	}
	return "", fmt.Errorf("content type %q is not an image", contentType)
}
