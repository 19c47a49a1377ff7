package focus

import "errors"

// ErrInvalidInput is returned when a request fails field validation.
var ErrInvalidInput = errors.New("focus: invalid input")

// ErrUploadTooLarge is returned when an uploaded image exceeds the size limit.
var ErrUploadTooLarge = errors.New("focus: upload too large")

// ErrUnsupportedType is returned when an upload is not an accepted image type.
var ErrUnsupportedType = errors.New("focus: unsupported image type")

// ErrUnsafeURL is returned when a design URL fails the SSRF safety check.
var ErrUnsafeURL = errors.New("focus: unsafe url")

// ErrTooManySessions is returned when the concurrent session cap is reached.
var ErrTooManySessions = errors.New("focus: too many sessions")

// ErrSessionNotFound is returned for unknown or expired session IDs.
var ErrSessionNotFound = errors.New("focus: session not found")

// ErrAnalysisPending is returned when a result is requested before the
// analysis has finished.
var ErrAnalysisPending = errors.New("focus: analysis still running")

// ErrAnalysisFailed is returned for sessions whose analysis failed; the
// wrapped message carries the surfaced backend or capture error.
var ErrAnalysisFailed = errors.New("focus: analysis failed")
