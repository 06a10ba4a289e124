// Package apperr centralizes the error taxonomy shared across components so
// callers can use errors.Is/errors.As instead of matching strings (the one
// exception is the queue processor's failure classifier, which is specified
// to work on the error message text).
package apperr

import "fmt"

// Kind identifies which part of the taxonomy an error belongs to.
type Kind string

const (
	KindCatalog  Kind = "catalog"
	KindNetwork  Kind = "network"
	KindDownload Kind = "download"
	KindServe    Kind = "serve"
	KindMuxer    Kind = "muxer"
	KindEviction Kind = "eviction"
	KindConfig   Kind = "config"
)

// Code is a specific error within a Kind.
type Code string

const (
	// Catalog
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeConnection Code = "connection"
	CodeQuery      Code = "query"
	CodeUnknown    Code = "unknown"

	// Network/proxy
	CodeTimeout         Code = "timeout"
	CodeInvalidResponse Code = "invalid_response"

	// Download
	CodeUnsafeURL      Code = "unsafe_url"
	CodeNoStreams      Code = "no_streams"
	CodeDownloadFailed Code = "download_failed"
	CodeMuxFailed      Code = "mux_failed"
	CodeFilesystem     Code = "filesystem"
	CodeCancelled      Code = "cancelled"
	CodeThrottled      Code = "throttled"
	CodeStartFresh     Code = "start_fresh"

	// Serve
	CodeInvalidRange Code = "invalid_range"

	// Muxer
	CodeMuxerNotFound  Code = "muxer_not_found"
	CodeInputNotFound  Code = "input_not_found"
	CodeProcessError   Code = "process_error"
)

// Error is the common typed error value used across components.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Cause   error

	// ExitCode and Stderr are populated for CodeProcessError.
	ExitCode int
	Stderr   string

	// VideoID tags eviction/download errors by subject, per spec.
	VideoID string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
	if e.VideoID != "" {
		msg = fmt.Sprintf("%s [video=%s]", msg, e.VideoID)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Kind+Code without requiring identical messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

// New builds a typed Error.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds a typed Error that wraps cause.
func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// WithVideoID returns a copy of e tagged with a videoId, for operator-visible
// eviction/download error rings.
func (e *Error) WithVideoID(videoID string) *Error {
	cp := *e
	cp.VideoID = videoID
	return &cp
}

// ErrThrottled is the sentinel the stream fetcher returns when a transfer's
// rolling average speed falls below the configured threshold.
var ErrThrottled = New(KindDownload, CodeThrottled, "transfer throttled")

// ErrStartFresh is the sentinel the stream fetcher returns when the upstream
// answered 200 to a Range request (no resume support).
var ErrStartFresh = New(KindDownload, CodeStartFresh, "upstream refused resume, restart required")

// ErrCancelled is returned when a caller-supplied context is cancelled
// mid-transfer.
var ErrCancelled = New(KindDownload, CodeCancelled, "download cancelled")
