package httpclient

import (
	"net/http"
	"time"
)

// Default returns an HTTP client with timeouts so that a dead companion
// endpoint or upstream frontend can't hang the queue processor or router
// forever. Used by the companion client.
func Default() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// ForStreaming returns a client with no overall timeout (a video/audio
// elementary stream download can run for many minutes) but a
// ResponseHeaderTimeout so the fetcher notices a companion URL that never
// responds. Used by the stream fetcher.
func ForStreaming() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
