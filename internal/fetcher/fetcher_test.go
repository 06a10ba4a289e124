package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapetech/cacheproxy/internal/apperr"
)

func TestDownloadToFile_fullDownload(t *testing.T) {
	body := []byte("hello world, this is the stream content")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.tmp")

	f := New()
	var lastBytes int64
	err := f.DownloadToFile(context.Background(), srv.URL, out, Options{
		OnProgress: func(b, total int64, speed float64) { lastBytes = b },
	})
	if err != nil {
		t.Fatalf("DownloadToFile: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Fatalf("got %q, want %q", got, body)
	}
	if lastBytes != int64(len(body)) {
		t.Errorf("lastBytes = %d, want %d", lastBytes, len(body))
	}
}

func TestDownloadToFile_resumeAppend(t *testing.T) {
	full := []byte("0123456789ABCDEFGHIJ")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Write(full)
			return
		}
		// expects "bytes=10-"
		w.Header().Set("Content-Range", "bytes 10-19/20")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(full[10:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.tmp")
	if err := os.WriteFile(out, full[:10], 0o644); err != nil {
		t.Fatal(err)
	}

	f := New()
	if err := f.DownloadToFile(context.Background(), srv.URL, out, Options{Resume: true}); err != nil {
		t.Fatalf("DownloadToFile: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(full) {
		t.Fatalf("got %q, want %q", got, full)
	}
}

func TestDownloadToFile_serverRefusesResume(t *testing.T) {
	full := []byte("0123456789ABCDEFGHIJ")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Server ignores Range and answers 200 with the full body.
		w.Write(full)
	}))
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.tmp")
	if err := os.WriteFile(out, full[:10], 0o644); err != nil {
		t.Fatal(err)
	}

	f := New()
	err := f.DownloadToFile(context.Background(), srv.URL, out, Options{Resume: true})
	if !errors.Is(err, apperr.ErrStartFresh) {
		t.Fatalf("err = %v, want ErrStartFresh", err)
	}
}

func TestDownloadToFile_nonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.tmp")
	f := New()
	err := f.DownloadToFile(context.Background(), srv.URL, out, Options{})
	if err == nil {
		t.Fatalf("expected error for 500 status")
	}
}

func TestDownloadToFile_rateLimitBelowChunkSize(t *testing.T) {
	// The body arrives in one Read() larger than the limiter's burst (burst
	// is sized equal to the configured rate), which previously made
	// rate.Limiter.WaitN reject the request outright instead of waiting.
	body := make([]byte, 6000)
	for i := range body {
		body[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out.tmp")

	f := New()
	err := f.DownloadToFile(context.Background(), srv.URL, out, Options{RateLimit: 4000})
	if err != nil {
		t.Fatalf("DownloadToFile with RateLimit below read size: %v", err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(body) {
		t.Fatalf("got %d bytes, want %d", len(got), len(body))
	}
}

func TestDownloadToFile_cancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("start"))
		w.(http.Flusher).Flush()
		<-block
		w.Write([]byte("more data after unblock"))
	}))
	defer srv.Close()
	defer close(block)

	dir := t.TempDir()
	out := filepath.Join(dir, "out.tmp")
	ctx, cancel := context.WithCancel(context.Background())

	f := New()
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.DownloadToFile(ctx, srv.URL, out, Options{})
	}()
	cancel()
	err := <-errCh
	if err == nil {
		t.Fatalf("expected an error after cancellation")
	}
}
