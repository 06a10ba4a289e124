package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapetech/cacheproxy/internal/catalogstore"
	"github.com/snapetech/cacheproxy/internal/companion"
	"github.com/snapetech/cacheproxy/internal/fetcher"
	"github.com/snapetech/cacheproxy/internal/muxer"
	"github.com/snapetech/cacheproxy/internal/progress"
)

func newTestStore(t *testing.T) *catalogstore.Store {
	t.Helper()
	s, err := catalogstore.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFakeMuxerBinary(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeffmpeg.sh")
	script := "#!/bin/bash\n" +
		"if [ \"$1\" = \"-version\" ]; then echo ok; exit 0; fi\n" +
		"echo fake-output > \"${@: -1}\"\nexit 0\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPipeline_runCombined_success(t *testing.T) {
	var companionSrv, mediaSrv *httptest.Server
	companionSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"t","channelId":"c1","lengthSeconds":42,"combinedFormats":[{"itag":18,"url":"` + mediaSrv.URL + `/media","mimeType":"video/mp4","bitrate":500000}]}`))
	}))
	defer companionSrv.Close()
	mediaSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("some video bytes"))
	}))
	defer mediaSrv.Close()

	store := newTestStore(t)
	ctx := context.Background()
	item, err := store.AddToQueue(ctx, catalogstore.AddToQueueInput{VideoID: "v1", UserID: "u1", Source: catalogstore.SourceManual})
	if err != nil || item == nil {
		t.Fatalf("AddToQueue: %v, %v", item, err)
	}

	comp := companion.New(companionSrv.URL, "secret")
	f := fetcher.New()
	muxerPath := writeFakeMuxerBinary(t)
	t.Setenv("CACHEPROXY_MUXER_BINARY", muxerPath)
	drv, err := muxer.Discover(ctx)
	if err != nil {
		t.Fatal(err)
	}

	videosDir := t.TempDir()
	p := New(Config{VideosDir: videosDir, QualityPreference: "best"}, store, comp, f, drv, progress.New())

	res := p.Run(ctx, item)
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Run outcome = %v, err = %v", res.Outcome, res.Err)
	}

	dl, err := store.GetDownload(ctx, "v1")
	if err != nil {
		t.Fatalf("GetDownload: %v", err)
	}
	if dl.ChannelID != "c1" || dl.Title != "t" {
		t.Errorf("unexpected download record: %+v", dl)
	}
	if _, err := os.Stat(filepath.Join(videosDir, "v1.mp4")); err != nil {
		t.Errorf("expected output file: %v", err)
	}
}

func TestPipeline_runSeparate_persistsElementaryStreams(t *testing.T) {
	var companionSrv, mediaSrv *httptest.Server
	companionSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"t","channelId":"c1","lengthSeconds":42,"adaptiveFormats":[` +
			`{"itag":137,"url":"` + mediaSrv.URL + `/v","mimeType":"video/mp4; codecs=\"avc1\"","bitrate":900000,"height":1080},` +
			`{"itag":140,"url":"` + mediaSrv.URL + `/a","mimeType":"audio/mp4; codecs=\"mp4a\"","bitrate":128000}]}`))
	}))
	defer companionSrv.Close()
	mediaSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("some bytes"))
	}))
	defer mediaSrv.Close()

	store := newTestStore(t)
	ctx := context.Background()
	item, err := store.AddToQueue(ctx, catalogstore.AddToQueueInput{VideoID: "v3", UserID: "u1", Source: catalogstore.SourceManual})
	if err != nil || item == nil {
		t.Fatalf("AddToQueue: %v, %v", item, err)
	}

	comp := companion.New(companionSrv.URL, "secret")
	f := fetcher.New()
	muxerPath := writeFakeMuxerBinary(t)
	t.Setenv("CACHEPROXY_MUXER_BINARY", muxerPath)
	drv, err := muxer.Discover(ctx)
	if err != nil {
		t.Fatal(err)
	}

	videosDir := t.TempDir()
	p := New(Config{VideosDir: videosDir, QualityPreference: "best"}, store, comp, f, drv, progress.New())

	res := p.Run(ctx, item)
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Run outcome = %v, err = %v", res.Outcome, res.Err)
	}

	if _, err := os.Stat(filepath.Join(videosDir, "v3_video_137.mp4")); err != nil {
		t.Errorf("expected persisted video elementary stream: %v", err)
	}
	if _, err := os.Stat(filepath.Join(videosDir, "v3_audio_140.mp4")); err != nil {
		t.Errorf("expected persisted audio elementary stream: %v", err)
	}
	if _, err := os.Stat(filepath.Join(videosDir, "v3_video.tmp")); !os.IsNotExist(err) {
		t.Errorf("expected tmp video file gone after rename, stat err = %v", err)
	}
}

func TestPipeline_rejectsUnsafeStreamURL(t *testing.T) {
	companionSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"t","channelId":"c1","combinedFormats":[{"itag":18,"url":"file:///etc/passwd","mimeType":"video/mp4","bitrate":500000}]}`))
	}))
	defer companionSrv.Close()

	store := newTestStore(t)
	ctx := context.Background()
	item, err := store.AddToQueue(ctx, catalogstore.AddToQueueInput{VideoID: "v4", Source: catalogstore.SourceManual})
	if err != nil || item == nil {
		t.Fatalf("AddToQueue: %v, %v", item, err)
	}

	comp := companion.New(companionSrv.URL, "secret")
	p := New(Config{VideosDir: t.TempDir(), QualityPreference: "best"}, store, comp, fetcher.New(), nil, progress.New())

	res := p.Run(ctx, item)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed for non-http(s) stream url, got %v (err=%v)", res.Outcome, res.Err)
	}
}

func TestPipeline_noSuitableStreams(t *testing.T) {
	companionSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"t","channelId":"c1"}`))
	}))
	defer companionSrv.Close()

	store := newTestStore(t)
	ctx := context.Background()
	item, err := store.AddToQueue(ctx, catalogstore.AddToQueueInput{VideoID: "v2", Source: catalogstore.SourceManual})
	if err != nil || item == nil {
		t.Fatalf("AddToQueue: %v, %v", item, err)
	}

	comp := companion.New(companionSrv.URL, "secret")
	p := New(Config{VideosDir: t.TempDir(), QualityPreference: "best"}, store, comp, fetcher.New(), nil, progress.New())

	res := p.Run(ctx, item)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected OutcomeFailed, got %v", res.Outcome)
	}
}
