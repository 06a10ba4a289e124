package companion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func ctxBG() context.Context { return context.Background() }

func TestGetVideoInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "secret123" {
			t.Errorf("missing/incorrect key param: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(VideoInfo{
			Title: "t", Author: "a", ChannelID: "c1", LengthSeconds: 100,
			AdaptiveFormats: []Format{
				{Itag: 137, MimeType: "video/mp4", Height: 1080, Bitrate: 5000},
				{Itag: 140, MimeType: "audio/mp4", Bitrate: 128},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret123")
	info, err := c.GetVideoInfo(ctxBG(), "v1")
	if err != nil {
		t.Fatalf("GetVideoInfo: %v", err)
	}
	if info.Title != "t" || len(info.AdaptiveFormats) != 2 {
		t.Fatalf("got %+v", info)
	}
}

func TestGetVideoInfo_nonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret")
	if _, err := c.GetVideoInfo(ctxBG(), "v1"); err == nil {
		t.Fatalf("expected error for 404")
	}
}

func TestSelectBestStreams_adaptiveBest(t *testing.T) {
	info := &VideoInfo{
		AdaptiveFormats: []Format{
			{Itag: 1, MimeType: "video/mp4", Height: 360, Bitrate: 1000},
			{Itag: 2, MimeType: "video/mp4", Height: 1080, Bitrate: 5000},
			{Itag: 3, MimeType: "video/mp4", Height: 720, Bitrate: 3000},
			{Itag: 10, MimeType: "audio/mp4", Bitrate: 128},
			{Itag: 11, MimeType: "audio/mp4", Bitrate: 256},
		},
	}
	sel, err := SelectBestStreams(info, "best")
	if err != nil {
		t.Fatalf("SelectBestStreams: %v", err)
	}
	if sel.Video == nil || sel.Video.Itag != 2 {
		t.Fatalf("video = %+v, want itag 2", sel.Video)
	}
	if sel.Audio == nil || sel.Audio.Itag != 11 {
		t.Fatalf("audio = %+v, want itag 11", sel.Audio)
	}
	if sel.Combined != nil {
		t.Errorf("expected no combined format")
	}
}

func TestSelectBestStreams_worst(t *testing.T) {
	info := &VideoInfo{
		AdaptiveFormats: []Format{
			{Itag: 1, MimeType: "video/mp4", Height: 360, Bitrate: 1000},
			{Itag: 2, MimeType: "video/mp4", Height: 1080, Bitrate: 5000},
			{Itag: 10, MimeType: "audio/mp4", Bitrate: 128},
		},
	}
	sel, err := SelectBestStreams(info, "worst")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Video.Itag != 1 {
		t.Fatalf("video = %+v, want itag 1", sel.Video)
	}
}

func TestSelectBestStreams_capped(t *testing.T) {
	info := &VideoInfo{
		AdaptiveFormats: []Format{
			{Itag: 1, MimeType: "video/mp4", Height: 360, Bitrate: 1000},
			{Itag: 2, MimeType: "video/mp4", Height: 720, Bitrate: 3000},
			{Itag: 3, MimeType: "video/mp4", Height: 1080, Bitrate: 5000},
			{Itag: 10, MimeType: "audio/mp4", Bitrate: 128},
		},
	}
	sel, err := SelectBestStreams(info, "720p")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Video.Itag != 2 {
		t.Fatalf("video = %+v, want itag 2 (720p cap)", sel.Video)
	}
}

func TestSelectBestStreams_capBelowAllFallsBackToMin(t *testing.T) {
	info := &VideoInfo{
		AdaptiveFormats: []Format{
			{Itag: 1, MimeType: "video/mp4", Height: 720, Bitrate: 3000},
			{Itag: 2, MimeType: "video/mp4", Height: 1080, Bitrate: 5000},
			{Itag: 10, MimeType: "audio/mp4", Bitrate: 128},
		},
	}
	sel, err := SelectBestStreams(info, "240p")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Video.Itag != 1 {
		t.Fatalf("video = %+v, want itag 1 (min fallback)", sel.Video)
	}
}

func TestSelectBestStreams_combinedFallback(t *testing.T) {
	info := &VideoInfo{
		CombinedFormats: []Format{
			{Itag: 18, MimeType: "video/mp4", Height: 360, Bitrate: 500},
			{Itag: 22, MimeType: "video/mp4", Height: 720, Bitrate: 1500},
		},
	}
	sel, err := SelectBestStreams(info, "best")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Combined == nil || sel.Combined.Itag != 22 {
		t.Fatalf("combined = %+v, want itag 22", sel.Combined)
	}
	if sel.Video != nil || sel.Audio != nil {
		t.Errorf("expected no adaptive selection")
	}
}

func TestSelectBestStreams_noStreams(t *testing.T) {
	info := &VideoInfo{}
	if _, err := SelectBestStreams(info, "best"); err == nil {
		t.Fatalf("expected error for empty info")
	}
}
