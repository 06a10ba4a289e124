package router

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/snapetech/cacheproxy/internal/catalogstore"
	"github.com/snapetech/cacheproxy/internal/companion"
	"github.com/snapetech/cacheproxy/internal/logging"
	"github.com/snapetech/cacheproxy/internal/pipeline"
)

// cacheState summarizes a videoId's catalog position for the watch badge and
// the manifest/videoinfo rewrite decision.
type cacheState struct {
	Download *catalogstore.Download
	Queue    *catalogstore.QueueItem
}

func (rt *Router) lookupCacheState(r *http.Request, videoID string) cacheState {
	var cs cacheState
	if d, err := rt.store.GetDownload(r.Context(), videoID); err == nil && d.FilesDeletedAt == nil {
		cs.Download = d
	}
	if q, err := rt.store.GetQueueItemByVideoID(r.Context(), videoID); err == nil {
		cs.Queue = q
	}
	return cs
}

// badge renders the cache-state label the teacher's label_proxy.go injects
// into proxied Plex XML, generalized to video-cache state: downloaded,
// downloading, queued, or absent.
func (cs cacheState) badge() string {
	switch {
	case cs.Download != nil:
		return "downloaded"
	case cs.Queue != nil && cs.Queue.Status == catalogstore.StatusDownloading:
		return "downloading"
	case cs.Queue != nil && cs.Queue.Status == catalogstore.StatusMuxing:
		return "downloading"
	case cs.Queue != nil && cs.Queue.Status == catalogstore.StatusPending:
		return "queued"
	default:
		return "not_cached"
	}
}

// handleWatch is route 3: proxy the upstream /watch page, annotating the
// response with the requested video's cache-state badge as a response
// header (the frontend's client-side script reads it to render a badge,
// mirroring label_proxy.go's "mutate then forward" shape without needing to
// parse the HTML body).
func (rt *Router) handleWatch(w http.ResponseWriter, r *http.Request) {
	videoID := r.URL.Query().Get("v")
	resp, body, err := rt.proxyAndCapture(r, r.URL.Path, r.URL.RawQuery)
	if err != nil {
		rt.log.Errorf("watch proxy failed %s", logging.Fields("videoId", videoID, "err", err))
		writeJSONError(w, http.StatusBadGateway, "upstream request failed: "+err.Error())
		return
	}

	copyHeadersStripHop(w.Header(), resp.Header)
	rewriteSetCookie(w.Header())
	rewriteLocation(w.Header(), rt.cfg.Upstream, r)
	if isValidVideoID(videoID) {
		w.Header().Set("X-Cache-State", rt.lookupCacheState(r, videoID).badge())
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

// handleVideoInfo is route 4: proxy the upstream video-info JSON and, when
// cached per-itag elementary streams exist for the video, rewrite
// adaptiveFormats[].url entries to point at this process's own
// /videoplayback so the client fetches from cache instead of upstream.
// formatStreams (progressive/combined) are left untouched.
func (rt *Router) handleVideoInfo(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("videoId")
	if !isValidVideoID(videoID) {
		writeJSONError(w, http.StatusBadRequest, "invalid videoId")
		return
	}

	resp, body, err := rt.proxyAndCapture(r, r.URL.Path, r.URL.RawQuery)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "upstream request failed: "+err.Error())
		return
	}
	if resp.StatusCode != http.StatusOK {
		copyHeadersStripHop(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	download, err := rt.store.GetDownload(r.Context(), videoID)
	if err != nil || download.FilesDeletedAt != nil || download.Metadata.VideoItag == 0 {
		copyHeadersStripHop(w.Header(), resp.Header)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	var info companion.VideoInfo
	if jsonErr := json.Unmarshal(body, &info); jsonErr != nil {
		copyHeadersStripHop(w.Header(), resp.Header)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}
	for i := range info.AdaptiveFormats {
		f := &info.AdaptiveFormats[i]
		if f.Itag == download.Metadata.VideoItag || f.Itag == download.Metadata.AudioItag {
			f.URL = fmt.Sprintf("/videoplayback?v=%s&itag=%d", videoID, f.Itag)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(info)
}

// dashManifest models the minimal subset of an MPEG-DASH MPD this process
// synthesizes for a cached video: one video and one audio Representation,
// each with a BaseURL into /videoplayback and a SegmentBase describing the
// init/index byte ranges C11 computed.
type dashManifest struct {
	XMLName xml.Name  `xml:"MPD"`
	Xmlns   string    `xml:"xmlns,attr"`
	Period  dashPeriod `xml:"Period"`
}

type dashPeriod struct {
	AdaptationSets []dashAdaptationSet `xml:"AdaptationSet"`
}

type dashAdaptationSet struct {
	ContentType    string               `xml:"contentType,attr"`
	Representation dashRepresentation   `xml:"Representation"`
}

type dashRepresentation struct {
	ID        string         `xml:"id,attr"`
	Bandwidth int64          `xml:"bandwidth,attr"`
	Width     int            `xml:"width,attr,omitempty"`
	Height    int            `xml:"height,attr,omitempty"`
	MimeType  string         `xml:"mimeType,attr"`
	BaseURL   string         `xml:"BaseURL"`
	Segment   dashSegmentBase `xml:"SegmentBase"`
}

type dashSegmentBase struct {
	IndexRange string       `xml:"indexRange,attr"`
	Init       dashInitRange `xml:"Initialization"`
}

type dashInitRange struct {
	Range string `xml:"range,attr"`
}

// handleManifest is route 5: if cached per-itag streams exist for
// videoId, synthesize a DASH manifest pointing at this process's own
// videoplayback routes; otherwise fall through to the upstream manifest.
func (rt *Router) handleManifest(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("videoId")
	if !isValidVideoID(videoID) {
		writeJSONError(w, http.StatusBadRequest, "invalid videoId")
		return
	}

	download, err := rt.store.GetDownload(r.Context(), videoID)
	if err != nil || download.FilesDeletedAt != nil || download.Metadata.VideoItag == 0 || download.Metadata.AudioItag == 0 {
		rt.proxy(w, r, r.URL.Path, r.URL.RawQuery)
		return
	}

	videoPath := pipeline.ElementaryPath(rt.cfg.VideosDir, videoID, "video", download.Metadata.VideoItag, download.Metadata.VideoMimeType)
	audioPath := pipeline.ElementaryPath(rt.cfg.VideosDir, videoID, "audio", download.Metadata.AudioItag, download.Metadata.AudioMimeType)
	videoRanges, vErr := rt.mediaCache.Parse(videoPath)
	audioRanges, aErr := rt.mediaCache.Parse(audioPath)
	if vErr != nil || aErr != nil {
		rt.proxy(w, r, r.URL.Path, r.URL.RawQuery)
		return
	}

	m := dashManifest{
		Xmlns: "urn:mpeg:dash:schema:mpd:2011",
		Period: dashPeriod{AdaptationSets: []dashAdaptationSet{
			{
				ContentType: "video",
				Representation: dashRepresentation{
					ID: strconv.Itoa(download.Metadata.VideoItag), Bandwidth: download.Metadata.VideoBitrate,
					Width: download.Metadata.Width, Height: download.Metadata.Height,
					MimeType: download.Metadata.VideoMimeType,
					BaseURL:  fmt.Sprintf("/videoplayback?v=%s&itag=%d", videoID, download.Metadata.VideoItag),
					Segment:  dashSegmentBase{IndexRange: videoRanges.IndexRange, Init: dashInitRange{Range: videoRanges.InitRange}},
				},
			},
			{
				ContentType: "audio",
				Representation: dashRepresentation{
					ID: strconv.Itoa(download.Metadata.AudioItag), Bandwidth: download.Metadata.AudioBitrate,
					MimeType: download.Metadata.AudioMimeType,
					BaseURL:  fmt.Sprintf("/videoplayback?v=%s&itag=%d", videoID, download.Metadata.AudioItag),
					Segment:  dashSegmentBase{IndexRange: audioRanges.IndexRange, Init: dashInitRange{Range: audioRanges.InitRange}},
				},
			},
		}},
	}

	w.Header().Set("Content-Type", "application/dash+xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(m)
}

// handleVideoPlayback is route 6: serve a cached per-itag elementary
// stream with range semantics, falling back to the muxed progressive file,
// then to the upstream proxy.
func (rt *Router) handleVideoPlayback(w http.ResponseWriter, r *http.Request) {
	videoID := r.URL.Query().Get("v")
	if !isValidVideoID(videoID) {
		rt.proxy(w, r, r.URL.Path, r.URL.RawQuery)
		return
	}

	download, err := rt.store.GetDownload(r.Context(), videoID)
	if err != nil || download.FilesDeletedAt != nil {
		rt.proxy(w, r, r.URL.Path, r.URL.RawQuery)
		return
	}

	if itagStr := r.URL.Query().Get("itag"); itagStr != "" {
		itag, convErr := strconv.Atoi(itagStr)
		if convErr == nil {
			if itag == download.Metadata.VideoItag {
				path := pipeline.ElementaryPath(rt.cfg.VideosDir, videoID, "video", itag, download.Metadata.VideoMimeType)
				if fileExists(path) {
					_ = serveFileRange(w, r, path, download.Metadata.VideoMimeType)
					return
				}
			}
			if itag == download.Metadata.AudioItag {
				path := pipeline.ElementaryPath(rt.cfg.VideosDir, videoID, "audio", itag, download.Metadata.AudioMimeType)
				if fileExists(path) {
					_ = serveFileRange(w, r, path, download.Metadata.AudioMimeType)
					return
				}
			}
		}
	}

	if fileExists(download.FilePath) {
		_ = serveFileRange(w, r, download.FilePath, "video/mp4")
		return
	}
	rt.proxy(w, r, r.URL.Path, r.URL.RawQuery)
}

// handleCachedRoot is route 7: serve the muxed progressive file directly,
// for clients that want the whole cached video rather than the adaptive
// manifest.
func (rt *Router) handleCachedRoot(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("videoId")
	if !isValidVideoID(videoID) {
		writeJSONError(w, http.StatusBadRequest, "invalid videoId")
		return
	}
	download, err := rt.store.GetDownload(r.Context(), videoID)
	if err != nil || download.FilesDeletedAt != nil || !fileExists(download.FilePath) {
		writeJSONError(w, http.StatusNotFound, "not cached")
		return
	}
	if err := serveFileRange(w, r, download.FilePath, "video/mp4"); err != nil {
		rt.log.Errorf("serving cached file failed %s", logging.Fields("videoId", videoID, "err", err))
	}
}

// handleCachedThumbnail is route 7a: serve the cached thumbnail, if any.
func (rt *Router) handleCachedThumbnail(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("videoId")
	if !isValidVideoID(videoID) {
		writeJSONError(w, http.StatusBadRequest, "invalid videoId")
		return
	}
	download, err := rt.store.GetDownload(r.Context(), videoID)
	if err != nil || download.ThumbnailPath == "" || !fileExists(download.ThumbnailPath) {
		writeJSONError(w, http.StatusNotFound, "no cached thumbnail")
		return
	}
	contentType := "image/webp"
	if ext := filepath.Ext(download.ThumbnailPath); ext == ".jpg" || ext == ".jpeg" {
		contentType = "image/jpeg"
	}
	if err := serveFileRange(w, r, download.ThumbnailPath, contentType); err != nil {
		rt.log.Errorf("serving cached thumbnail failed %s", logging.Fields("videoId", videoID, "err", err))
	}
}

// handleCachedMetadata is route 7b: serve the catalog's own record of the
// download as JSON, for the frontend's "cached copy" detail panel.
func (rt *Router) handleCachedMetadata(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("videoId")
	if !isValidVideoID(videoID) {
		writeJSONError(w, http.StatusBadRequest, "invalid videoId")
		return
	}
	download, err := rt.store.GetDownload(r.Context(), videoID)
	if err != nil || download.FilesDeletedAt != nil {
		writeJSONError(w, http.StatusNotFound, "not cached")
		return
	}
	writeJSON(w, http.StatusOK, download)
}

// handleLatestVersion is route 8: the upstream frontend's
// update-check/self-referential asset endpoint. A cached video takes
// priority when id names one; otherwise proxy.
func (rt *Router) handleLatestVersion(w http.ResponseWriter, r *http.Request) {
	videoID := r.URL.Query().Get("id")
	if isValidVideoID(videoID) {
		if download, err := rt.store.GetDownload(r.Context(), videoID); err == nil && download.FilesDeletedAt == nil && fileExists(download.FilePath) {
			_ = serveFileRange(w, r, download.FilePath, "video/mp4")
			return
		}
	}
	rt.proxy(w, r, r.URL.Path, r.URL.RawQuery)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
