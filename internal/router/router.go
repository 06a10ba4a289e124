// Package router is the request router and cache shim (C10): it serves the
// control-plane API over the catalog store, injects cache-state badges and
// rewrites into proxied upstream responses, serves cached media with byte
// ranges, and falls back to a reverse proxy for everything else.
//
// Modeled on the teacher's internal/plex/label_proxy.go (hop-by-hop header
// stripping, manual header copy loop, XML rewrite-on-the-fly pattern) and
// internal/gateway/gateway.go (Range-forwarding proxy), generalized from
// Plex-label rewriting to video-cache-state rewriting, plus the larger
// internal/tuner/gateway.go for precedent on route precedence ordering in a
// single mux.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snapetech/cacheproxy/internal/apperr"
	"github.com/snapetech/cacheproxy/internal/catalogstore"
	"github.com/snapetech/cacheproxy/internal/logging"
	"github.com/snapetech/cacheproxy/internal/mediarange"
	"github.com/snapetech/cacheproxy/internal/metrics"
	"github.com/snapetech/cacheproxy/internal/progress"
	"github.com/snapetech/cacheproxy/internal/queueproc"
)

// videoIDPattern is the canonical 11-character video ID shape, per spec.md
// §6: "reject any other input at every router entry".
var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

func isValidVideoID(id string) bool {
	return videoIDPattern.MatchString(id)
}

// hopHeaders lists headers that must never be forwarded across a proxy hop
// in either direction, grounded directly in label_proxy.go's _hopHeaders.
var hopHeaders = map[string]bool{
	"connection": true, "keep-alive": true, "proxy-authenticate": true,
	"proxy-authorization": true, "te": true, "trailers": true,
	"transfer-encoding": true, "upgrade": true,
}

// Config wires the router's dependencies.
type Config struct {
	Upstream     *url.URL
	VideosDir    string
	ProxyTimeout time.Duration // default 30s per spec.md §5
}

// Router implements C10.
type Router struct {
	cfg         Config
	store       *catalogstore.Store
	mediaCache  *mediarange.Cache
	tracker     *progress.Tracker
	qp          *queueproc.Processor
	proxyClient *http.Client
	health      http.HandlerFunc
	log         *logging.Logger
}

// New builds a Router. health is the already-built GET /health handler
// (internal/health.Handler), mounted as-is at route 1.
func New(cfg Config, store *catalogstore.Store, mediaCache *mediarange.Cache,
	tracker *progress.Tracker, qp *queueproc.Processor, health http.HandlerFunc) *Router {
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = 30 * time.Second
	}
	return &Router{
		cfg: cfg, store: store,
		mediaCache: mediaCache, tracker: tracker, qp: qp, health: health,
		proxyClient: &http.Client{Timeout: cfg.ProxyTimeout},
		log:         logging.New("router"),
	}
}

// Handler builds the mux, wiring routes in the match order spec.md §4.10
// requires: health, control-plane API, watch-badge, video-info rewrite,
// manifest synthesis, videoplayback range-serving, cached direct access,
// latest_version, and a reverse-proxy catch-all.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", rt.health)
	mux.Handle("/api/downloader/", rt.controlPlaneHandler())

	mux.HandleFunc("GET /watch", rt.withMetrics("watch", rt.handleWatch))
	mux.HandleFunc("GET /api/v1/videos/{videoId}", rt.withMetrics("videoinfo", rt.handleVideoInfo))
	mux.HandleFunc("GET /companion/api/manifest/dash/id/{videoId}", rt.withMetrics("manifest", rt.handleManifest))
	mux.HandleFunc("/videoplayback", rt.withMetrics("videoplayback", rt.handleVideoPlayback))
	mux.HandleFunc("GET /cached/{videoId}", rt.withMetrics("cached", rt.handleCachedRoot))
	mux.HandleFunc("GET /cached/{videoId}/thumbnail", rt.withMetrics("cached_thumbnail", rt.handleCachedThumbnail))
	mux.HandleFunc("GET /cached/{videoId}/metadata", rt.withMetrics("cached_metadata", rt.handleCachedMetadata))
	mux.HandleFunc("GET /latest_version", rt.withMetrics("latest_version", rt.handleLatestVersion))

	mux.HandleFunc("/", rt.withMetrics("proxy", rt.handleReverseProxy))
	return mux
}

func (rt *Router) withMetrics(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.ProxyRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if !w.written {
		w.status = http.StatusOK
		w.written = true
	}
	return w.ResponseWriter.Write(p)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// parsedRange is a resolved, clamped byte range.
type parsedRange struct {
	start, end int64 // inclusive, both within [0, size-1]
	hasRange   bool
}

// parseRange implements spec.md §4.10's Range semantics: parse
// "bytes=start-end" | "bytes=start-" | "bytes=-suffix", clamp to
// [0, size-1]. hasRange=false with no error means "no Range header was present"
// (caller should serve the full body); err != nil means the header was
// present but invalid (caller should respond 416).
func parseRange(header string, size int64) (parsedRange, error) {
	if header == "" {
		return parsedRange{}, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return parsedRange{}, apperr.New(apperr.KindServe, apperr.CodeInvalidRange, "unsupported range unit")
	}
	spec := strings.TrimPrefix(header, prefix)
	// Only the first range is honored; multi-range requests are rare for
	// progressive/DASH byte-range fetches and not required by spec.md.
	if i := strings.IndexByte(spec, ','); i >= 0 {
		spec = spec[:i]
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return parsedRange{}, apperr.New(apperr.KindServe, apperr.CodeInvalidRange, "malformed range")
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	var start, end int64
	switch {
	case startStr == "": // bytes=-suffix
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return parsedRange{}, apperr.New(apperr.KindServe, apperr.CodeInvalidRange, "malformed suffix range")
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		end = size - 1
	case endStr == "": // bytes=start-
		n, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return parsedRange{}, apperr.New(apperr.KindServe, apperr.CodeInvalidRange, "malformed range start")
		}
		start = n
		end = size - 1
	default:
		s, err1 := strconv.ParseInt(startStr, 10, 64)
		e, err2 := strconv.ParseInt(endStr, 10, 64)
		if err1 != nil || err2 != nil {
			return parsedRange{}, apperr.New(apperr.KindServe, apperr.CodeInvalidRange, "malformed range bounds")
		}
		start, end = s, e
	}

	if end >= size {
		end = size - 1
	}
	if start >= size || start > end {
		return parsedRange{}, apperr.New(apperr.KindServe, apperr.CodeInvalidRange, "range not satisfiable")
	}
	return parsedRange{start: start, end: end, hasRange: true}, nil
}

// serveFileRange serves path with full Range support, per spec.md §4.10's
// Range semantics block. contentType is applied when non-empty.
func serveFileRange(w http.ResponseWriter, r *http.Request, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return apperr.Wrap(apperr.KindServe, apperr.CodeNotFound, "open cached file", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return apperr.Wrap(apperr.KindServe, apperr.CodeInvalidRange, "stat cached file", err)
	}
	size := st.Size()

	pr, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Accept-Ranges", "bytes")

	if !pr.hasRange {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = io.Copy(w, f)
		}
		return nil
	}

	length := pr.end - pr.start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", pr.start, pr.end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := f.Seek(pr.start, io.SeekStart); err != nil {
		return apperr.Wrap(apperr.KindServe, apperr.CodeInvalidRange, "seek", err)
	}
	_, err = io.CopyN(w, f, length)
	if err == io.EOF {
		err = nil
	}
	return err
}

// handleReverseProxy is the ALL * catch-all (route 9).
func (rt *Router) handleReverseProxy(w http.ResponseWriter, r *http.Request) {
	rt.proxy(w, r, r.URL.Path, r.URL.RawQuery)
}

// proxy forwards r to the upstream frontend at path+rawQuery, applying
// spec.md §4.10's reverse-proxy semantics: hop-by-hop stripping both ways,
// Set-Cookie rewriting, Location rewriting, a configurable timeout, and a
// 502 JSON error on network failure.
func (rt *Router) proxy(w http.ResponseWriter, r *http.Request, path, rawQuery string) {
	target := *rt.cfg.Upstream
	target.Path = singleJoiningSlash(rt.cfg.Upstream.Path, path)
	target.RawQuery = rawQuery

	ctx, cancel := context.WithTimeout(r.Context(), rt.cfg.ProxyTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	copyHeadersStripHop(outReq.Header, r.Header)
	outReq.Header.Set("Host", rt.cfg.Upstream.Host)
	reqID := uuid.NewString()
	outReq.Header.Set("X-Request-Id", reqID)

	resp, err := rt.proxyClient.Do(outReq)
	if err != nil {
		rt.log.Errorf("proxy request failed %s", logging.Fields("path", path, "reqId", reqID, "err", err))
		writeJSONError(w, http.StatusBadGateway, "upstream request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	copyHeadersStripHop(w.Header(), resp.Header)
	rewriteSetCookie(w.Header())
	rewriteLocation(w.Header(), rt.cfg.Upstream, r)

	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, resp.Body)
	}
}

// proxyAndCapture forwards the request like proxy but returns the body
// bytes instead of streaming them, for routes that need to inspect/rewrite
// the upstream response (watch badge, video-info rewrite, manifest
// fallback).
func (rt *Router) proxyAndCapture(r *http.Request, path, rawQuery string) (*http.Response, []byte, error) {
	target := *rt.cfg.Upstream
	target.Path = singleJoiningSlash(rt.cfg.Upstream.Path, path)
	target.RawQuery = rawQuery

	ctx, cancel := context.WithTimeout(r.Context(), rt.cfg.ProxyTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	copyHeadersStripHop(outReq.Header, r.Header)
	outReq.Header.Set("Host", rt.cfg.Upstream.Host)

	resp, err := rt.proxyClient.Do(outReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, body, nil
}

func copyHeadersStripHop(dst, src http.Header) {
	for k, vs := range src {
		lk := strings.ToLower(k)
		if hopHeaders[lk] || lk == "host" || lk == "content-length" {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// rewriteSetCookie drops Domain= and Secure attributes and forces
// SameSite=Lax, per spec.md §4.10, so cookies set by the upstream survive
// being served from this process's own origin.
func rewriteSetCookie(h http.Header) {
	cookies := h.Values("Set-Cookie")
	if len(cookies) == 0 {
		return
	}
	h.Del("Set-Cookie")
	for _, c := range cookies {
		parts := strings.Split(c, ";")
		var kept []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			lower := strings.ToLower(trimmed)
			if strings.HasPrefix(lower, "domain=") || lower == "secure" || strings.HasPrefix(lower, "samesite=") {
				continue
			}
			kept = append(kept, p)
		}
		kept = append(kept, " SameSite=Lax")
		h.Add("Set-Cookie", strings.Join(kept, ";"))
	}
}

// rewriteLocation rewrites an absolute Location header pointing at the
// upstream host to a path-relative one, per spec.md §4.10.
func rewriteLocation(h http.Header, upstream *url.URL, r *http.Request) {
	loc := h.Get("Location")
	if loc == "" {
		return
	}
	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() {
		return
	}
	if u.Host != upstream.Host {
		return
	}
	rel := u.Path
	if u.RawQuery != "" {
		rel += "?" + u.RawQuery
	}
	h.Set("Location", rel)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

