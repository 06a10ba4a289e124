package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/snapetech/cacheproxy/internal/apperr"
	"github.com/snapetech/cacheproxy/internal/catalogstore"
	"github.com/snapetech/cacheproxy/internal/metrics"
)

// controlPlaneHandler dispatches /api/downloader/* (route 2): status,
// queue list/add/cancel/clear, downloads list/delete, exclusions
// list/add/remove, stats, progress snapshots. Every handler is a thin shell
// over the catalog store, per spec.md §4.1's contracts.
func (rt *Router) controlPlaneHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/downloader/status", rt.withMetrics("api_status", rt.apiStatus))
	mux.HandleFunc("GET /api/downloader/queue", rt.withMetrics("api_queue_list", rt.apiQueueList))
	mux.HandleFunc("POST /api/downloader/queue", rt.withMetrics("api_queue_add", rt.apiQueueAdd))
	mux.HandleFunc("DELETE /api/downloader/queue/{videoId}", rt.withMetrics("api_queue_cancel", rt.apiQueueCancel))
	mux.HandleFunc("POST /api/downloader/queue/clear", rt.withMetrics("api_queue_clear", rt.apiQueueClear))
	mux.HandleFunc("GET /api/downloader/downloads", rt.withMetrics("api_downloads_list", rt.apiDownloadsList))
	mux.HandleFunc("DELETE /api/downloader/downloads/{videoId}", rt.withMetrics("api_downloads_delete", rt.apiDownloadsDelete))
	mux.HandleFunc("GET /api/downloader/exclusions", rt.withMetrics("api_exclusions_list", rt.apiExclusionsList))
	mux.HandleFunc("POST /api/downloader/exclusions", rt.withMetrics("api_exclusions_add", rt.apiExclusionsAdd))
	mux.HandleFunc("DELETE /api/downloader/exclusions/{channelId}", rt.withMetrics("api_exclusions_remove", rt.apiExclusionsRemove))
	mux.HandleFunc("GET /api/downloader/stats", rt.withMetrics("api_stats", rt.apiStats))
	mux.HandleFunc("GET /api/downloader/progress", rt.withMetrics("api_progress", rt.apiProgress))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (rt *Router) apiStatus(w http.ResponseWriter, r *http.Request) {
	items, err := rt.store.ListQueue(r.Context(), "")
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queueDepth":      len(items),
		"activeDownloads": len(rt.tracker.Snapshots()),
	})
}

func (rt *Router) apiQueueList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	items, err := rt.store.ListQueue(r.Context(), userID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type queueAddRequest struct {
	VideoID  string `json:"videoId"`
	UserID   string `json:"userId"`
	Priority int    `json:"priority"`
}

func (rt *Router) apiQueueAdd(w http.ResponseWriter, r *http.Request) {
	var req queueAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !isValidVideoID(req.VideoID) {
		writeJSONError(w, http.StatusBadRequest, "videoId must be an 11-character id")
		return
	}

	existing, err := rt.store.GetQueueItemByVideoID(r.Context(), req.VideoID)
	if err != nil && !errors.Is(err, apperr.New(apperr.KindCatalog, apperr.CodeNotFound, "")) {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing != nil && !existing.Status.IsTerminal() {
		writeJSON(w, http.StatusConflict, existing)
		return
	}

	item, err := rt.store.AddToQueue(r.Context(), catalogstore.AddToQueueInput{
		VideoID: req.VideoID, UserID: req.UserID, Priority: req.Priority, Source: catalogstore.SourceManual,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.QueueItemsEnqueuedTotal.WithLabelValues(string(catalogstore.SourceManual)).Inc()
	rt.qp.Notify()
	if item == nil {
		// Already downloaded; ownership was recorded but nothing was queued.
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_downloaded"})
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (rt *Router) apiQueueCancel(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("videoId")
	item, err := rt.store.GetQueueItemByVideoID(r.Context(), videoID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "no such queue item")
		return
	}
	rt.qp.CancelDownload(videoID)
	if err := rt.store.CancelQueueItem(r.Context(), item.ID); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	item, err = rt.store.GetQueueItem(r.Context(), item.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (rt *Router) apiQueueClear(w http.ResponseWriter, r *http.Request) {
	n, err := rt.store.ClearCompletedQueue(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (rt *Router) apiDownloadsList(w http.ResponseWriter, r *http.Request) {
	downloads, err := rt.store.ListAvailableDownloads(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, downloads)
}

func (rt *Router) apiDownloadsDelete(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("videoId")
	userID := r.URL.Query().Get("userId")
	if !isValidVideoID(videoID) {
		writeJSONError(w, http.StatusBadRequest, "invalid videoId")
		return
	}
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if err := rt.store.MarkVideoDeletedForUser(r.Context(), videoID, userID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (rt *Router) apiExclusionsList(w http.ResponseWriter, r *http.Request) {
	exclusions, err := rt.store.ListChannelExclusions(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exclusions)
}

type exclusionRequest struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

func (rt *Router) apiExclusionsAdd(w http.ResponseWriter, r *http.Request) {
	var req exclusionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ChannelID) == "" {
		writeJSONError(w, http.StatusBadRequest, "channelId is required")
		return
	}
	if err := rt.store.AddChannelExclusion(r.Context(), req.ChannelID, req.UserID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "excluded"})
}

func (rt *Router) apiExclusionsRemove(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	userID := r.URL.Query().Get("userId")
	if err := rt.store.RemoveChannelExclusion(r.Context(), channelID, userID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (rt *Router) apiStats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}
	stats, err := rt.store.GetDownloadStats(r.Context(), userID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (rt *Router) apiProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.tracker.Snapshots())
}
