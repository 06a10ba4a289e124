// Command cacheproxyd runs the cache proxy: it sits in front of the
// self-hosted video frontend, watches subscriptions, downloads and mux
// videos in the background, evicts watched copies, and serves cached media
// with byte-range semantics alongside a transparent reverse proxy for
// everything else.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/cacheproxy/internal/catalogstore"
	"github.com/snapetech/cacheproxy/internal/companion"
	"github.com/snapetech/cacheproxy/internal/config"
	"github.com/snapetech/cacheproxy/internal/eviction"
	"github.com/snapetech/cacheproxy/internal/fetcher"
	"github.com/snapetech/cacheproxy/internal/health"
	"github.com/snapetech/cacheproxy/internal/logging"
	"github.com/snapetech/cacheproxy/internal/mediarange"
	"github.com/snapetech/cacheproxy/internal/muxer"
	"github.com/snapetech/cacheproxy/internal/pipeline"
	"github.com/snapetech/cacheproxy/internal/progress"
	"github.com/snapetech/cacheproxy/internal/queueproc"
	"github.com/snapetech/cacheproxy/internal/router"
	"github.com/snapetech/cacheproxy/internal/upstreamdb"
	"github.com/snapetech/cacheproxy/internal/watcher"
)

// tmpMaxAge is how long a *.tmp file can sit untouched before startup
// garbage collection reclaims it, per spec.md §6.
const tmpMaxAge = 7 * 24 * time.Hour

func main() {
	log := logging.New("cacheproxyd")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	upstreamURL, err := parseUpstreamURL(cfg.UpstreamFrontendURL)
	if err != nil {
		log.Errorf("invalid CACHEPROXY_UPSTREAM_URL %s", logging.Fields("err", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.VideosDir, 0o755); err != nil {
		log.Errorf("creating videos dir failed %s", logging.Fields("path", cfg.VideosDir, "err", err))
		os.Exit(1)
	}
	gcStaleTmp(log, cfg.VideosDir)

	store, err := catalogstore.Open(filepath.Join(cfg.VideosDir, "catalog.db"))
	if err != nil {
		log.Errorf("opening catalog store failed %s", logging.Fields("err", err))
		os.Exit(1)
	}
	defer store.Close()

	upstreamReader, err := upstreamdb.OpenSQLite(cfg.UpstreamDBURL)
	if err != nil {
		log.Errorf("opening upstream db failed %s", logging.Fields("err", err))
		os.Exit(1)
	}
	defer upstreamReader.Close()

	// Recover from an unclean shutdown: anything left downloading/muxing is
	// reset to pending so the queue processor re-claims it fresh.
	if n, err := store.ResetOrphanedDownloads(context.Background()); err != nil {
		log.Errorf("resetting orphaned downloads failed %s", logging.Fields("err", err))
	} else if n > 0 {
		log.Infof("reset orphaned downloads %s", logging.Fields("count", n))
	}

	comp := companion.New(cfg.CompanionURL, cfg.CompanionSecret)

	muxerDrv, err := muxer.Discover(context.Background())
	if err != nil {
		log.Errorf("muxer discovery failed %s", logging.Fields("err", err))
		os.Exit(1)
	}

	tracker := progress.New()
	fetch := fetcher.New()

	pipe := pipeline.New(pipeline.Config{
		VideosDir:              cfg.VideosDir,
		QualityPreference:      cfg.QualityPreference,
		RateLimitBytesPerSec:   cfg.RateLimitBytesPerSec,
		ThrottleSpeedThreshold: cfg.ThrottleSpeedThreshold,
		ThrottleWindowSeconds:  cfg.ThrottleWindowSeconds,
	}, store, comp, fetch, muxerDrv, tracker)

	heartbeat := &health.Heartbeat{}
	qp := queueproc.New(queueproc.Config{
		ProcessInterval:    5 * time.Second,
		MaxConcurrent:      cfg.MaxConcurrentDownloads,
		MaxRetryAttempts:   cfg.MaxRetryAttempts,
		RetryBaseDelay:     cfg.RetryBaseDelay(),
		ThrottleMaxRetries: cfg.ThrottleMaxRetries,
	}, store, pipe, heartbeat)

	w := watcher.New(watcher.Config{
		CheckInterval:      cfg.CheckInterval(),
		SingleUser:         cfg.SingleUser,
		MinDurationSeconds: 0,
		ExcludeLive:        true,
		ExcludePremieres:   true,
		MaxVideosPerCheck:  50,
		DefaultWindow:      24 * time.Hour,
	}, store, upstreamReader, qp.Notify)

	evictor := eviction.New(eviction.Config{
		Enabled:      cfg.CleanupEnabled,
		Interval:     cfg.CleanupInterval(),
		AgeThreshold: time.Duration(cfg.CleanupAgeDays) * 24 * time.Hour,
		VideosDir:    cfg.VideosDir,
	}, store, upstreamReader)

	rt := router.New(router.Config{
		Upstream:     upstreamURL,
		VideosDir:    cfg.VideosDir,
		ProxyTimeout: 30 * time.Second,
	}, store, mediarange.NewCache(), tracker, qp, health.Handler(store, heartbeat))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", rt.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go qp.Start(ctx)
	go w.Start(ctx)
	go evictor.Start(ctx) // no-op loop when cfg.CleanupEnabled is false

	go func() {
		log.Infof("listening %s", logging.Fields("port", cfg.ListenPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server failed %s", logging.Fields("err", err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infof("shutting down")

	// Reverse order of startup: stop dispatching new work, stop the
	// watcher and eviction sweep, close the HTTP server, then the stores,
	// per spec.md §5's shutdown sequencing.
	qp.Stop()
	w.Stop()
	evictor.Stop()
	tracker.CancelAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown failed %s", logging.Fields("err", err))
	}
	cancel()
}

func parseUpstreamURL(raw string) (*url.URL, error) {
	return url.Parse(raw)
}

// gcStaleTmp removes any *.tmp fetch artifact older than tmpMaxAge, left
// behind by a crash that predates even the startup orphan-reset (that reset
// only touches catalog rows; this clears the filesystem side).
func gcStaleTmp(log *logging.Logger, videosDir string) {
	entries, err := os.ReadDir(videosDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-tmpMaxAge)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".tmp" {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(videosDir, e.Name())
		if err := os.Remove(path); err != nil {
			log.Errorf("gc stale tmp file failed %s", logging.Fields("path", path, "err", err))
		}
	}
}
