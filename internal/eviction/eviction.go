// Package eviction is the eviction service (C9): a periodic sweep that
// reclaims disk space from subscription downloads every active owner has
// watched, and records run statistics.
//
// Modeled on the teacher's internal/cache reclaim-sweep idiom, generalized
// from size-bound LRU eviction to ownership/watched-state-driven reclaim.
package eviction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/snapetech/cacheproxy/internal/apperr"
	"github.com/snapetech/cacheproxy/internal/catalogstore"
	"github.com/snapetech/cacheproxy/internal/logging"
	"github.com/snapetech/cacheproxy/internal/metrics"
	"github.com/snapetech/cacheproxy/internal/upstreamdb"
)

const maxErrorRing = 20

// Config configures sweep cadence and age threshold.
type Config struct {
	Enabled       bool
	Interval      time.Duration
	AgeThreshold  time.Duration
	VideosDir     string
}

// RunStats summarizes one sweep, kept as the last entry plus a capped error
// ring across sweeps.
type RunStats struct {
	CheckedAt time.Time
	Checked   int
	Deleted   int
	FreedBytes int64
	Duration  time.Duration
}

// Service runs the periodic eviction sweep.
type Service struct {
	cfg    Config
	store  *catalogstore.Store
	reader upstreamdb.Reader
	log    *logging.Logger

	mu        sync.Mutex
	lastRun   RunStats
	errors    []string

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New builds a Service.
func New(cfg Config, store *catalogstore.Store, reader upstreamdb.Reader) *Service {
	return &Service{
		cfg: cfg, store: store, reader: reader,
		log:       logging.New("eviction"),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called. A
// no-op loop if cfg.Enabled is false.
func (s *Service) Start(ctx context.Context) {
	defer close(s.stoppedCh)
	if !s.cfg.Enabled {
		<-mergeStop(ctx, s.stopCh)
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func mergeStop(ctx context.Context, stopCh <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopCh:
		}
		close(out)
	}()
	return out
}

// Stop requests the loop exit and blocks until it has.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.stoppedCh
}

// LastRun returns the most recent sweep's stats.
func (s *Service) LastRun() RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Errors returns the capped error ring across sweeps.
func (s *Service) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errors...)
}

func (s *Service) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, err.Error())
	if len(s.errors) > maxErrorRing {
		s.errors = s.errors[len(s.errors)-maxErrorRing:]
	}
}

// Sweep runs one eviction pass immediately.
func (s *Service) Sweep(ctx context.Context) RunStats {
	start := time.Now()
	stats := RunStats{CheckedAt: start.UTC()}

	cutoff := start.Add(-s.cfg.AgeThreshold)
	candidates, err := s.store.GetCleanupCandidates(ctx, cutoff)
	if err != nil {
		s.recordError(apperr.Wrap(apperr.KindEviction, "db", "getCleanupCandidates", err))
		stats.Duration = time.Since(start)
		s.mu.Lock()
		s.lastRun = stats
		s.mu.Unlock()
		return stats
	}
	stats.Checked = len(candidates)

	for _, c := range candidates {
		eligible, err := s.isEligible(ctx, c)
		if err != nil {
			s.recordError(&apperr.Error{Kind: apperr.KindEviction, Code: "unknown", Message: err.Error(), VideoID: c.Download.VideoID})
			continue
		}
		if !eligible {
			continue
		}

		freed, err := s.deleteFiles(c.Download.VideoID)
		if err != nil {
			s.recordError(&apperr.Error{Kind: apperr.KindEviction, Code: "fs", Message: err.Error(), VideoID: c.Download.VideoID})
			continue
		}
		if err := s.store.MarkFilesDeleted(ctx, c.Download.VideoID); err != nil {
			s.recordError(&apperr.Error{Kind: apperr.KindEviction, Code: "db", Message: err.Error(), VideoID: c.Download.VideoID})
			continue
		}
		stats.Deleted++
		stats.FreedBytes += freed
		metrics.EvictionDeletedTotal.Inc()
		metrics.EvictionBytesFreedTotal.Add(float64(freed))
	}

	stats.Duration = time.Since(start)
	s.mu.Lock()
	s.lastRun = stats
	s.mu.Unlock()
	if stats.Deleted > 0 {
		s.log.Infof("sweep freed space %s", logging.Fields(
			"checked", stats.Checked, "deleted", stats.Deleted,
			"freed", humanize.Bytes(uint64(stats.FreedBytes)), "duration", stats.Duration))
	}
	return stats
}

// isEligible implements spec.md §4.9's per-candidate decision: any
// keep-forever owner blocks eviction outright; otherwise every remaining
// active owner must have watched the video.
func (s *Service) isEligible(ctx context.Context, c catalogstore.EvictionCandidate) (bool, error) {
	for _, o := range c.Owners {
		if o.KeepForever {
			return false, nil
		}
	}
	for _, o := range c.Owners {
		watched, err := s.reader.HasUserWatchedVideo(ctx, o.UserID, c.Download.VideoID)
		if err != nil {
			return false, err
		}
		if !watched {
			return false, nil
		}
	}
	return true, nil
}

// deleteFiles removes the muxed file, thumbnail, metadata sidecar, and any
// per-itag elementary stream files for videoID, returning total bytes freed.
func (s *Service) deleteFiles(videoID string) (int64, error) {
	var freed int64
	paths, err := s.candidateFiles(videoID)
	if err != nil {
		return 0, err
	}
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return freed, err
		}
		if err := os.Remove(p); err != nil {
			return freed, err
		}
		freed += st.Size()
	}
	return freed, nil
}

func (s *Service) candidateFiles(videoID string) ([]string, error) {
	var paths []string
	paths = append(paths,
		filepath.Join(s.cfg.VideosDir, videoID+".mp4"),
		filepath.Join(s.cfg.VideosDir, videoID+".webp"),
		filepath.Join(s.cfg.VideosDir, videoID+".json"),
	)

	entries, err := os.ReadDir(s.cfg.VideosDir)
	if err != nil {
		if os.IsNotExist(err) {
			return paths, nil
		}
		return nil, err
	}
	videoPrefix := fmt.Sprintf("%s_video_", videoID)
	audioPrefix := fmt.Sprintf("%s_audio_", videoID)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, videoPrefix) || strings.HasPrefix(name, audioPrefix) {
			paths = append(paths, filepath.Join(s.cfg.VideosDir, name))
		}
	}
	return paths, nil
}
