// Package pipeline is the per-video download orchestrator (C6): plan, fetch
// video, fetch audio (or a single combined fetch), mux, persist. It
// implements the throttle/resume/failure handling spec.md §4.6 describes.
//
// Modeled on the teacher's materializer package's fetch-then-finalize shape,
// generalized into a multi-step fetch-then-mux state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/snapetech/cacheproxy/internal/apperr"
	"github.com/snapetech/cacheproxy/internal/catalogstore"
	"github.com/snapetech/cacheproxy/internal/companion"
	"github.com/snapetech/cacheproxy/internal/fetcher"
	"github.com/snapetech/cacheproxy/internal/logging"
	"github.com/snapetech/cacheproxy/internal/muxer"
	"github.com/snapetech/cacheproxy/internal/progress"
	"github.com/snapetech/cacheproxy/internal/safeurl"
)

// Config is the subset of runtime configuration the pipeline needs.
type Config struct {
	VideosDir              string
	QualityPreference      string
	RateLimitBytesPerSec   int64
	ThrottleSpeedThreshold int64
	ThrottleWindowSeconds  int
}

// Outcome classifies how a Run call ended, so the queue processor (C7) can
// apply the right status transition without re-deriving it from the error.
type Outcome int

const (
	// OutcomeSuccess: the video was muxed and recorded.
	OutcomeSuccess Outcome = iota
	// OutcomeThrottled: the fetch was cancelled for sustained low speed;
	// the queue processor decides whether to retry immediately or fail.
	OutcomeThrottled
	// OutcomeStartFresh: upstream refused resume; the item is left pending
	// without consuming a retry.
	OutcomeStartFresh
	// OutcomeFailed: any other failure; err carries the classifiable
	// message.
	OutcomeFailed
)

// Result is returned by Run.
type Result struct {
	Outcome Outcome
	Err     error
}

// Pipeline runs one video's download end to end.
type Pipeline struct {
	cfg       Config
	store     *catalogstore.Store
	companion *companion.Client
	fetcher   *fetcher.Fetcher
	muxerDrv  *muxer.Driver
	tracker   *progress.Tracker
	log       *logging.Logger
}

// New builds a Pipeline. muxerDrv may be nil; Run then fails fast with a
// muxer_not_found error on the mux step of the separate video+audio path
// (the combined-format path does not use the muxer).
func New(cfg Config, store *catalogstore.Store, comp *companion.Client, f *fetcher.Fetcher, muxerDrv *muxer.Driver, tracker *progress.Tracker) *Pipeline {
	return &Pipeline{cfg: cfg, store: store, companion: comp, fetcher: f, muxerDrv: muxerDrv, tracker: tracker, log: logging.New("pipeline")}
}

// Run executes the full plan→fetch→mux→persist sequence for item.
func (p *Pipeline) Run(ctx context.Context, item *catalogstore.QueueItem) Result {
	videoID := item.VideoID
	ctx = p.tracker.Start(ctx, videoID, videoID)
	defer p.tracker.Finish(videoID)

	if err := p.store.UpdateQueueStatus(ctx, item.ID, catalogstore.StatusDownloading, ""); err != nil {
		p.log.Errorf("failed to mark downloading %s", logging.Fields("videoId", videoID, "err", err))
	}

	info, err := p.companion.GetVideoInfo(ctx, videoID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("fetching video info: %w", err)}
	}

	sel, err := companion.SelectBestStreams(info, p.cfg.QualityPreference)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: errors.New("No suitable streams found")}
	}
	if err := p.checkStreamURLs(sel); err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	if sel.Combined != nil {
		return p.runCombined(ctx, item, info, sel.Combined)
	}
	return p.runSeparate(ctx, item, info, sel.Video, sel.Audio)
}

// checkStreamURLs rejects any companion-reported stream URL that isn't
// http(s) before it is dereferenced, since the companion endpoint is an
// untrusted source as far as URL schemes go.
func (p *Pipeline) checkStreamURLs(sel companion.SelectedStreams) error {
	for _, f := range []*companion.Format{sel.Combined, sel.Video, sel.Audio} {
		if f == nil {
			continue
		}
		if !safeurl.IsHTTPOrHTTPS(f.URL) {
			return apperr.New(apperr.KindDownload, apperr.CodeUnsafeURL, fmt.Sprintf("stream url %q is not http(s)", f.URL))
		}
	}
	return nil
}

func (p *Pipeline) tmpPath(videoID, kind string) string {
	return filepath.Join(p.cfg.VideosDir, videoID+"_"+kind+".tmp")
}

func (p *Pipeline) outputPath(videoID string) string {
	return filepath.Join(p.cfg.VideosDir, videoID+".mp4")
}

// elementaryPath names the persisted per-itag cache file a synthesized DASH
// manifest points its Representation BaseURL at, per the on-disk layout's
// "{videoId}_{kind}_{itag}.{ext}" entries.
func (p *Pipeline) elementaryPath(videoID, kind string, itag int, mimeType string) string {
	return ElementaryPath(p.cfg.VideosDir, videoID, kind, itag, mimeType)
}

// ElementaryPath names the on-disk path of a persisted per-itag elementary
// stream cache file. Exported so the router (C10) can locate the same file
// it was written to when synthesizing a DASH manifest or serving a
// per-itag videoplayback request.
func ElementaryPath(videosDir, videoID, kind string, itag int, mimeType string) string {
	return filepath.Join(videosDir, fmt.Sprintf("%s_%s_%d.%s", videoID, kind, itag, ExtFromMimeType(mimeType)))
}

// ExtFromMimeType derives a file extension from a stream's MIME type, e.g.
// "video/mp4; codecs=\"avc1.640028\"" -> "mp4".
func ExtFromMimeType(mimeType string) string {
	sub := mimeType
	if i := strings.IndexByte(sub, '/'); i >= 0 {
		sub = sub[i+1:]
	}
	if i := strings.IndexByte(sub, ';'); i >= 0 {
		sub = sub[:i]
	}
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return "bin"
	}
	return sub
}

func (p *Pipeline) runSeparate(ctx context.Context, item *catalogstore.QueueItem, info *companion.VideoInfo, video, audio *companion.Format) Result {
	videoID := item.VideoID
	videoTmp := p.tmpPath(videoID, "video")
	audioTmp := p.tmpPath(videoID, "audio")

	resume := fileNonEmpty(videoTmp) || fileNonEmpty(audioTmp)
	if resume {
		p.tracker.SetPhase(videoID, progress.PhaseResuming)
	}

	p.tracker.SetPhase(videoID, progress.PhaseFetchVideo)
	if res := p.fetchOne(ctx, videoID, video.URL, videoTmp, resume); res.Outcome != OutcomeSuccess {
		return p.handleFetchFailure(item, res, videoTmp, audioTmp)
	}

	p.tracker.SetPhase(videoID, progress.PhaseFetchAudio)
	if res := p.fetchOne(ctx, videoID, audio.URL, audioTmp, resume); res.Outcome != OutcomeSuccess {
		return p.handleFetchFailure(item, res, videoTmp, audioTmp)
	}

	return p.muxAndRecord(ctx, item, info, videoTmp, audioTmp, video, audio)
}

func (p *Pipeline) runCombined(ctx context.Context, item *catalogstore.QueueItem, info *companion.VideoInfo, combined *companion.Format) Result {
	videoID := item.VideoID
	combinedTmp := p.tmpPath(videoID, "combined")
	resume := fileNonEmpty(combinedTmp)
	if resume {
		p.tracker.SetPhase(videoID, progress.PhaseResuming)
	}

	p.tracker.SetPhase(videoID, progress.PhaseFetchCombined)
	if res := p.fetchOne(ctx, videoID, combined.URL, combinedTmp, resume); res.Outcome != OutcomeSuccess {
		return p.handleFetchFailure(item, res, combinedTmp)
	}

	outputPath := p.outputPath(videoID)
	if err := os.Rename(combinedTmp, outputPath); err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("finalizing combined download: %w", err)}
	}

	if _, err := p.store.AddDownload(ctx, catalogstore.AddDownloadInput{
		VideoID: videoID, ChannelID: info.ChannelID, Title: info.Title, DurationSeconds: info.LengthSeconds,
		Quality: p.cfg.QualityPreference, FilePath: outputPath, FileSizeBytes: fileSizeOf(outputPath),
		Source: item.Source, Metadata: catalogstore.StreamMetadata{Author: info.Author, Description: info.Description, CombinedItag: combined.Itag},
	}); err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("recording download: %w", err)}
	}
	return Result{Outcome: OutcomeSuccess}
}

// handleFetchFailure cleans up tmp files on a startFresh signal (upstream
// refused the Range request) and passes every outcome through unchanged.
func (p *Pipeline) handleFetchFailure(item *catalogstore.QueueItem, res Result, tmpPaths ...string) Result {
	if res.Outcome == OutcomeStartFresh {
		p.cleanupTmp(item.VideoID, tmpPaths...)
	}
	return res
}

func (p *Pipeline) fetchOne(ctx context.Context, videoID, url, outPath string, resume bool) Result {
	var throttle *fetcher.ThrottleConfig
	if p.cfg.ThrottleSpeedThreshold > 0 {
		throttle = &fetcher.ThrottleConfig{SpeedThreshold: p.cfg.ThrottleSpeedThreshold, WindowSeconds: p.cfg.ThrottleWindowSeconds}
	}

	err := p.fetcher.DownloadToFile(ctx, url, outPath, fetcher.Options{
		RateLimit: p.cfg.RateLimitBytesPerSec,
		Resume:    resume,
		Throttle:  throttle,
		OnProgress: func(bytes, total int64, speed float64) {
			p.tracker.Update(videoID, bytes, total, speed)
		},
	})
	if err == nil {
		return Result{Outcome: OutcomeSuccess}
	}
	if errors.Is(err, apperr.ErrThrottled) {
		return Result{Outcome: OutcomeThrottled, Err: err}
	}
	if errors.Is(err, apperr.ErrStartFresh) {
		return Result{Outcome: OutcomeStartFresh, Err: err}
	}
	return Result{Outcome: OutcomeFailed, Err: err}
}

func (p *Pipeline) muxAndRecord(ctx context.Context, item *catalogstore.QueueItem, info *companion.VideoInfo, videoTmp, audioTmp string, video, audio *companion.Format) Result {
	videoID := item.VideoID
	p.tracker.SetPhase(videoID, progress.PhaseMuxing)
	if err := p.store.UpdateQueueStatus(ctx, item.ID, catalogstore.StatusMuxing, ""); err != nil {
		p.log.Errorf("failed to mark muxing %s", logging.Fields("videoId", videoID, "err", err))
	}

	if p.muxerDrv == nil {
		p.cleanupTmp(videoID, videoTmp, audioTmp)
		return Result{Outcome: OutcomeFailed, Err: apperr.New(apperr.KindMuxer, apperr.CodeMuxerNotFound, "muxer not configured")}
	}

	outputPath := p.outputPath(videoID)
	_, err := p.muxerDrv.Mux(ctx, muxer.MuxOptions{
		VideoPath: videoTmp, AudioPath: audioTmp, OutputPath: outputPath,
		CopyStreams: true, Faststart: true, Overwrite: true,
	})
	if err != nil {
		p.cleanupTmp(videoID, videoTmp, audioTmp)
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("muxing: %w", err)}
	}

	// Persist the elementary streams alongside the muxed file so route 5/6
	// can synthesize a DASH manifest and serve per-itag range requests
	// without re-fetching. Renaming satisfies "delete tmp files on success"
	// since the *.tmp-named path stops existing either way.
	videoElem := p.elementaryPath(videoID, "video", video.Itag, video.MimeType)
	audioElem := p.elementaryPath(videoID, "audio", audio.Itag, audio.MimeType)
	if err := os.Rename(videoTmp, videoElem); err != nil {
		p.log.Errorf("failed persisting elementary video stream %s", logging.Fields("videoId", videoID, "err", err))
	}
	if err := os.Rename(audioTmp, audioElem); err != nil {
		p.log.Errorf("failed persisting elementary audio stream %s", logging.Fields("videoId", videoID, "err", err))
	}

	meta := catalogstore.StreamMetadata{
		Author: info.Author, Description: info.Description,
		VideoItag: video.Itag, AudioItag: audio.Itag,
		Width: video.Width, Height: video.Height,
		VideoMimeType: video.MimeType, AudioMimeType: audio.MimeType,
		VideoBitrate: video.Bitrate, AudioBitrate: audio.Bitrate,
		VideoContentLength: video.ContentLength, AudioContentLength: audio.ContentLength,
	}
	if _, err := p.store.AddDownload(ctx, catalogstore.AddDownloadInput{
		VideoID: videoID, ChannelID: info.ChannelID, Title: info.Title, DurationSeconds: info.LengthSeconds,
		Quality: p.cfg.QualityPreference, FilePath: outputPath, FileSizeBytes: fileSizeOf(outputPath),
		Source: item.Source, Metadata: meta,
	}); err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("recording download: %w", err)}
	}
	return Result{Outcome: OutcomeSuccess}
}

func (p *Pipeline) cleanupTmp(videoID string, paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.Errorf("failed removing tmp file %s", logging.Fields("videoId", videoID, "path", path, "err", err))
		}
	}
}

func fileNonEmpty(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Size() > 0
}

func fileSizeOf(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}
