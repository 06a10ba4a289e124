// Package queueproc is the queue processor (C7): a ticking dispatcher that
// claims ready queue items under C1's writer lock, hands each to a fresh
// pipeline run, and classifies failures into retry-with-backoff, permanent,
// or throttle-bypass outcomes.
//
// Modeled on the teacher's supervisor's tick-driven task loop
// (internal/supervisor/supervisor.go), generalized from process supervision
// to queue-item dispatch.
package queueproc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/snapetech/cacheproxy/internal/catalogstore"
	"github.com/snapetech/cacheproxy/internal/health"
	"github.com/snapetech/cacheproxy/internal/logging"
	"github.com/snapetech/cacheproxy/internal/metrics"
	"github.com/snapetech/cacheproxy/internal/pipeline"
)

// Config configures dispatch cadence and retry policy.
type Config struct {
	ProcessInterval    time.Duration
	MaxConcurrent      int
	MaxRetryAttempts   int
	RetryBaseDelay     time.Duration
	ThrottleMaxRetries int
}

// Processor dispatches ready queue items to the pipeline.
type Processor struct {
	cfg       Config
	store     *catalogstore.Store
	pipeline  *pipeline.Pipeline
	heartbeat *health.Heartbeat
	log       *logging.Logger

	mu         sync.Mutex
	active     int
	cancelFns  map[int64]context.CancelFunc
	trigger    chan struct{}
	stopCh     chan struct{}
	stoppedCh  chan struct{}
}

// New builds a Processor. heartbeat is ticked on every dispatch loop pass so
// GET /health can report queue-processor liveness.
func New(cfg Config, store *catalogstore.Store, p *pipeline.Pipeline, heartbeat *health.Heartbeat) *Processor {
	return &Processor{
		cfg:       cfg,
		store:     store,
		pipeline:  p,
		heartbeat: heartbeat,
		log:       logging.New("queueproc"),
		cancelFns: make(map[int64]context.CancelFunc),
		trigger:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Notify requests an out-of-band tick (add/complete/fail events), per
// spec.md §4.7's "tick fires ... at key events".
func (p *Processor) Notify() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ProcessInterval)
	defer ticker.Stop()
	defer close(p.stoppedCh)
	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

// Stop requests the loop exit and blocks until it has, cancelling in-flight
// pipeline runs.
func (p *Processor) Stop() {
	close(p.stopCh)
	<-p.stoppedCh
	p.mu.Lock()
	for _, cancel := range p.cancelFns {
		cancel()
	}
	p.mu.Unlock()
}

func (p *Processor) tick(ctx context.Context) {
	if p.heartbeat != nil {
		p.heartbeat.Tick()
	}
	if items, err := p.store.ListQueue(ctx, ""); err == nil {
		metrics.QueueDepth.Set(float64(len(items)))
	}
	for {
		p.mu.Lock()
		full := p.active >= p.cfg.MaxConcurrent
		p.mu.Unlock()
		if full {
			return
		}

		item, err := p.store.GetNextQueueItem(ctx)
		if err != nil {
			p.log.Errorf("getNextQueueItem failed %s", logging.Fields("err", err))
			return
		}
		if item == nil {
			return
		}

		p.mu.Lock()
		p.active++
		metrics.ActiveDownloads.Set(float64(p.active))
		p.mu.Unlock()
		runCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancelFns[item.ID] = cancel
		p.mu.Unlock()

		go p.run(runCtx, cancel, item)
	}
}

func (p *Processor) run(ctx context.Context, cancel context.CancelFunc, item *catalogstore.QueueItem) {
	defer func() {
		cancel()
		p.mu.Lock()
		p.active--
		metrics.ActiveDownloads.Set(float64(p.active))
		delete(p.cancelFns, item.ID)
		p.mu.Unlock()
		p.Notify()
	}()

	res := p.pipeline.Run(ctx, item)
	switch res.Outcome {
	case pipeline.OutcomeSuccess:
		if err := p.store.UpdateQueueStatus(ctx, item.ID, catalogstore.StatusCompleted, ""); err != nil {
			p.log.Errorf("failed to mark completed %s", logging.Fields("videoId", item.VideoID, "err", err))
		}
	case pipeline.OutcomeStartFresh:
		// Left pending without consuming a retry; the next tick re-claims it.
		if err := p.store.UpdateQueueStatus(ctx, item.ID, catalogstore.StatusPending, ""); err != nil {
			p.log.Errorf("failed to reset to pending %s", logging.Fields("videoId", item.VideoID, "err", err))
		}
	case pipeline.OutcomeThrottled:
		p.handleThrottled(ctx, item, res)
	default:
		p.handleFailure(ctx, item, res)
	}
}

// CancelDownload aborts an in-flight pipeline run for videoId, if any.
func (p *Processor) CancelDownload(videoID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.cancelFns {
		item, err := p.store.GetQueueItem(context.Background(), id)
		if err == nil && item.VideoID == videoID {
			cancel()
			return true
		}
	}
	return false
}

func (p *Processor) handleThrottled(ctx context.Context, item *catalogstore.QueueItem, res pipeline.Result) {
	n, err := p.store.IncrementThrottleRetry(ctx, item.ID)
	if err != nil {
		p.log.Errorf("incrementThrottleRetry failed %s", logging.Fields("videoId", item.VideoID, "err", err))
		n = p.cfg.ThrottleMaxRetries + 1
	}
	if n > p.cfg.ThrottleMaxRetries {
		// Exceeded cap: fall through to the normal failure classifier as-is,
		// per spec — this reuses the classification-retry budget even though
		// the proximate cause was sustained throttling.
		p.handleFailure(ctx, item, res)
		return
	}
	if err := p.store.UpdateQueueStatus(ctx, item.ID, catalogstore.StatusPending, ""); err != nil {
		p.log.Errorf("failed to reset throttled item to pending %s", logging.Fields("videoId", item.VideoID, "err", err))
	}
}

func (p *Processor) handleFailure(ctx context.Context, item *catalogstore.QueueItem, res pipeline.Result) {
	msg := "unknown error"
	if res.Err != nil {
		msg = res.Err.Error()
	}

	if isPermanent(msg) {
		if err := p.store.UpdateQueueStatus(ctx, item.ID, catalogstore.StatusFailed, msg); err != nil {
			p.log.Errorf("failed to mark failed %s", logging.Fields("videoId", item.VideoID, "err", err))
		}
		return
	}

	newRetryCount := item.RetryCount + 1
	if newRetryCount > p.cfg.MaxRetryAttempts {
		if err := p.store.UpdateQueueStatus(ctx, item.ID, catalogstore.StatusFailed, msg+" (max retries reached)"); err != nil {
			p.log.Errorf("failed to mark failed %s", logging.Fields("videoId", item.VideoID, "err", err))
		}
		return
	}

	delay := p.cfg.RetryBaseDelay * time.Duration(pow4(newRetryCount-1))
	if err := p.store.ScheduleRetry(ctx, item.ID, delay, msg); err != nil {
		p.log.Errorf("scheduleRetry failed %s", logging.Fields("videoId", item.VideoID, "err", err))
	}
}

func pow4(n int) int64 {
	if n <= 0 {
		return 1
	}
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 4
	}
	return v
}

// permanentPatterns implements the failure classifier's case-insensitive
// pattern match against the error message text, per spec.md §4.7. Only the
// permanent patterns are listed: temporary and transient failures are not
// told apart, since both take the same retry-with-backoff branch.
var permanentPatterns = []string{
	"unavailable", "private", "deleted", "removed", "age-restrict",
	"copyright", "blocked", "sign-in", "login required", "members-only",
	"is not http(s)",
}

func isPermanent(msg string) bool {
	lower := strings.ToLower(msg)
	for _, pat := range permanentPatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}
