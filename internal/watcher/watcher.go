// Package watcher is the subscription watcher (C8): a ticking scanner that
// quick-checks the upstream database for newly published videos across all
// watched channels, filters them, and bulk-enqueues survivors.
//
// Modeled on the teacher's internal/indexer polling-with-quick-check loop,
// generalized from EPG refresh to subscription-video discovery.
package watcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/snapetech/cacheproxy/internal/catalogstore"
	"github.com/snapetech/cacheproxy/internal/logging"
	"github.com/snapetech/cacheproxy/internal/upstreamdb"
)

const maxErrorRing = 20

// Config configures scan cadence and filtering.
type Config struct {
	CheckInterval      time.Duration
	SingleUser         string // empty = all users with subscriptions
	MinDurationSeconds int
	ExcludeLive        bool
	ExcludePremieres   bool
	MaxVideosPerCheck  int
	DefaultWindow      time.Duration // used when lastSeen is zero
}

// State is a snapshot of watcher progress, for the dashboard.
type State struct {
	LastSeen     time.Time
	LastRunAt    time.Time
	LastEnqueued int
	Errors       []string
}

// Watcher runs the periodic subscription scan.
type Watcher struct {
	cfg    Config
	store  *catalogstore.Store
	reader upstreamdb.Reader
	log    *logging.Logger
	notify func()

	mu       sync.Mutex
	lastSeen time.Time
	state    State

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New builds a Watcher. notify, if non-nil, is called after every
// successful enqueue batch so the queue processor can tick immediately.
func New(cfg Config, store *catalogstore.Store, reader upstreamdb.Reader, notify func()) *Watcher {
	return &Watcher{
		cfg: cfg, store: store, reader: reader, notify: notify,
		log:       logging.New("watcher"),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()
	defer close(w.stoppedCh)
	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop requests the loop exit and blocks until it has.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

// State returns a snapshot of the watcher's current state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := w.state
	cp.Errors = append([]string(nil), w.state.Errors...)
	return cp
}

func (w *Watcher) recordError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Errors = append(w.state.Errors, err.Error())
	if len(w.state.Errors) > maxErrorRing {
		w.state.Errors = w.state.Errors[len(w.state.Errors)-maxErrorRing:]
	}
}

func (w *Watcher) tick(ctx context.Context) {
	w.mu.Lock()
	w.state.LastRunAt = time.Now().UTC()
	w.mu.Unlock()

	users, err := w.targetUsers(ctx)
	if err != nil {
		w.recordError(err)
		return
	}
	if len(users) == 0 {
		return
	}

	channelIDs, channelOwners, err := w.unionChannels(ctx, users)
	if err != nil {
		w.recordError(err)
		return
	}
	if len(channelIDs) == 0 {
		return
	}

	w.mu.Lock()
	lastSeen := w.lastSeen
	w.mu.Unlock()

	maxPublished, err := w.reader.GetMaxPublishedTimestamp(ctx, channelIDs)
	if err != nil {
		w.recordError(err)
		return
	}
	if !lastSeen.IsZero() && !maxPublished.After(lastSeen) {
		return
	}

	publishedAfter := lastSeen
	if publishedAfter.IsZero() {
		publishedAfter = time.Now().UTC().Add(-w.cfg.DefaultWindow)
	}

	videos, err := w.reader.GetLatestVideos(ctx, upstreamdb.LatestVideosQuery{
		ChannelIDs: channelIDs, PublishedAfter: publishedAfter,
		ExcludeLive: w.cfg.ExcludeLive, ExcludePremieres: w.cfg.ExcludePremieres,
		MinDurationSeconds: w.cfg.MinDurationSeconds, Limit: w.cfg.MaxVideosPerCheck,
	})
	if err != nil {
		w.recordError(err)
		return
	}

	survivors, err := w.filter(ctx, videos)
	if err != nil {
		w.recordError(err)
		return
	}
	survivors = sortByPublishedDesc(survivors)

	enqueued := 0
	var newMax time.Time
	for _, v := range survivors {
		owners := channelOwners[v.ChannelID]
		if _, err := w.store.AddToQueue(ctx, catalogstore.AddToQueueInput{
			VideoID: v.VideoID, OwnerUserIDs: owners, Source: catalogstore.SourceSubscription,
		}); err != nil {
			w.recordError(err)
			continue
		}
		enqueued++
		if v.Published.After(newMax) {
			newMax = v.Published
		}
	}

	w.mu.Lock()
	if newMax.After(w.lastSeen) {
		w.lastSeen = newMax
	} else if maxPublished.After(w.lastSeen) {
		w.lastSeen = maxPublished
	}
	w.state.LastSeen = w.lastSeen
	w.state.LastEnqueued = enqueued
	w.mu.Unlock()

	if enqueued > 0 && w.notify != nil {
		w.notify()
	}
}

// targetUsers resolves either the single configured user, or every user
// with any subscriptions.
func (w *Watcher) targetUsers(ctx context.Context) ([]string, error) {
	if w.cfg.SingleUser != "" {
		return []string{w.cfg.SingleUser}, nil
	}
	return w.reader.GetAllUsersWithSubscriptions(ctx)
}

// unionChannels returns the union of channel IDs across users, plus a
// reverse map from channel ID to the set of subscribed user IDs (owners on
// enqueue — spec.md §4.8 step 7 is explicit that ownership tracks every
// subscribed user, not just a configured single user).
func (w *Watcher) unionChannels(ctx context.Context, users []string) ([]string, map[string][]string, error) {
	seen := make(map[string]bool)
	owners := make(map[string][]string)
	var channelIDs []string
	for _, u := range users {
		chs, err := w.reader.GetSubscriptions(ctx, u)
		if err != nil {
			return nil, nil, err
		}
		for _, ch := range chs {
			if !seen[ch] {
				seen[ch] = true
				channelIDs = append(channelIDs, ch)
			}
			owners[ch] = append(owners[ch], u)
		}
	}
	return channelIDs, owners, nil
}

// filter drops videos already downloaded, already queued, channel-excluded,
// too short, live, or premiere (per configuration). It is a pure function
// over its inputs except for the store/reader lookups, kept isolated here so
// it is independently testable.
func (w *Watcher) filter(ctx context.Context, videos []upstreamdb.Video) ([]upstreamdb.Video, error) {
	var out []upstreamdb.Video
	for _, v := range videos {
		if v.LengthSeconds < w.cfg.MinDurationSeconds {
			continue
		}
		if w.cfg.ExcludeLive && v.LiveNow {
			continue
		}
		if w.cfg.ExcludePremieres && v.Premiere {
			continue
		}
		if _, err := w.store.GetDownload(ctx, v.VideoID); err == nil {
			continue
		}
		if queued, err := w.isAlreadyQueued(ctx, v.VideoID); err != nil {
			return nil, err
		} else if queued {
			continue
		}
		if excluded, err := w.store.IsChannelExcluded(ctx, v.ChannelID, ""); err != nil {
			return nil, err
		} else if excluded {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (w *Watcher) isAlreadyQueued(ctx context.Context, videoID string) (bool, error) {
	items, err := w.store.ListQueue(ctx, "")
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.VideoID == videoID {
			return true, nil
		}
	}
	return false, nil
}

// sortByPublishedDesc returns a new slice ordered by Published descending,
// stable so videos with equal timestamps keep their relative order; it does
// not mutate videos.
func sortByPublishedDesc(videos []upstreamdb.Video) []upstreamdb.Video {
	out := make([]upstreamdb.Video, len(videos))
	copy(out, videos)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Published.After(out[j].Published) })
	return out
}
