// Package upstreamdb is a read-only reader (C2) over the external user
// database that owns subscriptions, channel/video metadata, and per-user
// watched state. It never writes; callers treat it as a foreign collaborator.
//
// The concrete implementation opens the frontend's sqlite file read-only and
// issues targeted queries, mirroring the teacher's internal/plex/dvr.go
// pattern of reading a foreign-owned sqlite database without owning its
// schema migrations.
package upstreamdb

import (
	"context"
	"time"
)

// Video is a row from the upstream's video listing, as the watcher needs it.
type Video struct {
	VideoID         string
	ChannelID       string
	Title           string
	Published       time.Time
	LengthSeconds   int
	LiveNow         bool
	Premiere        bool
}

// LatestVideosQuery parameters for GetLatestVideos.
type LatestVideosQuery struct {
	ChannelIDs         []string
	PublishedAfter     time.Time // zero value means "no lower bound"
	ExcludeLive        bool
	ExcludePremieres   bool
	MinDurationSeconds int
	Limit              int
}

// Reader is the read-only interface the watcher and eviction service
// consume. A true collaborator boundary: the external database's schema is
// not this module's to migrate.
type Reader interface {
	// GetAllUsersWithSubscriptions returns every user email with at least
	// one subscription.
	GetAllUsersWithSubscriptions(ctx context.Context) ([]string, error)

	// GetSubscriptions returns the channel IDs userEmail subscribes to.
	GetSubscriptions(ctx context.Context, userEmail string) ([]string, error)

	// GetLatestVideos returns videos across q.ChannelIDs matching the
	// filters, sorted by Published descending, capped at q.Limit.
	GetLatestVideos(ctx context.Context, q LatestVideosQuery) ([]Video, error)

	// GetMaxPublishedTimestamp returns the maximum Published time across
	// channelIDs, or the zero time if none have videos.
	GetMaxPublishedTimestamp(ctx context.Context, channelIDs []string) (time.Time, error)

	// HasUserWatchedVideo reports whether userEmail has videoID in their
	// watched set.
	HasUserWatchedVideo(ctx context.Context, userEmail, videoID string) (bool, error)

	// GetUsersSubscribedToChannel returns every user email subscribed to
	// channelID, used to resolve subscription-driven ownership.
	GetUsersSubscribedToChannel(ctx context.Context, channelID string) ([]string, error)

	// Close releases the underlying connection.
	Close() error

	// Ping verifies the connection is alive, for the health handler.
	Ping() error
}
