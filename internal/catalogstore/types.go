package catalogstore

import "time"

// Source identifies what caused a download/queue item to exist.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourceManual       Source = "manual"
)

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	StatusPending     QueueStatus = "pending"
	StatusDownloading QueueStatus = "downloading"
	StatusMuxing      QueueStatus = "muxing"
	StatusCompleted   QueueStatus = "completed"
	StatusFailed      QueueStatus = "failed"
	StatusCancelled   QueueStatus = "cancelled"
)

// IsTerminal reports whether s is a terminal queue status.
func (s QueueStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StreamMetadata is the per-download sidecar data the pipeline records.
type StreamMetadata struct {
	Author              string `json:"author"`
	Description         string `json:"description"`
	VideoItag           int    `json:"video_itag,omitempty"`
	AudioItag           int    `json:"audio_itag,omitempty"`
	CombinedItag        int    `json:"combined_itag,omitempty"`
	Width               int    `json:"width,omitempty"`
	Height              int    `json:"height,omitempty"`
	VideoMimeType       string `json:"video_mime_type,omitempty"`
	AudioMimeType       string `json:"audio_mime_type,omitempty"`
	VideoBitrate        int64  `json:"video_bitrate,omitempty"`
	AudioBitrate        int64  `json:"audio_bitrate,omitempty"`
	VideoContentLength  int64  `json:"video_content_length,omitempty"`
	AudioContentLength  int64  `json:"audio_content_length,omitempty"`
	AudioContainerExt   string `json:"audio_container_ext,omitempty"`
}

// Download is one successfully completed video, per spec.md §3.
type Download struct {
	VideoID         string
	ChannelID       string
	Title           string
	DurationSeconds int
	Quality         string
	FilePath        string
	ThumbnailPath   string
	Metadata        StreamMetadata
	FileSizeBytes   int64
	DownloadedAt    time.Time
	Source          Source
	FilesDeletedAt  *time.Time
}

// QueueItem is one outstanding download request, per spec.md §3.
type QueueItem struct {
	ID                int64
	VideoID           string
	UserID            string // empty if not scoped to a single user
	Priority          int
	Status            QueueStatus
	ErrorMessage      string
	QueuedAt          time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	RetryCount        int
	NextRetryAt       *time.Time
	ThrottleRetryCount int
	Source            Source
}

// VideoUserStatus is a per-(video,user) ownership fact, per spec.md §3.
type VideoUserStatus struct {
	VideoID     string
	UserID      string
	IsOwner     bool
	KeepForever bool
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

// ChannelExclusion blocks watcher-driven enqueue for a (channel, user?) pair.
// UserID == "" applies to all users.
type ChannelExclusion struct {
	ChannelID string
	UserID    string
}

// AddToQueueInput is the argument to AddToQueue.
type AddToQueueInput struct {
	VideoID       string
	UserID        string // optional
	Priority      int
	Source        Source
	OwnerUserIDs  []string // optional; if set, takes priority over UserID
}

// AddDownloadInput is the argument to AddDownload.
type AddDownloadInput struct {
	VideoID         string
	ChannelID       string
	Title           string
	DurationSeconds int
	Quality         string
	FilePath        string
	ThumbnailPath   string
	Metadata        StreamMetadata
	FileSizeBytes   int64
	Source          Source
}

// DownloadStats summarizes a user's download activity.
type DownloadStats struct {
	TotalDownloads int
	TotalBytes     int64
}
