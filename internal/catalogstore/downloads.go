package catalogstore

import (
	"context"
	"database/sql"
	"time"
)

const downloadSelectCols = `
	SELECT video_id, channel_id, title, duration_seconds, quality, file_path,
		thumbnail_path, metadata_json, file_size_bytes, downloaded_at, source, files_deleted_at
	FROM downloads`

func scanDownload(row rowScanner) (*Download, error) {
	var (
		d            Download
		metadataJSON string
		downloadedAt string
		filesDeleted sql.NullString
	)
	err := row.Scan(&d.VideoID, &d.ChannelID, &d.Title, &d.DurationSeconds, &d.Quality,
		&d.FilePath, &d.ThumbnailPath, &metadataJSON, &d.FileSizeBytes, &downloadedAt,
		&d.Source, &filesDeleted)
	if err != nil {
		return nil, err
	}
	d.Metadata = unmarshalMetadata(metadataJSON)
	d.DownloadedAt, _ = time.Parse(time.RFC3339Nano, downloadedAt)
	d.FilesDeletedAt, err = parseNullableTime(filesDeleted)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// AddDownload records a completed download and transitions its queue item to
// completed (a terminal status), called by the pipeline once mux succeeds.
// The row itself is left in place (ListQueue no longer lists it, since it is
// terminal); only clearCompleted (ClearCompletedQueue) removes it.
func (s *Store) AddDownload(ctx context.Context, in AddDownloadInput) (*Download, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (video_id, channel_id, title, duration_seconds, quality,
			file_path, thumbnail_path, metadata_json, file_size_bytes, downloaded_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET
			channel_id = excluded.channel_id, title = excluded.title,
			duration_seconds = excluded.duration_seconds, quality = excluded.quality,
			file_path = excluded.file_path, thumbnail_path = excluded.thumbnail_path,
			metadata_json = excluded.metadata_json, file_size_bytes = excluded.file_size_bytes,
			downloaded_at = excluded.downloaded_at, source = excluded.source, files_deleted_at = NULL
	`, in.VideoID, in.ChannelID, in.Title, in.DurationSeconds, in.Quality, in.FilePath,
		in.ThumbnailPath, marshalMetadata(in.Metadata), in.FileSizeBytes, now, in.Source)
	if err != nil {
		return nil, wrapQueryErr(err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, error_message = '', completed_at = ?
		WHERE video_id = ? AND status NOT IN (?, ?, ?)
	`, StatusCompleted, now, in.VideoID, StatusCompleted, StatusFailed, StatusCancelled); err != nil {
		return nil, wrapQueryErr(err)
	}

	return s.GetDownload(ctx, in.VideoID)
}

// GetDownload fetches a download by video id, including soft-deleted ones.
func (s *Store) GetDownload(ctx context.Context, videoID string) (*Download, error) {
	row := s.db.QueryRowContext(ctx, downloadSelectCols+` WHERE video_id = ?`, videoID)
	d, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, errNotFound("download", videoID)
	}
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	return d, nil
}

// ListAvailableDownloads returns downloads whose files have not been
// reclaimed, newest first, for the router's catalog shim.
func (s *Store) ListAvailableDownloads(ctx context.Context) ([]*Download, error) {
	rows, err := s.db.QueryContext(ctx, downloadSelectCols+` WHERE files_deleted_at IS NULL ORDER BY downloaded_at DESC`)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()
	var out []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, wrapQueryErr(err)
		}
		out = append(out, d)
	}
	return out, wrapQueryErr(rows.Err())
}

// MarkFilesDeleted stamps files_deleted_at on a download, called by the
// eviction sweep after it unlinks the media/thumbnail files. The catalog row
// itself is kept so the video isn't re-downloaded blindly on next watch scan.
func (s *Store) MarkFilesDeleted(ctx context.Context, videoID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET files_deleted_at = ? WHERE video_id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), videoID)
	if err != nil {
		return wrapQueryErr(err)
	}
	return nil
}

// OwnerStatus is one active owner of a download, per spec.md §4.9's
// getActiveVideoOwners ("ownership rows with isOwner AND deletedAt IS NULL").
type OwnerStatus struct {
	UserID      string
	KeepForever bool
}

// EvictionCandidate pairs a download with its current active owners, so the
// eviction service can decide reclaim-vs-keep per spec.md §4.9.
type EvictionCandidate struct {
	Download *Download
	Owners   []OwnerStatus
}

// GetCleanupCandidates returns subscription downloads older than olderThan
// (by DownloadedAt) whose files are not yet deleted, along with their current
// active owners, so the eviction service can decide reclaim-vs-keep.
// Manually-downloaded videos are never eviction candidates, per spec.md's
// "Eviction only considers rows where source=subscription".
func (s *Store) GetCleanupCandidates(ctx context.Context, olderThan time.Time) ([]EvictionCandidate, error) {
	rows, err := s.db.QueryContext(ctx, downloadSelectCols+`
		WHERE files_deleted_at IS NULL AND downloaded_at <= ? AND source = ?
		ORDER BY downloaded_at ASC
	`, olderThan.UTC().Format(time.RFC3339Nano), SourceSubscription)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()

	var candidates []EvictionCandidate
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, wrapQueryErr(err)
		}
		candidates = append(candidates, EvictionCandidate{Download: d})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryErr(err)
	}

	for i, c := range candidates {
		owners, err := s.GetActiveVideoOwners(ctx, c.Download.VideoID)
		if err != nil {
			return nil, err
		}
		candidates[i].Owners = owners
	}
	return candidates, nil
}

// GetActiveVideoOwners returns every owning, non-deleted VideoUserStatus row
// for videoID, including keep-forever owners — callers decide how to treat
// those, since a single keep-forever owner must block eviction of the whole
// video rather than simply being excluded from the owner set.
func (s *Store) GetActiveVideoOwners(ctx context.Context, videoID string) ([]OwnerStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, keep_forever FROM video_user_status
		WHERE video_id = ? AND is_owner = 1 AND deleted_at IS NULL
	`, videoID)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()
	var out []OwnerStatus
	for rows.Next() {
		var o OwnerStatus
		var keepInt int
		if err := rows.Scan(&o.UserID, &keepInt); err != nil {
			return nil, wrapQueryErr(err)
		}
		o.KeepForever = keepInt != 0
		out = append(out, o)
	}
	return out, wrapQueryErr(rows.Err())
}

// SetKeepForever toggles the keep-forever flag on a (video, user) pair,
// exempting it from eviction regardless of watched status.
func (s *Store) SetKeepForever(ctx context.Context, videoID, userID string, keep bool) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	keepInt := 0
	if keep {
		keepInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO video_user_status (video_id, user_id, is_owner, keep_forever, created_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(video_id, user_id) DO UPDATE SET keep_forever = excluded.keep_forever
	`, videoID, userID, keepInt, now)
	if err != nil {
		return wrapQueryErr(err)
	}
	return nil
}

// MarkVideoDeletedForUser soft-deletes a (video, user) ownership, used when a
// user removes a video from their own library without affecting other
// owners' copies.
func (s *Store) MarkVideoDeletedForUser(ctx context.Context, videoID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE video_user_status SET deleted_at = ? WHERE video_id = ? AND user_id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), videoID, userID)
	if err != nil {
		return wrapQueryErr(err)
	}
	return nil
}

// GetDownloadStats summarizes userID's completed downloads, for a usage
// dashboard.
func (s *Store) GetDownloadStats(ctx context.Context, userID string) (DownloadStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(d.file_size_bytes), 0)
		FROM downloads d
		JOIN video_user_status v ON v.video_id = d.video_id
		WHERE v.user_id = ? AND v.is_owner = 1 AND d.files_deleted_at IS NULL
	`, userID)
	var stats DownloadStats
	if err := row.Scan(&stats.TotalDownloads, &stats.TotalBytes); err != nil {
		return DownloadStats{}, wrapQueryErr(err)
	}
	return stats, nil
}
