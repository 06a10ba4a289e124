package catalogstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/snapetech/cacheproxy/internal/apperr"
)

// AddToQueue inserts a pending queue item for videoID, or records ownership
// only (returning a nil item and nil error) if the video is already
// downloaded. If the video is already queued and not yet terminal, the
// existing item is returned and its priority is left untouched beyond
// recording the new ownership. When in.OwnerUserIDs is set, one
// VideoUserStatus row per owner is recorded with IsOwner true; otherwise
// in.UserID (if non-empty) is recorded as owner.
func (s *Store) AddToQueue(ctx context.Context, in AddToQueueInput) (*QueueItem, error) {
	if in.VideoID == "" {
		return nil, apperr.New(apperr.KindCatalog, apperr.CodeQuery, "AddToQueue: empty videoID")
	}

	var exists int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM downloads WHERE video_id = ? AND files_deleted_at IS NULL`, in.VideoID)
	if err := row.Scan(&exists); err == nil {
		return s.recordOwnership(ctx, in)
	} else if err != sql.ErrNoRows {
		return nil, wrapQueryErr(err)
	}

	if existing, err := s.getQueueItemByVideoID(ctx, in.VideoID); err == nil {
		if !existing.Status.IsTerminal() {
			_, _ = s.recordOwnership(ctx, in)
			return existing, nil
		}
	} else if !errors.Is(err, apperr.New(apperr.KindCatalog, apperr.CodeNotFound, "")) {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items (video_id, user_id, priority, status, queued_at, source)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET
			status = excluded.status,
			priority = MAX(queue_items.priority, excluded.priority),
			queued_at = excluded.queued_at,
			error_message = ''
	`, in.VideoID, in.UserID, in.Priority, StatusPending, now.Format(time.RFC3339Nano), in.Source)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	id, _ := res.LastInsertId()

	if _, err := s.recordOwnership(ctx, in); err != nil {
		return nil, err
	}

	item, err := s.getQueueItemByVideoID(ctx, in.VideoID)
	if err != nil {
		// Fall back to constructing from what we know; ON CONFLICT path may
		// have updated a different row id than LastInsertId reported.
		return &QueueItem{ID: id, VideoID: in.VideoID, UserID: in.UserID, Priority: in.Priority,
			Status: StatusPending, QueuedAt: now, Source: in.Source}, nil
	}
	return item, nil
}

func (s *Store) recordOwnership(ctx context.Context, in AddToQueueInput) (*QueueItem, error) {
	owners := in.OwnerUserIDs
	if len(owners) == 0 && in.UserID != "" {
		owners = []string{in.UserID}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, uid := range owners {
		if uid == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO video_user_status (video_id, user_id, is_owner, keep_forever, created_at)
			VALUES (?, ?, 1, 0, ?)
			ON CONFLICT(video_id, user_id) DO UPDATE SET is_owner = 1
		`, in.VideoID, uid, now); err != nil {
			return nil, wrapQueryErr(err)
		}
	}
	return nil, nil
}

// GetQueueItemByVideoID fetches a queue item by its videoId, for the
// control-plane API's duplicate-enqueue check (spec.md §8 scenario A).
func (s *Store) GetQueueItemByVideoID(ctx context.Context, videoID string) (*QueueItem, error) {
	return s.getQueueItemByVideoID(ctx, videoID)
}

func (s *Store) getQueueItemByVideoID(ctx context.Context, videoID string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, queueSelectCols+` WHERE video_id = ?`, videoID)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, errNotFound("queue item", videoID)
	}
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	return item, nil
}

const queueSelectCols = `
	SELECT id, video_id, user_id, priority, status, error_message, queued_at,
		started_at, completed_at, retry_count, next_retry_at, throttle_retry_count, source
	FROM queue_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var (
		item                                    QueueItem
		queuedAt                                string
		startedAt, completedAt, nextRetryAt     sql.NullString
	)
	err := row.Scan(&item.ID, &item.VideoID, &item.UserID, &item.Priority, &item.Status,
		&item.ErrorMessage, &queuedAt, &startedAt, &completedAt, &item.RetryCount,
		&nextRetryAt, &item.ThrottleRetryCount, &item.Source)
	if err != nil {
		return nil, err
	}
	item.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
	item.StartedAt, err = parseNullableTime(startedAt)
	if err != nil {
		return nil, err
	}
	item.CompletedAt, err = parseNullableTime(completedAt)
	if err != nil {
		return nil, err
	}
	item.NextRetryAt, err = parseNullableTime(nextRetryAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetNextQueueItem returns the highest-priority, oldest-queued pending item
// whose NextRetryAt (if any) has elapsed, and atomically marks it
// downloading. Returns (nil, nil) if nothing is ready. This is the
// linearization point for "at most one concurrent fetch per videoId": the
// UPDATE ... WHERE status = 'pending' only succeeds for one caller even
// under concurrent dispatch, because of the single-writer connection.
func (s *Store) GetNextQueueItem(ctx context.Context) (*QueueItem, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM queue_items
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY priority DESC, queued_at ASC
		LIMIT 1
	`, StatusPending, now)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapQueryErr(err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`, StatusDownloading, now, id, StatusPending)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to another dispatch tick; try again next call.
		return nil, nil
	}

	row = s.db.QueryRowContext(ctx, queueSelectCols+` WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	return item, nil
}

// UpdateQueueStatus transitions item id to status and stores errMsg as the
// error message, whatever the status (an empty errMsg clears it).
func (s *Store) UpdateQueueStatus(ctx context.Context, id int64, status QueueStatus, errMsg string) error {
	var completedAt any
	if status.IsTerminal() {
		completedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, error_message = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`, status, errMsg, completedAt, id)
	if err != nil {
		return wrapQueryErr(err)
	}
	return nil
}

// ScheduleRetry bumps retry_count, sets next_retry_at = now+delay, records
// errMsg, and returns the item to pending.
func (s *Store) ScheduleRetry(ctx context.Context, id int64, delay time.Duration, errMsg string) error {
	next := time.Now().UTC().Add(delay).Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, retry_count = retry_count + 1,
			next_retry_at = ?, error_message = ? WHERE id = ?
	`, StatusPending, next, errMsg, id)
	if err != nil {
		return wrapQueryErr(err)
	}
	return nil
}

// IncrementThrottleRetry bumps throttle_retry_count and returns the new
// value, used by the queue processor when a pipeline run reports throttling.
func (s *Store) IncrementThrottleRetry(ctx context.Context, id int64) (int, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE queue_items SET throttle_retry_count = throttle_retry_count + 1 WHERE id = ?`, id); err != nil {
		return 0, wrapQueryErr(err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT throttle_retry_count FROM queue_items WHERE id = ?`, id)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, wrapQueryErr(err)
	}
	return n, nil
}

// ResetRetryCount clears retry_count, throttle_retry_count, and next_retry_at;
// status, error_message and the timestamps are left unchanged.
func (s *Store) ResetRetryCount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET retry_count = 0, throttle_retry_count = 0, next_retry_at = NULL WHERE id = ?
	`, id)
	if err != nil {
		return wrapQueryErr(err)
	}
	return nil
}

// GetOrphanedDownloads returns queue items stuck in downloading/muxing,
// meant to be called once at startup to recover from an unclean shutdown.
func (s *Store) GetOrphanedDownloads(ctx context.Context) ([]*QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, queueSelectCols+` WHERE status IN (?, ?)`, StatusDownloading, StatusMuxing)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()
	var out []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, wrapQueryErr(err)
		}
		out = append(out, item)
	}
	return out, wrapQueryErr(rows.Err())
}

// ResetOrphanedDownloads moves every downloading/muxing item back to pending
// with its retry count untouched, so the queue processor picks it up fresh.
func (s *Store) ResetOrphanedDownloads(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, started_at = NULL WHERE status IN (?, ?)
	`, StatusPending, StatusDownloading, StatusMuxing)
	if err != nil {
		return 0, wrapQueryErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetQueueItem fetches a single queue item by id.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, queueSelectCols+` WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, errNotFound("queue item", "")
	}
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	return item, nil
}

// ListQueue returns all non-terminal queue items ordered for display
// (highest priority, oldest first), optionally scoped to userID.
func (s *Store) ListQueue(ctx context.Context, userID string) ([]*QueueItem, error) {
	query := queueSelectCols + ` WHERE status NOT IN (?, ?, ?)`
	args := []any{StatusCompleted, StatusFailed, StatusCancelled}
	if userID != "" {
		query += ` AND (user_id = ? OR user_id = '')`
		args = append(args, userID)
	}
	query += ` ORDER BY priority DESC, queued_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()
	var out []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, wrapQueryErr(err)
		}
		out = append(out, item)
	}
	return out, wrapQueryErr(rows.Err())
}

// ClearCompletedQueue removes every terminal queue_items row (completed,
// failed, cancelled), per the data model's "clearCompleted removes terminal
// rows" lifecycle note.
func (s *Store) ClearCompletedQueue(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_items WHERE status IN (?, ?, ?)
	`, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return 0, wrapQueryErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CancelQueueItem marks a pending or downloading item cancelled.
func (s *Store) CancelQueueItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, StatusCancelled, time.Now().UTC().Format(time.RFC3339Nano), id, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return wrapQueryErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrCancelled
	}
	return nil
}
