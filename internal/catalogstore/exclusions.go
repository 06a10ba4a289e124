package catalogstore

import (
	"context"
	"database/sql"
	"time"
)

// AddChannelExclusion blocks the watcher from enqueuing new videos from
// channelID. userID == "" excludes the channel for every user.
func (s *Store) AddChannelExclusion(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_exclusions (channel_id, user_id) VALUES (?, ?)
		ON CONFLICT(channel_id, user_id) DO NOTHING
	`, channelID, userID)
	if err != nil {
		return wrapQueryErr(err)
	}
	return nil
}

// RemoveChannelExclusion lifts a previously added exclusion.
func (s *Store) RemoveChannelExclusion(ctx context.Context, channelID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM channel_exclusions WHERE channel_id = ? AND user_id = ?
	`, channelID, userID)
	if err != nil {
		return wrapQueryErr(err)
	}
	return nil
}

// ListChannelExclusions returns every exclusion, for the watcher to build a
// per-scan exclusion set.
func (s *Store) ListChannelExclusions(ctx context.Context) ([]ChannelExclusion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, user_id FROM channel_exclusions`)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	defer rows.Close()
	var out []ChannelExclusion
	for rows.Next() {
		var e ChannelExclusion
		if err := rows.Scan(&e.ChannelID, &e.UserID); err != nil {
			return nil, wrapQueryErr(err)
		}
		out = append(out, e)
	}
	return out, wrapQueryErr(rows.Err())
}

// IsChannelExcluded reports whether channelID is excluded either globally
// or specifically for userID.
func (s *Store) IsChannelExcluded(ctx context.Context, channelID, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM channel_exclusions WHERE channel_id = ? AND (user_id = '' OR user_id = ?) LIMIT 1
	`, channelID, userID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, wrapQueryErr(err)
	}
	return true, nil
}

// GetVideoUserStatus fetches ownership/keep-forever state for (videoID, userID).
func (s *Store) GetVideoUserStatus(ctx context.Context, videoID, userID string) (*VideoUserStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT video_id, user_id, is_owner, keep_forever, deleted_at, created_at
		FROM video_user_status WHERE video_id = ? AND user_id = ?
	`, videoID, userID)
	var (
		vus         VideoUserStatus
		isOwner     int
		keepForever int
		deletedAt   sql.NullString
		createdAt   string
	)
	if err := row.Scan(&vus.VideoID, &vus.UserID, &isOwner, &keepForever, &deletedAt, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errNotFound("video user status", videoID)
		}
		return nil, wrapQueryErr(err)
	}
	vus.IsOwner = isOwner == 1
	vus.KeepForever = keepForever == 1
	vus.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	deletedAtPtr, err := parseNullableTime(deletedAt)
	if err != nil {
		return nil, wrapQueryErr(err)
	}
	vus.DeletedAt = deletedAtPtr
	return &vus, nil
}
