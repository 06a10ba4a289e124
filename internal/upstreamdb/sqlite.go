package upstreamdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snapetech/cacheproxy/internal/apperr"
)

// SQLiteReader implements Reader against the shape a self-hosted frontend of
// this kind actually uses: users keyed by email, a subscriptions join table,
// a videos table with published/live/premiere/duration columns, and a
// watched_videos join table.
type SQLiteReader struct {
	db *sql.DB
}

// OpenSQLite opens dsn read-only. dsn should include "?mode=ro" or similar;
// if it doesn't, the query parameter is appended.
func OpenSQLite(dsn string) (*SQLiteReader, error) {
	if !strings.Contains(dsn, "mode=ro") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = dsn + sep + "mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCatalog, apperr.CodeConnection, "open upstream db", err)
	}
	return &SQLiteReader{db: db}, nil
}

func (r *SQLiteReader) Close() error { return r.db.Close() }
func (r *SQLiteReader) Ping() error  { return r.db.Ping() }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return apperr.Wrap(apperr.KindCatalog, apperr.CodeQuery, "upstream db query failed", err)
}

func (r *SQLiteReader) GetAllUsersWithSubscriptions(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT u.email FROM users u
		JOIN subscriptions s ON s.user_email = u.email
	`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, email)
	}
	return out, wrapErr(rows.Err())
}

func (r *SQLiteReader) GetSubscriptions(ctx context.Context, userEmail string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT channel_id FROM subscriptions WHERE user_email = ?
	`, userEmail)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, ch)
	}
	return out, wrapErr(rows.Err())
}

func (r *SQLiteReader) GetLatestVideos(ctx context.Context, q LatestVideosQuery) ([]Video, error) {
	if len(q.ChannelIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(q.ChannelIDs))
	args := make([]any, 0, len(q.ChannelIDs)+4)
	for i, ch := range q.ChannelIDs {
		placeholders[i] = "?"
		args = append(args, ch)
	}

	query := fmt.Sprintf(`
		SELECT video_id, channel_id, title, published, length_seconds, live_now, premiere
		FROM videos WHERE channel_id IN (%s)
	`, strings.Join(placeholders, ","))

	if !q.PublishedAfter.IsZero() {
		query += ` AND published > ?`
		args = append(args, q.PublishedAfter.UTC().Format(time.RFC3339Nano))
	}
	if q.ExcludeLive {
		query += ` AND live_now = 0`
	}
	if q.ExcludePremieres {
		query += ` AND premiere = 0`
	}
	if q.MinDurationSeconds > 0 {
		query += ` AND length_seconds >= ?`
		args = append(args, q.MinDurationSeconds)
	}
	query += ` ORDER BY published DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []Video
	for rows.Next() {
		var (
			v            Video
			publishedStr string
			liveNow      int
			premiere     int
		)
		if err := rows.Scan(&v.VideoID, &v.ChannelID, &v.Title, &publishedStr, &v.LengthSeconds, &liveNow, &premiere); err != nil {
			return nil, wrapErr(err)
		}
		v.Published, _ = time.Parse(time.RFC3339Nano, publishedStr)
		v.LiveNow = liveNow != 0
		v.Premiere = premiere != 0
		out = append(out, v)
	}
	return out, wrapErr(rows.Err())
}

func (r *SQLiteReader) GetMaxPublishedTimestamp(ctx context.Context, channelIDs []string) (time.Time, error) {
	if len(channelIDs) == 0 {
		return time.Time{}, nil
	}
	placeholders := make([]string, len(channelIDs))
	args := make([]any, len(channelIDs))
	for i, ch := range channelIDs {
		placeholders[i] = "?"
		args[i] = ch
	}
	query := fmt.Sprintf(`SELECT MAX(published) FROM videos WHERE channel_id IN (%s)`, strings.Join(placeholders, ","))

	row := r.db.QueryRowContext(ctx, query, args...)
	var maxStr sql.NullString
	if err := row.Scan(&maxStr); err != nil {
		return time.Time{}, wrapErr(err)
	}
	if !maxStr.Valid || maxStr.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, maxStr.String)
	if err != nil {
		return time.Time{}, wrapErr(err)
	}
	return t, nil
}

func (r *SQLiteReader) HasUserWatchedVideo(ctx context.Context, userEmail, videoID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM watched_videos WHERE user_email = ? AND video_id = ? LIMIT 1
	`, userEmail, videoID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, wrapErr(err)
	}
	return true, nil
}

func (r *SQLiteReader) GetUsersSubscribedToChannel(ctx context.Context, channelID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_email FROM subscriptions WHERE channel_id = ?
	`, channelID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, email)
	}
	return out, wrapErr(rows.Err())
}
