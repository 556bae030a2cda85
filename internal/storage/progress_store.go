package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/treefix50/watchguard/internal/progress"
)

// SaveProgress records timeStamp for (userID, videoID). The latest write wins.
func (s *Store) SaveProgress(ctx context.Context, userID, videoID string, timeStamp float64) error {
	if s == nil || s.db == nil {
		return errNoDB
	}
	if timeStamp < 0 {
		return fmt.Errorf("storage: negative timestamp %v for %s", timeStamp, videoID)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress (video_id, user_id, time_stamp, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(video_id, user_id) DO UPDATE SET
			time_stamp=excluded.time_stamp,
			updated_at=excluded.updated_at
	`, videoID, userID, timeStamp, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("storage: save progress %s: %w", videoID, err)
	}
	return nil
}

// GetProgress returns the saved entry and whether one exists.
func (s *Store) GetProgress(ctx context.Context, userID, videoID string) (progress.Entry, bool, error) {
	if s == nil || s.db == nil {
		return progress.Entry{}, false, errNoDB
	}

	var (
		entry     progress.Entry
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT video_id, time_stamp, updated_at
		FROM progress
		WHERE video_id = ? AND user_id = ?
	`, videoID, userID).Scan(&entry.VideoID, &entry.TimeStamp, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.Entry{}, false, nil
	}
	if err != nil {
		return progress.Entry{}, false, fmt.Errorf("storage: get progress %s: %w", videoID, err)
	}
	entry.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return entry, true, nil
}

// ListProgress returns every entry of userID, most recently updated first.
func (s *Store) ListProgress(ctx context.Context, userID string) ([]progress.Entry, error) {
	if s == nil || s.db == nil {
		return nil, errNoDB
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT video_id, time_stamp, updated_at
		FROM progress
		WHERE user_id = ?
		ORDER BY updated_at DESC, video_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list progress: %w", err)
	}
	defer rows.Close()

	var entries []progress.Entry
	for rows.Next() {
		var (
			entry     progress.Entry
			updatedAt int64
		)
		if err := rows.Scan(&entry.VideoID, &entry.TimeStamp, &updatedAt); err != nil {
			return nil, err
		}
		entry.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteProgress forgets the saved position of (userID, videoID).
func (s *Store) DeleteProgress(ctx context.Context, userID, videoID string) error {
	if s == nil || s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE video_id = ? AND user_id = ?`, videoID, userID)
	return err
}

// ForUser binds the store to one user so it can back a playback session
// directly.
func (s *Store) ForUser(userID string) *UserProgress {
	return &UserProgress{store: s, userID: userID}
}

// UserProgress adapts a Store to playback.ProgressStore.
type UserProgress struct {
	store  *Store
	userID string
}

func (u *UserProgress) SaveProgress(ctx context.Context, videoID string, timeStamp float64) error {
	return u.store.SaveProgress(ctx, u.userID, videoID, timeStamp)
}

func (u *UserProgress) LoadProgress(ctx context.Context, videoID string) (float64, error) {
	entry, ok, err := u.store.GetProgress(ctx, u.userID, videoID)
	if err != nil || !ok {
		return 0, err
	}
	return entry.TimeStamp, nil
}
