package server

import (
	"context"

	"github.com/treefix50/watchguard/internal/progress"
)

// ProgressStore defines the storage operations behind the progress routes.
// Entries are keyed by (userID, videoID); userID is "" when auth is off.
type ProgressStore interface {
	SaveProgress(ctx context.Context, userID, videoID string, timeStamp float64) error
	GetProgress(ctx context.Context, userID, videoID string) (progress.Entry, bool, error)
	ListProgress(ctx context.Context, userID string) ([]progress.Entry, error)
}

// progressIndex maps video id to saved timestamp for one user.
func progressIndex(ctx context.Context, store ProgressStore, userID string) (map[string]float64, error) {
	entries, err := store.ListProgress(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		out[e.VideoID] = e.TimeStamp
	}
	return out, nil
}
