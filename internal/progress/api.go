// Package progress holds the wire types of the progress service and the
// stores a playback session saves to: an HTTP client for the service and an
// in-memory store for offline runs.
package progress

import (
	"fmt"
	"time"

	"github.com/treefix50/watchguard/internal/playback"
)

// Update is the body of POST /api/video/updateVideo.
type Update struct {
	VideoID   string  `json:"videoId"`
	TimeStamp float64 `json:"timeStamp"`
}

// Entry is a saved position.
type Entry struct {
	VideoID   string    `json:"videoId"`
	TimeStamp float64   `json:"timeStamp"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// VideoSummary is one element of GET /api/video/getAllVideos.
type VideoSummary struct {
	VideoID   string             `json:"videoId"`
	Title     string             `json:"title"`
	Duration  float64            `json:"duration"`
	Qualities []playback.Quality `json:"qualities"`
	TimeStamp float64            `json:"timeStamp"`
}

// Video converts the summary into something a playback.Session can load.
func (v VideoSummary) Video() playback.Video {
	return playback.Video{
		ID:        v.VideoID,
		Title:     v.Title,
		Qualities: append([]playback.Quality(nil), v.Qualities...),
	}
}

// StatusError is a non-2xx response from the progress service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("progress: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("progress: status %d: %s", e.Code, e.Message)
}
