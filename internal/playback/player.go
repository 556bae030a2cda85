package playback

import "context"

// HLSMimeType is the source type used for HLS renditions.
const HLSMimeType = "application/x-mpegURL"

// Player is the media element the guard works against.
type Player interface {
	CurrentTime() float64
	// Seek moves the play head. Players report the move through a
	// SeekingEvent.
	Seek(t float64)
	Duration() float64
	Paused() bool
	Play()
	Pause()
	Seeking() bool
	SetSource(url, mimeType string)
	// On subscribes h to events of the given kind and returns a function
	// that removes the subscription.
	On(kind EventKind, h Handler) (off func())
}

// ProgressStore persists the furthest reached timestamp per video.
type ProgressStore interface {
	SaveProgress(ctx context.Context, videoID string, timeStamp float64) error
	// LoadProgress returns 0 when nothing has been saved for videoID.
	LoadProgress(ctx context.Context, videoID string) (float64, error)
}
