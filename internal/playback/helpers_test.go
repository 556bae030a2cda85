package playback_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/treefix50/watchguard/internal/playback"
)

type saveCall struct {
	VideoID   string
	TimeStamp float64
}

// fakeStore is a ProgressStore whose calls can fail or block on demand.
type fakeStore struct {
	mu       sync.Mutex
	saved    map[string]float64
	saves    []saveCall
	saveErr  error
	loadErr  error
	loadGate chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]float64)}
}

func (s *fakeStore) SaveProgress(ctx context.Context, videoID string, timeStamp float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, saveCall{VideoID: videoID, TimeStamp: timeStamp})
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[videoID] = timeStamp
	return nil
}

func (s *fakeStore) LoadProgress(ctx context.Context, videoID string) (float64, error) {
	s.mu.Lock()
	gate := s.loadGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return 0, s.loadErr
	}
	return s.saved[videoID], nil
}

func (s *fakeStore) Saves() []saveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]saveCall(nil), s.saves...)
}

func (s *fakeStore) Saved(videoID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[videoID]
}

// runLoop starts a Loop for the duration of the test.
func runLoop(t *testing.T) *playback.Loop {
	t.Helper()
	loop := playback.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

// on runs fn on loop and waits for it.
func on(t *testing.T, loop *playback.Loop, fn func()) {
	t.Helper()
	require.NoError(t, loop.Do(context.Background(), fn))
}
