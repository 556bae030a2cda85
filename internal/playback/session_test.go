package playback_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treefix50/watchguard/internal/playback"
	"github.com/treefix50/watchguard/internal/player"
)

const (
	src720  = "/hls-output/feature/720p/index.m3u8"
	src1080 = "/hls-output/feature/1080p/index.m3u8"
)

func featureVideo() playback.Video {
	return playback.Video{
		ID:    "feature",
		Title: "Feature",
		Qualities: []playback.Quality{
			{Label: "720p", Value: "720p", Src: src720},
			{Label: "1080p", Value: "1080p", Src: src1080},
		},
	}
}

func singleQualityVideo(id string) playback.Video {
	return playback.Video{
		ID:        id,
		Qualities: []playback.Quality{{Label: "480p", Value: "480p", Src: "/hls-output/" + id + "/480p/index.m3u8"}},
	}
}

type fakeLifecycle struct {
	mu       sync.Mutex
	handlers map[int]func(playback.LifecycleEvent)
	next     int
	acquired int
}

func (l *fakeLifecycle) Subscribe(h func(playback.LifecycleEvent)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = make(map[int]func(playback.LifecycleEvent))
	}
	id := l.next
	l.next++
	l.acquired++
	l.handlers[id] = h
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, id)
	}
}

func (l *fakeLifecycle) emit(ev playback.LifecycleEvent) {
	l.mu.Lock()
	var hs []func(playback.LifecycleEvent)
	for _, h := range l.handlers {
		hs = append(hs, h)
	}
	l.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (l *fakeLifecycle) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

type sessionFixture struct {
	loop    *playback.Loop
	sim     *player.Sim
	store   *fakeStore
	session *playback.Session
}

func newSessionFixture(t *testing.T, opts ...playback.SessionOption) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		loop:  runLoop(t),
		sim:   player.NewSim(player.WithDuration(600)),
		store: newFakeStore(),
	}
	opts = append([]playback.SessionOption{playback.WithLoop(f.loop)}, opts...)
	f.session = playback.NewSession(f.sim, f.store, opts...)
	t.Cleanup(func() { on(t, f.loop, f.session.Close) })
	return f
}

// settle drains the loop, waits for store calls and then for the completions
// they posted.
func (f *sessionFixture) settle(t *testing.T) {
	t.Helper()
	on(t, f.loop, func() {})
	waitIdle(t, f.session.Synchronizer())
	on(t, f.loop, func() {})
}

func (f *sessionFixture) play(t *testing.T, seconds int) {
	t.Helper()
	on(t, f.loop, func() {
		f.session.Play()
		for i := 0; i < seconds; i++ {
			f.sim.Advance(1)
		}
	})
}

func TestSessionLoadResumesFromSavedPosition(t *testing.T) {
	f := newSessionFixture(t)
	f.store.saved["feature"] = 120

	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })
	f.settle(t)

	on(t, f.loop, func() {
		assert.Equal(t, 120.0, f.session.CurrentTime())
		assert.Equal(t, 120.0, f.session.Guard().Watermark())
		assert.False(t, f.session.Guard().ResumePending())
		assert.Equal(t, 1, f.session.Stats().Resumed)

		f.session.Seek(200)
		assert.Equal(t, 120.0, f.session.CurrentTime())
		assert.Equal(t, 1, f.session.Stats().Blocked)
	})
}

func TestSessionLoadPicksDefaultQuality(t *testing.T) {
	f := newSessionFixture(t, playback.WithDefaultQuality("1080p"))

	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })
	on(t, f.loop, func() {
		src, mime := f.sim.Source()
		assert.Equal(t, src1080, src)
		assert.Equal(t, playback.HLSMimeType, mime)
		assert.Equal(t, "1080p", f.session.Quality())
	})

	video := featureVideo()
	video.DefaultQuality = "720p"
	on(t, f.loop, func() { require.NoError(t, f.session.Load(video)) })
	on(t, f.loop, func() { assert.Equal(t, "720p", f.session.Quality()) })
}

func TestSessionLoadRejectsVideoWithoutQualities(t *testing.T) {
	f := newSessionFixture(t)
	on(t, f.loop, func() {
		err := f.session.Load(playback.Video{ID: "empty"})
		assert.ErrorIs(t, err, playback.ErrNoQualities)
		_, ok := f.session.Video()
		assert.False(t, ok)
	})
}

func TestSessionBlocksSkipAhead(t *testing.T) {
	f := newSessionFixture(t)
	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })
	f.settle(t)
	f.play(t, 50)

	on(t, f.loop, func() {
		f.session.Seek(51.5)
		assert.Equal(t, 51.5, f.session.CurrentTime())
		f.session.Seek(60)
		assert.Equal(t, 51.5, f.session.CurrentTime())
		f.session.Seek(10)
		assert.Equal(t, 10.0, f.session.CurrentTime())
		assert.Equal(t, 51.5, f.session.Guard().Watermark())
		assert.Equal(t, playback.Stats{Allowed: 2, Blocked: 1}, f.session.Stats())
	})
}

func TestSessionQualitySwitchRoundTrip(t *testing.T) {
	f := newSessionFixture(t)
	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })
	f.settle(t)
	f.play(t, 30)
	on(t, f.loop, func() { f.session.Seek(12) })

	on(t, f.loop, func() {
		require.True(t, f.session.QualityMenu().Enabled)
		require.NoError(t, f.session.ChangeQuality("1080p"))

		src, _ := f.sim.Source()
		assert.Equal(t, src1080, src)
		assert.Equal(t, "1080p", f.session.Quality())
		assert.Equal(t, 12.0, f.session.CurrentTime())
		assert.True(t, f.session.IsPlaying())
		assert.Equal(t, 30.0, f.session.Guard().Watermark())
		assert.False(t, f.session.Guard().InQualitySwitch())
		assert.Equal(t, 1, f.session.Stats().Restored)
		assert.Zero(t, f.session.Stats().Blocked)
	})
}

func TestSessionQualitySwitchFlushesFirst(t *testing.T) {
	f := newSessionFixture(t)
	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })
	f.settle(t)
	f.play(t, 5)

	on(t, f.loop, func() {
		require.NoError(t, f.session.ChangeQuality("1080p"))
		// switching back before anything plays adds no second write
		require.NoError(t, f.session.ChangeQuality("720p"))
		assert.Equal(t, 5.0, f.session.Guard().Watermark())
	})
	f.settle(t)

	assert.Equal(t, []saveCall{{"feature", 5}}, f.store.Saves())
}

func TestSessionQualitySwitchWhilePaused(t *testing.T) {
	f := newSessionFixture(t)
	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })
	f.settle(t)
	f.play(t, 8)

	on(t, f.loop, func() {
		f.session.Pause()
		require.NoError(t, f.session.ChangeQuality("1080p"))
		assert.Equal(t, 8.0, f.session.CurrentTime())
		assert.False(t, f.session.IsPlaying())
	})
}

func TestSessionChangeQualityErrors(t *testing.T) {
	f := newSessionFixture(t)
	on(t, f.loop, func() {
		assert.ErrorIs(t, f.session.ChangeQuality("720p"), playback.ErrNoVideo)
		require.NoError(t, f.session.Load(featureVideo()))
		assert.ErrorIs(t, f.session.ChangeQuality("4k"), playback.ErrUnknownQuality)

		assert.NoError(t, f.session.ChangeQuality("720p"))
		assert.False(t, f.session.Guard().InQualitySwitch())
		assert.Zero(t, f.session.Stats().Restored)
	})
}

func TestSessionQualityErrorAbandonsSwitch(t *testing.T) {
	f := newSessionFixture(t)
	f.sim.FailSource(src1080, errors.New("manifest 404"))
	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })
	f.settle(t)
	f.play(t, 5)

	on(t, f.loop, func() {
		require.NoError(t, f.session.ChangeQuality("1080p"))
		assert.False(t, f.session.Guard().InQualitySwitch())
		assert.True(t, f.session.QualityMenu().Enabled)
		assert.Equal(t, 5.0, f.session.Guard().Watermark())
	})
}

func TestSessionQualityMenu(t *testing.T) {
	f := newSessionFixture(t)
	on(t, f.loop, func() {
		menu := f.session.QualityMenu()
		assert.False(t, menu.Enabled)
		assert.Empty(t, menu.Options)

		require.NoError(t, f.session.Load(featureVideo()))
		menu = f.session.QualityMenu()
		assert.Equal(t, "720p", menu.Current)
		assert.Equal(t, []playback.QualityOption{
			{Label: "720p", Value: "720p"},
			{Label: "1080p", Value: "1080p"},
		}, menu.Options)
		assert.True(t, menu.Enabled)

		require.NoError(t, f.session.Load(singleQualityVideo("short")))
		assert.False(t, f.session.QualityMenu().Enabled)
	})
}

func TestSessionQualityRequests(t *testing.T) {
	requests := playback.NewQualityRequests()
	f := newSessionFixture(t, playback.WithQualitySelector(requests))
	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })

	assert.Equal(t, 1, requests.Request("1080p"))
	on(t, f.loop, func() { assert.Equal(t, "1080p", f.session.Quality()) })

	requests.Request("8k")
	on(t, f.loop, func() { assert.Equal(t, "1080p", f.session.Quality()) })

	on(t, f.loop, f.session.Close)
	assert.Zero(t, requests.Request("720p"))
}

func TestSessionSwitchVideoFlushesOutgoing(t *testing.T) {
	f := newSessionFixture(t)
	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })
	f.settle(t)
	f.play(t, 20)

	on(t, f.loop, func() {
		require.NoError(t, f.session.Load(singleQualityVideo("next")))
		assert.Zero(t, f.session.Guard().Watermark())
		assert.Equal(t, "next", f.session.Synchronizer().VideoID())
	})
	f.settle(t)

	assert.Equal(t, []saveCall{{"feature", 20}}, f.store.Saves())
}

func TestSessionEndedFlushesAndStops(t *testing.T) {
	f := newSessionFixture(t)
	f.sim = player.NewSim(player.WithSourceDuration(src720, 4))
	f.session = playback.NewSession(f.sim, f.store, playback.WithLoop(f.loop))

	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })
	f.settle(t)
	f.play(t, 6)
	f.settle(t)

	assert.Equal(t, []saveCall{{"feature", 4}}, f.store.Saves())
	on(t, f.loop, func() { assert.False(t, f.session.Synchronizer().Running()) })
}

func TestSessionLifecycleFlush(t *testing.T) {
	lc := &fakeLifecycle{}
	f := newSessionFixture(t, playback.WithLifecycle(lc))
	assert.Zero(t, lc.active())

	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })
	on(t, f.loop, func() { require.NoError(t, f.session.Load(singleQualityVideo("next"))) })
	assert.Equal(t, 1, lc.acquired)
	assert.Equal(t, 1, lc.active())

	f.play(t, 7)
	lc.emit(playback.LifecycleHidden)
	f.settle(t)
	assert.Equal(t, []saveCall{{"next", 7}}, f.store.Saves())

	on(t, f.loop, f.session.Close)
	assert.Zero(t, lc.active())
}

func TestSessionCloseFlushesOnce(t *testing.T) {
	f := newSessionFixture(t)
	on(t, f.loop, func() { require.NoError(t, f.session.Load(featureVideo())) })
	f.settle(t)
	f.play(t, 3)

	on(t, f.loop, func() {
		f.session.Close()
		f.session.Close()
		assert.ErrorIs(t, f.session.Load(featureVideo()), playback.ErrSessionClosed)
		assert.ErrorIs(t, f.session.ChangeQuality("1080p"), playback.ErrSessionClosed)
	})
	f.settle(t)
	assert.Equal(t, []saveCall{{"feature", 3}}, f.store.Saves())

	// unsubscribed: player events no longer reach the guard
	on(t, f.loop, func() {
		f.sim.Play()
		f.sim.Advance(5)
		assert.Equal(t, 3.0, f.session.Guard().Watermark())
	})
}

func TestSessionWithoutLoopOwnsOne(t *testing.T) {
	ctx := context.Background()
	sim := player.NewSim(player.WithDuration(600))
	store := newFakeStore()
	store.saved["feature"] = 120
	session := playback.NewSession(sim, store)

	require.NoError(t, session.Do(ctx, func() { require.NoError(t, session.Load(featureVideo())) }))
	waitIdle(t, session.Synchronizer())
	require.NoError(t, session.Do(ctx, func() {
		assert.Equal(t, 120.0, session.CurrentTime())
		assert.False(t, session.Guard().ResumePending())

		session.Play()
		sim.Advance(3)
		assert.Equal(t, 123.0, session.Guard().Watermark())
		session.Seek(200)
		assert.Equal(t, 123.0, session.CurrentTime())
	}))

	require.NoError(t, session.Do(ctx, session.Close))
	waitIdle(t, session.Synchronizer())
	assert.Equal(t, []saveCall{{"feature", 123}}, store.Saves())
	assert.ErrorIs(t, session.Do(ctx, func() {}), playback.ErrLoopClosed)
}
