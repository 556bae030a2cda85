package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/treefix50/watchguard/internal/telemetry"
)

const (
	DefaultFlushInterval  = 10 * time.Second
	DefaultRequestTimeout = 5 * time.Second
)

var ErrAlreadyStarted = errors.New("playback: synchronizer already started")

// FlushReason tags a progress write with what triggered it.
type FlushReason string

const (
	ReasonPeriodic FlushReason = "periodic"
	ReasonPageHide FlushReason = "pagehide"
	ReasonClose    FlushReason = "close"
	ReasonEnded    FlushReason = "ended"
	ReasonSwitch   FlushReason = "switch"
	ReasonQuality  FlushReason = "quality"
	ReasonTeardown FlushReason = "teardown"
)

// Dispatcher hands a function to the goroutine that owns the session state.
type Dispatcher func(fn func()) bool

func runInline(fn func()) bool {
	fn()
	return true
}

// Synchronizer pushes the player position to a ProgressStore on a fixed
// interval and on lifecycle events, and seeds the SeekGuard from the saved
// position when a video loads. Apart from Wait, methods must be called from
// the goroutine behind the configured Dispatcher.
type Synchronizer struct {
	player Player
	guard  *SeekGuard
	store  ProgressStore

	clock          clockwork.Clock
	post           Dispatcher
	interval       time.Duration
	timeout        time.Duration
	requirePlaying bool
	log            *slog.Logger
	tel            *telemetry.Manager

	videoID string
	running bool
	stop    chan struct{}
	gen     atomic.Uint64

	inflight sync.WaitGroup
}

type SyncOption func(*Synchronizer)

func WithClock(c clockwork.Clock) SyncOption {
	return func(s *Synchronizer) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithDispatcher routes timer ticks and store completions through post.
// Without it they run on the goroutine that produced them.
func WithDispatcher(post Dispatcher) SyncOption {
	return func(s *Synchronizer) {
		if post != nil {
			s.post = post
		}
	}
}

func WithFlushInterval(d time.Duration) SyncOption {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithRequestTimeout(d time.Duration) SyncOption {
	return func(s *Synchronizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRequirePlaying skips flushes while the player is paused.
func WithRequirePlaying(v bool) SyncOption {
	return func(s *Synchronizer) { s.requirePlaying = v }
}

func WithSyncLogger(l *slog.Logger) SyncOption {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

func WithSyncTelemetry(m *telemetry.Manager) SyncOption {
	return func(s *Synchronizer) { s.tel = m }
}

func NewSynchronizer(p Player, guard *SeekGuard, store ProgressStore, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		player:   p,
		guard:    guard,
		store:    store,
		clock:    clockwork.NewRealClock(),
		post:     runInline,
		interval: DefaultFlushInterval,
		timeout:  DefaultRequestTimeout,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synchronizer) VideoID() string { return s.videoID }

func (s *Synchronizer) Running() bool { return s.running }

func (s *Synchronizer) Interval() time.Duration { return s.interval }

// Start begins periodic flushing for videoID.
func (s *Synchronizer) Start(videoID string) error {
	if s.running {
		return ErrAlreadyStarted
	}
	s.running = true
	s.videoID = videoID
	s.stop = make(chan struct{})

	ticker := s.clock.NewTicker(s.interval)
	gen := s.gen.Load()
	go s.tickLoop(ticker, s.stop, gen)

	s.log.Debug("progress sync started", "video", videoID, "interval", s.interval)
	return nil
}

func (s *Synchronizer) tickLoop(ticker clockwork.Ticker, stop <-chan struct{}, gen uint64) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			s.post(func() {
				// A tick queued before Stop belongs to the previous video.
				if s.gen.Load() != gen {
					return
				}
				s.flush(ReasonPeriodic)
			})
		}
	}
}

// Stop cancels the periodic timer. Calling Stop on a stopped synchronizer is
// a no-op.
func (s *Synchronizer) Stop() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	s.stop = nil
	s.gen.Add(1)
	s.log.Debug("progress sync stopped", "video", s.videoID)
	s.videoID = ""
}

// Flush sends the current position when a video is active and the position
// is past zero. It reports whether a write was issued.
func (s *Synchronizer) Flush() bool {
	return s.flush(ReasonPeriodic)
}

// FlushOnLifecycleEvent is Flush tagged with the triggering event.
func (s *Synchronizer) FlushOnLifecycleEvent(reason FlushReason) bool {
	return s.flush(reason)
}

func (s *Synchronizer) flush(reason FlushReason) bool {
	if s.videoID == "" || s.player == nil {
		return false
	}
	if s.requirePlaying && s.player.Paused() {
		return false
	}
	timeStamp := s.player.CurrentTime()
	if timeStamp <= 0 {
		return false
	}

	videoID := s.videoID
	s.tel.RecordFlush(context.Background(), videoID, string(reason))
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.store.SaveProgress(ctx, videoID, timeStamp); err != nil {
			s.tel.RecordFlushFailure(ctx, videoID, string(reason))
			s.log.Warn("progress save failed", "video", videoID, "reason", reason, "time", timeStamp, "err", err)
			return
		}
		s.log.Debug("progress saved", "video", videoID, "reason", reason, "time", timeStamp)
	}()
	return true
}

// FetchResumePosition loads the saved position for videoID. When it arrives
// and the synchronizer is still on that video, the guard is reseeded and the
// player seeks to it. Read failures count as no saved position.
func (s *Synchronizer) FetchResumePosition(videoID string) {
	gen := s.gen.Load()
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		seed, err := s.store.LoadProgress(ctx, videoID)
		cancel()
		if err != nil {
			s.log.Warn("progress load failed", "video", videoID, "err", err)
			return
		}
		s.post(func() { s.applyResume(videoID, gen, seed) })
	}()
}

func (s *Synchronizer) applyResume(videoID string, gen uint64, seed float64) {
	if s.gen.Load() != gen || s.videoID != videoID {
		s.log.Debug("stale resume position dropped", "video", videoID, "time", seed)
		return
	}
	if seed <= 0 {
		return
	}
	s.log.Info("resuming playback", "video", videoID, "time", seed)
	s.guard.Reset(seed)
	s.player.Seek(seed)
}

// Wait blocks until every in-flight store request has finished or ctx is
// done.
func (s *Synchronizer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
