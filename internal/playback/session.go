package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/treefix50/watchguard/internal/telemetry"
)

var (
	ErrNoVideo        = errors.New("playback: no video loaded")
	ErrUnknownQuality = errors.New("playback: unknown quality")
	ErrNoQualities    = errors.New("playback: video has no qualities")
	ErrSessionClosed  = errors.New("playback: session closed")
)

// Stats counts seek decisions made during a session.
type Stats struct {
	Allowed  int `json:"allowed"`
	Resumed  int `json:"resumed"`
	Restored int `json:"restored"`
	Blocked  int `json:"blocked"`
}

func (st *Stats) record(d Decision) {
	switch d {
	case SeekAllowed:
		st.Allowed++
	case SeekResumed:
		st.Resumed++
	case SeekRestored:
		st.Restored++
	case SeekBlocked:
		st.Blocked++
	}
}

// Session wires a Player to a SeekGuard and a Synchronizer for one viewer.
// Loading another video reuses the session. Unless stated otherwise, methods
// must be called from the session's loop, and player events must be emitted
// there too.
type Session struct {
	id       string
	player   Player
	guard    *SeekGuard
	sync     *Synchronizer
	loop     *Loop
	ownsLoop bool
	post     Dispatcher
	log      *slog.Logger

	defaultQuality string
	lifecycle      Lifecycle
	selector       QualitySelector

	video   *Video
	quality string
	stats   Stats
	closed  bool

	offs             []func()
	releaseLifecycle func()
	releaseSelector  func()
}

type sessionConfig struct {
	loop           *Loop
	log            *slog.Logger
	tel            *telemetry.Manager
	guardOpts      []GuardOption
	syncOpts       []SyncOption
	lifecycle      Lifecycle
	selector       QualitySelector
	defaultQuality string
}

type SessionOption func(*sessionConfig)

// WithLoop runs timer ticks, store completions, lifecycle events and quality
// requests on loop. Without it the session starts a loop of its own, stopped
// by Close.
func WithLoop(loop *Loop) SessionOption {
	return func(c *sessionConfig) { c.loop = loop }
}

func WithLogger(l *slog.Logger) SessionOption {
	return func(c *sessionConfig) { c.log = l }
}

func WithTelemetry(m *telemetry.Manager) SessionOption {
	return func(c *sessionConfig) { c.tel = m }
}

func WithGuardOptions(opts ...GuardOption) SessionOption {
	return func(c *sessionConfig) { c.guardOpts = append(c.guardOpts, opts...) }
}

func WithSyncOptions(opts ...SyncOption) SessionOption {
	return func(c *sessionConfig) { c.syncOpts = append(c.syncOpts, opts...) }
}

// WithLifecycle flushes progress on host lifecycle events. The subscription
// is taken on the first Load and released by Close.
func WithLifecycle(l Lifecycle) SessionOption {
	return func(c *sessionConfig) { c.lifecycle = l }
}

func WithQualitySelector(sel QualitySelector) SessionOption {
	return func(c *sessionConfig) { c.selector = sel }
}

// WithDefaultQuality names the rendition used when a video does not pick one.
func WithDefaultQuality(value string) SessionOption {
	return func(c *sessionConfig) { c.defaultQuality = value }
}

func NewSession(p Player, store ProgressStore, opts ...SessionOption) *Session {
	cfg := sessionConfig{log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	id := uuid.NewString()
	log := cfg.log.With("session", id)
	loop, owned := cfg.loop, false
	if loop == nil {
		loop, owned = NewLoop(), true
		go func() { _ = loop.Run(context.Background()) }()
	}
	post := Dispatcher(loop.Post)

	guard := NewSeekGuard(p, append([]GuardOption{
		WithGuardLogger(log),
		WithGuardTelemetry(cfg.tel),
	}, cfg.guardOpts...)...)
	sync := NewSynchronizer(p, guard, store, append([]SyncOption{
		WithDispatcher(post),
		WithSyncLogger(log),
		WithSyncTelemetry(cfg.tel),
	}, cfg.syncOpts...)...)

	s := &Session{
		id:             id,
		player:         p,
		guard:          guard,
		sync:           sync,
		loop:           loop,
		ownsLoop:       owned,
		post:           post,
		log:            log,
		defaultQuality: cfg.defaultQuality,
		lifecycle:      cfg.lifecycle,
		selector:       cfg.selector,
	}
	s.subscribe()
	if s.selector != nil {
		s.releaseSelector = s.selector.OnQualityRequested(func(value string) {
			s.post(func() {
				if err := s.ChangeQuality(value); err != nil {
					s.log.Warn("quality change rejected", "quality", value, "err", err)
				}
			})
		})
	}
	return s
}

func (s *Session) subscribe() {
	s.offs = append(s.offs,
		s.player.On(EventTimeUpdate, func(ev Event) {
			if tu, ok := ev.(TimeUpdateEvent); ok && !s.player.Seeking() {
				s.guard.OnTimeAdvance(tu.Time)
			}
		}),
		s.player.On(EventSeeking, func(ev Event) {
			if sk, ok := ev.(SeekingEvent); ok {
				s.stats.record(s.guard.OnSeekAttempt(sk.Target))
			}
		}),
		s.player.On(EventEnded, func(Event) {
			s.log.Info("video ended", "video", s.videoID())
			s.sync.FlushOnLifecycleEvent(ReasonEnded)
			s.sync.Stop()
		}),
		s.player.On(EventLoadedMetadata, func(ev Event) {
			sw, ok := s.guard.PendingQualitySwitch()
			if !ok {
				return
			}
			s.log.Debug("quality source ready", "video", s.videoID(), "quality", s.quality, "restore", sw.RestoreTime)
			s.guard.EndQualitySwitch(sw.RestoreTime, sw.WasPlaying)
		}),
		s.player.On(EventError, func(ev Event) {
			var err error
			if ee, ok := ev.(ErrorEvent); ok {
				err = ee.Err
			}
			s.log.Error("player error", "video", s.videoID(), "quality", s.quality, "err", err)
			s.guard.AbandonQualitySwitch()
		}),
		s.player.On(EventPlay, func(Event) {
			s.log.Debug("play", "video", s.videoID(), "time", s.player.CurrentTime())
		}),
		s.player.On(EventPause, func(Event) {
			s.log.Debug("pause", "video", s.videoID(), "time", s.player.CurrentTime())
		}),
	)
}

func (s *Session) ID() string { return s.id }

// Loop returns the loop the session runs on.
func (s *Session) Loop() *Loop { return s.loop }

// Do runs fn on the session's loop and waits for it. It is safe to call from
// any goroutine except the loop itself.
func (s *Session) Do(ctx context.Context, fn func()) error {
	return s.loop.Do(ctx, fn)
}

func (s *Session) Guard() *SeekGuard { return s.guard }

func (s *Session) Synchronizer() *Synchronizer { return s.sync }

func (s *Session) Stats() Stats { return s.stats }

// Video returns the loaded video.
func (s *Session) Video() (Video, bool) {
	if s.video == nil {
		return Video{}, false
	}
	return *s.video, true
}

func (s *Session) Quality() string { return s.quality }

func (s *Session) videoID() string {
	if s.video == nil {
		return ""
	}
	return s.video.ID
}

// Load switches the session to video. Progress of the outgoing video is
// flushed first, then the guard starts from zero until the saved position of
// the new video arrives.
func (s *Session) Load(video Video) error {
	if s.closed {
		return ErrSessionClosed
	}
	if len(video.Qualities) == 0 {
		return fmt.Errorf("%w: %s", ErrNoQualities, video.ID)
	}

	if s.video != nil {
		s.sync.FlushOnLifecycleEvent(ReasonSwitch)
		s.sync.Stop()
	}

	s.guard.AbandonQualitySwitch()
	s.guard.Reset(0)
	s.guard.setVideo(video.ID)

	v := video
	v.Qualities = append([]Quality(nil), video.Qualities...)
	s.video = &v
	q := v.initialQuality(s.defaultQuality)
	s.quality = q.Value
	s.log.Info("loading video", "video", v.ID, "quality", q.Value)
	s.player.SetSource(q.Src, mimeType(q))

	if err := s.sync.Start(v.ID); err != nil {
		return err
	}
	s.sync.FetchResumePosition(v.ID)

	if s.lifecycle != nil && s.releaseLifecycle == nil {
		s.releaseLifecycle = s.lifecycle.Subscribe(func(ev LifecycleEvent) {
			s.post(func() { s.onLifecycle(ev) })
		})
	}
	return nil
}

func (s *Session) onLifecycle(ev LifecycleEvent) {
	if s.closed {
		return
	}
	s.log.Debug("lifecycle event", "event", ev, "video", s.videoID())
	s.sync.FlushOnLifecycleEvent(ev.reason())
}

// ChangeQuality replaces the source with another rendition of the loaded
// video, keeping position and play state. The position is flushed before the
// source goes away. Asking for the current rendition does nothing.
func (s *Session) ChangeQuality(value string) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.video == nil {
		return ErrNoVideo
	}
	q, ok := s.video.quality(value)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuality, value)
	}
	if value == s.quality {
		return nil
	}

	// A second change before the first source is ready keeps the original
	// restore point, already flushed by the first.
	if !s.guard.InQualitySwitch() {
		s.sync.FlushOnLifecycleEvent(ReasonQuality)
		s.guard.BeginQualitySwitch()
	}
	s.log.Info("changing quality", "video", s.video.ID, "from", s.quality, "to", value)
	s.quality = value
	s.player.SetSource(q.Src, mimeType(q))
	return nil
}

// QualityMenu reports the state a quality picker renders. It is disabled
// while a switch is in progress.
func (s *Session) QualityMenu() QualityMenu {
	menu := QualityMenu{Current: s.quality}
	if s.video == nil {
		return menu
	}
	menu.Options = make([]QualityOption, 0, len(s.video.Qualities))
	for _, q := range s.video.Qualities {
		menu.Options = append(menu.Options, QualityOption{Label: q.Label, Value: q.Value})
	}
	menu.Enabled = len(menu.Options) > 1 && !s.guard.InQualitySwitch()
	return menu
}

func (s *Session) Play() { s.player.Play() }

func (s *Session) Pause() { s.player.Pause() }

// Seek asks the player to move. The guard corrects the move if it skips ahead.
func (s *Session) Seek(t float64) { s.player.Seek(t) }

func (s *Session) CurrentTime() float64 { return s.player.CurrentTime() }

func (s *Session) Duration() float64 { return s.player.Duration() }

func (s *Session) IsPlaying() bool { return !s.player.Paused() }

// Close flushes the loaded video and releases every subscription. Later calls
// do nothing.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.video != nil {
		s.sync.FlushOnLifecycleEvent(ReasonTeardown)
	}
	s.sync.Stop()
	if s.releaseLifecycle != nil {
		s.releaseLifecycle()
		s.releaseLifecycle = nil
	}
	if s.releaseSelector != nil {
		s.releaseSelector()
		s.releaseSelector = nil
	}
	for _, off := range s.offs {
		off()
	}
	s.offs = nil
	s.log.Debug("session closed")
	if s.ownsLoop {
		// Queued behind the current function so a Do waiting on Close returns.
		s.loop.Post(s.loop.Close)
	}
}

func mimeType(q Quality) string {
	if q.MimeType != "" {
		return q.MimeType
	}
	return HLSMimeType
}
