package simulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/treefix50/watchguard/internal/playback"
	"github.com/treefix50/watchguard/internal/player"
	"github.com/treefix50/watchguard/internal/progress"
	"github.com/treefix50/watchguard/internal/telemetry"
)

const (
	// DefaultTick is how much media time passes per player time update.
	DefaultTick = 250 * time.Millisecond

	tickDeliveryTimeout = 2 * time.Second
)

var ErrTickTimeout = errors.New("simulate: periodic flush was not delivered")

type Option func(*runner)

// WithStore saves progress somewhere other than a fresh in-memory store,
// e.g. a progress.Client pointed at a running service.
func WithStore(store playback.ProgressStore) Option {
	return func(r *runner) { r.store = store }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *runner) { r.log = l }
}

func WithTelemetry(m *telemetry.Manager) Option {
	return func(r *runner) { r.tel = m }
}

// WithTick sets the media time between player time updates.
func WithTick(d time.Duration) Option {
	return func(r *runner) {
		if d > 0 {
			r.tick = d
		}
	}
}

type Flush struct {
	At        time.Duration `json:"at" yaml:"at"`
	VideoID   string        `json:"videoId" yaml:"video"`
	TimeStamp float64       `json:"timeStamp" yaml:"time"`
}

type StepResult struct {
	Index     int           `json:"index" yaml:"index"`
	Step      string        `json:"step" yaml:"step"`
	At        time.Duration `json:"at" yaml:"at"`
	Time      float64       `json:"time" yaml:"time"`
	Watermark float64       `json:"watermark" yaml:"watermark"`
	Quality   string        `json:"quality" yaml:"quality"`
	Decision  string        `json:"decision,omitempty" yaml:"decision,omitempty"`
	Failures  []string      `json:"failures,omitempty" yaml:"failures,omitempty"`
}

type Report struct {
	Name      string         `json:"name" yaml:"name"`
	VideoID   string         `json:"videoId" yaml:"video"`
	Quality   string         `json:"quality" yaml:"quality"`
	Time      float64        `json:"time" yaml:"time"`
	Watermark float64        `json:"watermark" yaml:"watermark"`
	Elapsed   time.Duration  `json:"elapsed" yaml:"elapsed"`
	Stats     playback.Stats `json:"stats" yaml:"stats"`
	Steps     []StepResult   `json:"steps" yaml:"steps"`
	Flushes   []Flush        `json:"flushes" yaml:"flushes"`
}

// Passed reports whether every expectation held.
func (r *Report) Passed() bool {
	for _, st := range r.Steps {
		if len(st.Failures) > 0 {
			return false
		}
	}
	return true
}

type runner struct {
	store playback.ProgressStore
	log   *slog.Logger
	tel   *telemetry.Manager
	tick  time.Duration
}

// run is the state of one scenario execution. Fields touched by the session
// are only read inside r.on.
type run struct {
	ctx      context.Context
	sc       Scenario
	clock    *clockwork.FakeClock
	start    time.Time
	tickBase time.Time
	interval time.Duration
	tick     time.Duration

	loop      *playback.Loop
	sim       *player.Sim
	session   *playback.Session
	store     *recordingStore
	selector  *playback.QualityRequests
	lifecycle *scriptLifecycle
	posted    chan struct{}
}

// Run executes sc and returns its report. Failed expectations are recorded
// in the report; an error means the run itself could not complete.
func Run(ctx context.Context, sc Scenario, opts ...Option) (*Report, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	cfg := runner{log: slog.Default(), tick: DefaultTick}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = progress.NewMemoryStore()
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	if sc.Duration == 0 {
		sc.Duration = DefaultDuration
	}

	interval := sc.FlushInterval
	if interval <= 0 {
		interval = playback.DefaultFlushInterval
	}
	clock := clockwork.NewFakeClock()
	r := &run{
		ctx:       ctx,
		sc:        sc,
		clock:     clock,
		start:     clock.Now(),
		interval:  interval,
		tick:      min(cfg.tick, interval),
		loop:      playback.NewLoop(),
		selector:  playback.NewQualityRequests(),
		lifecycle: &scriptLifecycle{},
		posted:    make(chan struct{}, 16),
	}
	r.store = &recordingStore{ProgressStore: cfg.store, clock: clock, start: r.start}

	for id, ts := range sc.Saved {
		if err := cfg.store.SaveProgress(ctx, id, ts); err != nil {
			return nil, fmt.Errorf("simulate: seed progress for %s: %w", id, err)
		}
	}

	simOpts := []player.Option{player.WithDuration(sc.Duration)}
	for _, v := range sc.Videos {
		for _, q := range v.Qualities {
			simOpts = append(simOpts, player.WithSourceDuration(q.Src, sc.durationOf(v.ID)))
		}
	}
	r.sim = player.NewSim(simOpts...)

	guardOpts := []playback.GuardOption{}
	if sc.Tolerance != nil {
		guardOpts = append(guardOpts, playback.WithTolerance(*sc.Tolerance))
	}
	r.session = playback.NewSession(r.sim, r.store,
		playback.WithLoop(r.loop),
		playback.WithLogger(cfg.log),
		playback.WithTelemetry(cfg.tel),
		playback.WithLifecycle(r.lifecycle),
		playback.WithQualitySelector(r.selector),
		playback.WithDefaultQuality(sc.DefaultQuality),
		playback.WithGuardOptions(guardOpts...),
		playback.WithSyncOptions(
			playback.WithClock(clock),
			playback.WithFlushInterval(interval),
			playback.WithRequirePlaying(sc.RequirePlaying),
			playback.WithDispatcher(r.dispatch),
		),
	)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = r.loop.Run(loopCtx)
	}()
	defer func() {
		r.loop.Close()
		<-loopDone
	}()

	return r.execute()
}

func (r *run) execute() (*Report, error) {
	report := &Report{Name: r.sc.Name}

	if err := r.load(r.sc.Videos[0].ID); err != nil {
		return report, err
	}

	for i, step := range r.sc.Steps {
		res, err := r.step(i+1, step)
		report.Steps = append(report.Steps, res)
		if err != nil {
			return report, fmt.Errorf("simulate: step %d (%s): %w", i+1, step, err)
		}
	}

	var (
		stats     playback.Stats
		videoID   string
		quality   string
		now       float64
		watermark float64
	)
	if err := r.on(func() {
		stats = r.session.Stats()
		if v, ok := r.session.Video(); ok {
			videoID = v.ID
		}
		quality = r.session.Quality()
		now = r.session.CurrentTime()
		watermark = r.session.Guard().Watermark()
		r.session.Close()
	}); err != nil {
		return report, err
	}
	if err := r.settle(); err != nil {
		return report, err
	}

	report.Stats = stats
	report.VideoID = videoID
	report.Quality = quality
	report.Time = now
	report.Watermark = watermark
	report.Elapsed = r.clock.Since(r.start)
	report.Flushes = r.store.flushes()
	return report, nil
}

func (r *run) step(index int, st Step) (StepResult, error) {
	res := StepResult{Index: index, Step: st.String()}
	var before playback.Stats

	var err error
	switch st.Action {
	case ActionPlay:
		err = r.on(func() { r.session.Play() })
	case ActionPause:
		err = r.on(func() { r.session.Pause() })
	case ActionWait:
		err = r.wait(st.Wait)
	case ActionSeek:
		err = r.on(func() {
			before = r.session.Stats()
			r.session.Seek(st.Seconds)
			res.Decision = decisionBetween(before, r.session.Stats())
		})
	case ActionQuality:
		r.selector.Request(st.Value)
		err = r.on(func() {})
	case ActionLoad:
		err = r.load(st.Value)
	case ActionHide:
		r.lifecycle.emit(playback.LifecycleHidden)
		err = r.on(func() {})
	case ActionClose:
		r.lifecycle.emit(playback.LifecycleClosing)
		err = r.on(func() {})
	case ActionExpect:
	default:
		err = fmt.Errorf("unknown action %q", st.Action)
	}
	if err == nil {
		err = r.settle()
	}

	var videoID string
	if onErr := r.on(func() {
		res.Time = r.session.CurrentTime()
		res.Watermark = r.session.Guard().Watermark()
		res.Quality = r.session.Quality()
		if v, ok := r.session.Video(); ok {
			videoID = v.ID
		}
		if st.Expect != nil {
			res.Failures = r.check(st.Expect)
		}
	}); onErr != nil && err == nil {
		err = onErr
	}
	res.At = r.clock.Since(r.start)

	if st.Expect != nil && st.Expect.Saved != nil {
		saved, loadErr := r.store.LoadProgress(r.ctx, videoID)
		if loadErr != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("saved: load failed: %v", loadErr))
		} else if !near(saved, *st.Expect.Saved) {
			res.Failures = append(res.Failures, fmt.Sprintf("saved: got %v, want %v", saved, *st.Expect.Saved))
		}
	}
	return res, err
}

// check runs on the loop.
func (r *run) check(e *Expect) []string {
	var failures []string
	if e.Time != nil && !near(r.session.CurrentTime(), *e.Time) {
		failures = append(failures, fmt.Sprintf("time: got %v, want %v", r.session.CurrentTime(), *e.Time))
	}
	if e.Watermark != nil && !near(r.session.Guard().Watermark(), *e.Watermark) {
		failures = append(failures, fmt.Sprintf("watermark: got %v, want %v", r.session.Guard().Watermark(), *e.Watermark))
	}
	if e.Quality != "" && r.session.Quality() != e.Quality {
		failures = append(failures, fmt.Sprintf("quality: got %q, want %q", r.session.Quality(), e.Quality))
	}
	if e.Playing != nil && r.session.IsPlaying() != *e.Playing {
		failures = append(failures, fmt.Sprintf("playing: got %v, want %v", r.session.IsPlaying(), *e.Playing))
	}
	if e.Blocked != nil && r.session.Stats().Blocked != *e.Blocked {
		failures = append(failures, fmt.Sprintf("blocked: got %d, want %d", r.session.Stats().Blocked, *e.Blocked))
	}
	return failures
}

// load switches the session to id and waits for the resume position to be
// applied.
func (r *run) load(id string) error {
	video, ok := r.sc.video(id)
	if !ok {
		return fmt.Errorf("unknown video %q", id)
	}
	var loadErr error
	if err := r.on(func() { loadErr = r.session.Load(video) }); err != nil {
		return err
	}
	if loadErr != nil {
		return loadErr
	}
	r.tickBase = r.clock.Now()
	if err := r.settle(); err != nil {
		return err
	}
	r.drain()
	return nil
}

// wait plays d of media in tick-sized updates, advancing the fake clock
// alongside. Each periodic flush is applied before media time moves on.
func (r *run) wait(d time.Duration) error {
	for remaining := d; remaining > 0; {
		chunk := min(r.tick, remaining)
		remaining -= chunk

		running := false
		if err := r.on(func() {
			r.sim.Advance(chunk.Seconds())
			running = r.session.Synchronizer().Running()
		}); err != nil {
			return err
		}

		r.drain()
		before := r.ticks()
		r.clock.Advance(chunk)
		if !running || r.ticks() == before {
			continue
		}
		select {
		case <-r.posted:
		case <-time.After(tickDeliveryTimeout):
			return ErrTickTimeout
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
		if err := r.settle(); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) ticks() int64 {
	return int64(r.clock.Since(r.tickBase) / r.interval)
}

// settle drains the loop, waits for outstanding store calls and then for
// whatever they posted.
func (r *run) settle() error {
	if err := r.on(func() {}); err != nil {
		return err
	}
	if err := r.session.Synchronizer().Wait(r.ctx); err != nil {
		return err
	}
	return r.on(func() {})
}

func (r *run) on(fn func()) error {
	return r.loop.Do(r.ctx, fn)
}

func (r *run) dispatch(fn func()) bool {
	ok := r.loop.Post(fn)
	select {
	case r.posted <- struct{}{}:
	default:
	}
	return ok
}

func (r *run) drain() {
	for {
		select {
		case <-r.posted:
		default:
			return
		}
	}
}

func decisionBetween(before, after playback.Stats) string {
	switch {
	case after.Blocked > before.Blocked:
		return playback.SeekBlocked.String()
	case after.Resumed > before.Resumed:
		return playback.SeekResumed.String()
	case after.Restored > before.Restored:
		return playback.SeekRestored.String()
	case after.Allowed > before.Allowed:
		return playback.SeekAllowed.String()
	}
	return ""
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// recordingStore notes every successful save with the fake clock offset.
type recordingStore struct {
	playback.ProgressStore
	clock clockwork.Clock
	start time.Time

	mu    sync.Mutex
	saved []Flush
}

func (s *recordingStore) SaveProgress(ctx context.Context, videoID string, timeStamp float64) error {
	if err := s.ProgressStore.SaveProgress(ctx, videoID, timeStamp); err != nil {
		return err
	}
	s.mu.Lock()
	s.saved = append(s.saved, Flush{At: s.clock.Since(s.start), VideoID: videoID, TimeStamp: timeStamp})
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) flushes() []Flush {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Flush(nil), s.saved...)
}

// scriptLifecycle delivers lifecycle events named by the script.
type scriptLifecycle struct {
	mu       sync.Mutex
	handlers map[int]func(playback.LifecycleEvent)
	nextID   int
}

func (l *scriptLifecycle) Subscribe(handler func(playback.LifecycleEvent)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = make(map[int]func(playback.LifecycleEvent))
	}
	id := l.nextID
	l.nextID++
	l.handlers[id] = handler
	return func() {
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}
}

func (l *scriptLifecycle) emit(ev playback.LifecycleEvent) {
	l.mu.Lock()
	handlers := make([]func(playback.LifecycleEvent), 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
