// Package player provides a headless media element that satisfies
// playback.Player. It keeps time only when Advance is called, so scenarios
// and tests control the clock.
package player

import (
	"sync"

	"github.com/treefix50/watchguard/internal/playback"
)

type subscription struct {
	id      int
	kind    playback.EventKind
	handler playback.Handler
}

// Sim is a simulated video element. Events are delivered synchronously on
// the goroutine that caused them.
type Sim struct {
	mu sync.Mutex

	src      string
	mimeType string
	current  float64
	duration float64
	paused   bool
	seeking  bool
	seekGen  uint64

	defaultDuration float64
	durations       map[string]float64
	failures        map[string]error

	nextID int
	subs   []subscription
}

type Option func(*Sim)

// WithDuration sets the duration reported for sources without their own.
func WithDuration(seconds float64) Option {
	return func(s *Sim) { s.defaultDuration = seconds }
}

// WithSourceDuration sets the duration reported once src is loaded.
func WithSourceDuration(src string, seconds float64) Option {
	return func(s *Sim) { s.durations[src] = seconds }
}

func NewSim(opts ...Option) *Sim {
	s := &Sim{
		paused:    true,
		durations: make(map[string]float64),
		failures:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailSource makes the next loads of src emit an ErrorEvent instead of
// LoadedMetadataEvent.
func (s *Sim) FailSource(src string, err error) {
	s.mu.Lock()
	s.failures[src] = err
	s.mu.Unlock()
}

func (s *Sim) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Sim) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Sim) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Sim) Seeking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeking
}

// Source returns the loaded url and its MIME type.
func (s *Sim) Source() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src, s.mimeType
}

// Seek moves the play head. A seeking event is emitted first; unless a
// handler seeks again, a timeupdate at the new position follows.
func (s *Sim) Seek(t float64) {
	s.mu.Lock()
	if t < 0 {
		t = 0
	}
	if s.duration > 0 && t > s.duration {
		t = s.duration
	}
	s.current = t
	s.seeking = true
	s.seekGen++
	gen := s.seekGen
	s.mu.Unlock()

	s.emit(playback.SeekingEvent{Target: t})

	s.mu.Lock()
	if s.seekGen != gen {
		s.mu.Unlock()
		return
	}
	s.seeking = false
	current := s.current
	s.mu.Unlock()

	s.emit(playback.TimeUpdateEvent{Time: current})
}

func (s *Sim) Play() {
	s.mu.Lock()
	if !s.paused || s.src == "" {
		s.mu.Unlock()
		return
	}
	if s.duration > 0 && s.current >= s.duration {
		s.current = 0
	}
	s.paused = false
	s.mu.Unlock()
	s.emit(playback.PlayEvent{})
}

func (s *Sim) Pause() {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.mu.Unlock()
	s.emit(playback.PauseEvent{})
}

// SetSource replaces the media. Position returns to zero, playback pauses
// and the new source reports ready through LoadedMetadataEvent.
func (s *Sim) SetSource(url, mimeType string) {
	s.mu.Lock()
	s.src = url
	s.mimeType = mimeType
	s.current = 0
	s.seeking = false
	s.seekGen++
	wasPlaying := !s.paused
	s.paused = true
	err := s.failures[url]
	duration, ok := s.durations[url]
	if !ok {
		duration = s.defaultDuration
	}
	if err != nil {
		duration = 0
	}
	s.duration = duration
	s.mu.Unlock()

	if wasPlaying {
		s.emit(playback.PauseEvent{})
	}
	if err != nil {
		s.emit(playback.ErrorEvent{Err: err})
		return
	}
	s.emit(playback.LoadedMetadataEvent{Duration: duration})
}

// Advance plays dt seconds of media. Nothing happens while paused or
// seeking. Reaching the end pauses the player and emits EndedEvent.
func (s *Sim) Advance(dt float64) {
	s.mu.Lock()
	if s.paused || s.seeking || s.src == "" || dt <= 0 {
		s.mu.Unlock()
		return
	}
	s.current += dt
	ended := false
	if s.duration > 0 && s.current >= s.duration {
		s.current = s.duration
		s.paused = true
		ended = true
	}
	current := s.current
	s.mu.Unlock()

	s.emit(playback.TimeUpdateEvent{Time: current})
	if ended {
		s.emit(playback.PauseEvent{})
		s.emit(playback.EndedEvent{})
	}
}

func (s *Sim) On(kind playback.EventKind, h playback.Handler) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscription{id: id, kind: kind, handler: h})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Sim) emit(ev playback.Event) {
	s.mu.Lock()
	handlers := make([]playback.Handler, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.kind == ev.Kind() {
			handlers = append(handlers, sub.handler)
		}
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

var _ playback.Player = (*Sim)(nil)
