package playback

import (
	"context"
	"log/slog"

	"github.com/treefix50/watchguard/internal/telemetry"
)

// DefaultTolerance is the forward slack, in seconds, granted to a seek before
// it is treated as a skip. HLS rendition changes and buffering reposition the
// play head by small amounts near the current position.
const DefaultTolerance = 2.0

// Decision is the outcome of a seek attempt.
type Decision int

const (
	SeekAllowed Decision = iota
	// SeekResumed marks the single seek exempted after Reset with a saved
	// position.
	SeekResumed
	// SeekRestored marks the seek exempted after a quality switch.
	SeekRestored
	SeekBlocked
	// SeekCorrected marks the seek the guard itself issued to pull a blocked
	// seek back to the watermark.
	SeekCorrected
)

func (d Decision) String() string {
	switch d {
	case SeekAllowed:
		return "allowed"
	case SeekResumed:
		return "resumed"
	case SeekRestored:
		return "restored"
	case SeekBlocked:
		return "blocked"
	case SeekCorrected:
		return "corrected"
	default:
		return "unknown"
	}
}

// QualitySwitch is the playback state captured before a source replacement.
type QualitySwitch struct {
	RestoreTime float64
	WasPlaying  bool
}

// SeekGuard tracks the furthest legitimately reached position and corrects
// seeks that jump past it. It is not safe for concurrent use; all calls must
// come from the session's event loop.
type SeekGuard struct {
	player    Player
	tolerance float64
	log       *slog.Logger
	tel       *telemetry.Manager
	videoID   string

	watermark      float64
	resumePending  bool
	restorePending bool
	pendingSwitch  *QualitySwitch
	// correction is the target of the guard's own seek until it is observed.
	correction *float64
}

type GuardOption func(*SeekGuard)

func WithTolerance(seconds float64) GuardOption {
	return func(g *SeekGuard) {
		if seconds >= 0 {
			g.tolerance = seconds
		}
	}
}

func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *SeekGuard) {
		if l != nil {
			g.log = l
		}
	}
}

func WithGuardTelemetry(m *telemetry.Manager) GuardOption {
	return func(g *SeekGuard) { g.tel = m }
}

func NewSeekGuard(p Player, opts ...GuardOption) *SeekGuard {
	g := &SeekGuard{
		player:    p,
		tolerance: DefaultTolerance,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *SeekGuard) Watermark() float64 { return g.watermark }

func (g *SeekGuard) Tolerance() float64 { return g.tolerance }

func (g *SeekGuard) ResumePending() bool { return g.resumePending }

func (g *SeekGuard) InQualitySwitch() bool { return g.pendingSwitch != nil }

// PendingQualitySwitch returns the state recorded by BeginQualitySwitch that
// has not been restored yet.
func (g *SeekGuard) PendingQualitySwitch() (QualitySwitch, bool) {
	if g.pendingSwitch == nil {
		return QualitySwitch{}, false
	}
	return *g.pendingSwitch, true
}

// OnTimeAdvance records natural playback progress. Callers must only report
// positions observed while the player is not seeking.
func (g *SeekGuard) OnTimeAdvance(currentTime float64) {
	if currentTime > g.watermark {
		g.watermark = currentTime
	}
}

// OnSeekAttempt classifies a seek to target and, when it skips past the
// watermark plus tolerance, forces the player back to the watermark.
func (g *SeekGuard) OnSeekAttempt(target float64) Decision {
	if c := g.correction; c != nil {
		g.correction = nil
		if target == *c {
			return SeekCorrected
		}
	}
	// The first seek observed after Reset(seed > 0) is taken as the resume
	// seek, whatever issued it.
	if g.resumePending {
		g.resumePending = false
		g.watermark = target
		g.log.Debug("resume seek accepted", "video", g.videoID, "target", target)
		return SeekResumed
	}
	if g.restorePending {
		g.restorePending = false
		g.log.Debug("quality restore seek accepted", "video", g.videoID, "target", target)
		return SeekRestored
	}
	if target > g.watermark+g.tolerance {
		watermark := g.watermark
		g.log.Info("forward seek blocked", "video", g.videoID, "target", target, "watermark", watermark)
		g.tel.RecordSeekBlocked(context.Background(), g.videoID)
		g.correction = &watermark
		g.player.Seek(watermark)
		return SeekBlocked
	}
	return SeekAllowed
}

// BeginQualitySwitch captures the position and play state that
// EndQualitySwitch restores once the replacement source is ready.
func (g *SeekGuard) BeginQualitySwitch() QualitySwitch {
	sw := QualitySwitch{
		RestoreTime: g.player.CurrentTime(),
		WasPlaying:  !g.player.Paused(),
	}
	g.pendingSwitch = &sw
	return sw
}

// EndQualitySwitch seeks the new source back to restoreTime without guarding
// that seek and resumes playback when wasPlaying. The watermark is unchanged.
func (g *SeekGuard) EndQualitySwitch(restoreTime float64, wasPlaying bool) {
	g.pendingSwitch = nil
	g.restorePending = true
	g.player.Seek(restoreTime)
	if wasPlaying {
		g.player.Play()
	}
}

// AbandonQualitySwitch drops a switch whose source never became ready, along
// with any restore exemption not yet consumed.
func (g *SeekGuard) AbandonQualitySwitch() {
	g.pendingSwitch = nil
	g.restorePending = false
}

// Reset starts guarding a new video. A positive seed exempts the next seek so
// the resume seek to the saved position is not clamped.
func (g *SeekGuard) Reset(seed float64) {
	if seed < 0 {
		seed = 0
	}
	g.watermark = seed
	g.resumePending = seed > 0
	g.correction = nil
}

func (g *SeekGuard) setVideo(videoID string) {
	g.videoID = videoID
}
