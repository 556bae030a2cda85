package playback

// EventKind names a Player event.
type EventKind string

const (
	EventPlay           EventKind = "play"
	EventPause          EventKind = "pause"
	EventEnded          EventKind = "ended"
	EventLoadedMetadata EventKind = "loadedmetadata"
	EventError          EventKind = "error"
	EventTimeUpdate     EventKind = "timeupdate"
	EventSeeking        EventKind = "seeking"
)

// Event is one notification emitted by a Player. Each concrete type carries
// only the fields its event guarantees.
type Event interface {
	Kind() EventKind
}

// Handler receives Player events. Players must invoke handlers on the
// session's event loop.
type Handler func(Event)

type PlayEvent struct{}

type PauseEvent struct{}

type EndedEvent struct{}

// LoadedMetadataEvent signals that a newly assigned source is ready.
type LoadedMetadataEvent struct {
	Duration float64
}

type ErrorEvent struct {
	Err error
}

// TimeUpdateEvent reports the play head position in seconds.
type TimeUpdateEvent struct {
	Time float64
}

// SeekingEvent reports a proposed play head position in seconds.
type SeekingEvent struct {
	Target float64
}

func (PlayEvent) Kind() EventKind           { return EventPlay }
func (PauseEvent) Kind() EventKind          { return EventPause }
func (EndedEvent) Kind() EventKind          { return EventEnded }
func (LoadedMetadataEvent) Kind() EventKind { return EventLoadedMetadata }
func (ErrorEvent) Kind() EventKind          { return EventError }
func (TimeUpdateEvent) Kind() EventKind     { return EventTimeUpdate }
func (SeekingEvent) Kind() EventKind        { return EventSeeking }
