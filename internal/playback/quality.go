package playback

import "sync"

// Quality is one HLS rendition of a video.
type Quality struct {
	Label    string `json:"label" yaml:"label"`
	Value    string `json:"value" yaml:"value"`
	Src      string `json:"src" yaml:"src"`
	MimeType string `json:"mimeType,omitempty" yaml:"mime_type,omitempty"`
}

// Video is what a Session loads.
type Video struct {
	ID             string    `json:"videoId" yaml:"id"`
	Title          string    `json:"title" yaml:"title"`
	Qualities      []Quality `json:"qualities" yaml:"qualities"`
	DefaultQuality string    `json:"defaultQuality,omitempty" yaml:"default_quality,omitempty"`
}

func (v Video) quality(value string) (Quality, bool) {
	for _, q := range v.Qualities {
		if q.Value == value {
			return q, true
		}
	}
	return Quality{}, false
}

// initialQuality picks DefaultQuality when it names a rendition, the first
// rendition otherwise.
func (v Video) initialQuality(fallback string) Quality {
	if q, ok := v.quality(v.DefaultQuality); ok {
		return q
	}
	if q, ok := v.quality(fallback); ok {
		return q
	}
	return v.Qualities[0]
}

// QualityOption is one entry of the quality menu.
type QualityOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// QualityMenu is the read-only state a quality picker renders.
type QualityMenu struct {
	Current string          `json:"current"`
	Options []QualityOption `json:"options"`
	Enabled bool            `json:"enabled"`
}

// QualitySelector delivers quality changes requested by the viewer.
type QualitySelector interface {
	OnQualityRequested(handler func(value string)) (release func())
}

// QualityRequests is an in-process QualitySelector. Request fans a value out
// to every registered handler.
type QualityRequests struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(string)
}

func NewQualityRequests() *QualityRequests {
	return &QualityRequests{handlers: make(map[int]func(string))}
}

func (q *QualityRequests) OnQualityRequested(handler func(value string)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	q.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.handlers, id)
			q.mu.Unlock()
		})
	}
}

// Request notifies every handler and reports how many received it.
func (q *QualityRequests) Request(value string) int {
	q.mu.Lock()
	handlers := make([]func(string), 0, len(q.handlers))
	for _, h := range q.handlers {
		handlers = append(handlers, h)
	}
	q.mu.Unlock()

	for _, h := range handlers {
		h(value)
	}
	return len(handlers)
}
