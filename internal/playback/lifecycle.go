package playback

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// LifecycleEvent is a host notification that playback may end abruptly.
type LifecycleEvent string

const (
	LifecycleHidden  LifecycleEvent = "pagehide"
	LifecycleClosing LifecycleEvent = "close"
)

func (e LifecycleEvent) reason() FlushReason {
	switch e {
	case LifecycleHidden:
		return ReasonPageHide
	case LifecycleClosing:
		return ReasonClose
	default:
		return FlushReason(e)
	}
}

// Lifecycle delivers host lifecycle events. Subscribe returns the function
// that releases the subscription.
type Lifecycle interface {
	Subscribe(handler func(LifecycleEvent)) (release func())
}

// SignalLifecycle maps process signals onto lifecycle events: SIGHUP is
// treated as the page going hidden, SIGINT and SIGTERM as it closing.
type SignalLifecycle struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(LifecycleEvent)
	signals  chan os.Signal
	stop     chan struct{}
}

func NewSignalLifecycle() *SignalLifecycle {
	return &SignalLifecycle{handlers: make(map[int]func(LifecycleEvent))}
}

func (l *SignalLifecycle) Subscribe(handler func(LifecycleEvent)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.handlers[id] = handler
	if l.signals == nil {
		l.signals = make(chan os.Signal, 4)
		l.stop = make(chan struct{})
		signal.Notify(l.signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		go l.watch(l.signals, l.stop)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(id) })
	}
}

func (l *SignalLifecycle) release(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, id)
	if len(l.handlers) == 0 && l.signals != nil {
		signal.Stop(l.signals)
		close(l.stop)
		l.signals = nil
		l.stop = nil
	}
}

func (l *SignalLifecycle) watch(signals <-chan os.Signal, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case sig := <-signals:
			ev := LifecycleClosing
			if sig == syscall.SIGHUP {
				ev = LifecycleHidden
			}
			l.Emit(ev)
		}
	}
}

// Emit delivers ev to every subscriber.
func (l *SignalLifecycle) Emit(ev LifecycleEvent) {
	l.mu.Lock()
	handlers := make([]func(LifecycleEvent), 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
