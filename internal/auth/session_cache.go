package auth

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SessionCache keeps validated sessions in memory so most requests skip the
// database.
type SessionCache struct {
	mu       sync.RWMutex
	sessions map[string]*cachedSession
	ttl      time.Duration
	clock    clockwork.Clock
	stop     chan struct{}
	once     sync.Once
}

type cachedSession struct {
	session  *Session
	cachedAt time.Time
}

// NewSessionCache starts a cache whose entries live for ttl. Close stops its
// cleanup goroutine.
func NewSessionCache(ttl time.Duration, clock clockwork.Clock) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &SessionCache{
		sessions: make(map[string]*cachedSession),
		ttl:      ttl,
		clock:    clock,
		stop:     make(chan struct{}),
	}
	go c.cleanupLoop(clock.NewTicker(time.Minute))
	return c
}

func (c *SessionCache) Get(token string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.sessions[token]
	if !ok || c.expired(cached, c.clock.Now()) {
		return nil, false
	}
	return cached.session, true
}

func (c *SessionCache) Set(session *Session) {
	if session == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session.Token] = &cachedSession{session: session, cachedAt: c.clock.Now()}
}

func (c *SessionCache) Delete(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, token)
}

func (c *SessionCache) DeleteByUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for token, cached := range c.sessions {
		if cached.session.UserID == userID {
			delete(c.sessions, token)
		}
	}
}

func (c *SessionCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *SessionCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *SessionCache) expired(cached *cachedSession, now time.Time) bool {
	return now.After(cached.cachedAt.Add(c.ttl)) || now.After(cached.session.ExpiresAt)
}

func (c *SessionCache) cleanupLoop(ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.Chan():
			c.cleanup()
		}
	}
}

func (c *SessionCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for token, cached := range c.sessions {
		if c.expired(cached, now) {
			delete(c.sessions, token)
		}
	}
}
