package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/echonet/internal/observe"
)

// ErrNoSession is returned when ending a session for a source that has none.
var ErrNoSession = errors.New("router: no active session")

// Session binds a source to a target for follow-up utterances after a wake
// phrase match. It expires TTL after the last routed event.
type Session struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	Target    string    `json:"target"`
	StartedAt time.Time `json:"started_at"`
	LastAt    time.Time `json:"last_at"`
}

// sessionMap tracks at most one live session per source. Expiry is lazy on
// access, with a periodic sweep as backstop so idle sessions do not linger
// in listings. Accessors hand out copies, never the stored *Session, so
// callers can read them while touch rewrites LastAt under the lock. All
// methods are safe for concurrent use.
type sessionMap struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*Session
	metrics  *observe.Metrics
	now      func() time.Time // test hook
}

func newSessionMap(ttl time.Duration, metrics *observe.Metrics) *sessionMap {
	return &sessionMap{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		metrics:  metrics,
		now:      time.Now,
	}
}

// open replaces any existing session for the source.
func (sm *sessionMap) open(sourceID, target string) Session {
	now := sm.now()
	s := &Session{
		ID:        newSessionID(),
		SourceID:  sourceID,
		Target:    target,
		StartedAt: now,
		LastAt:    now,
	}
	sm.mu.Lock()
	_, replaced := sm.sessions[sourceID]
	sm.sessions[sourceID] = s
	sm.mu.Unlock()
	if !replaced {
		sm.metrics.AddActiveSessions(context.Background(), 1)
	}
	return *s
}

// live returns the unexpired session for the source, expiring it if stale.
func (sm *sessionMap) live(sourceID string) (Session, bool) {
	sm.mu.Lock()
	s, ok := sm.sessions[sourceID]
	if !ok {
		sm.mu.Unlock()
		return Session{}, false
	}
	if sm.now().Sub(s.LastAt) > sm.ttl {
		delete(sm.sessions, sourceID)
		sm.mu.Unlock()
		sm.metrics.AddActiveSessions(context.Background(), -1)
		return Session{}, false
	}
	out := *s
	sm.mu.Unlock()
	return out, true
}

// touch refreshes the session's last-activity timestamp and returns the
// updated session.
func (sm *sessionMap) touch(sourceID string) (Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[sourceID]
	if !ok {
		return Session{}, false
	}
	s.LastAt = sm.now()
	return *s, true
}

// end removes the session for the source.
func (sm *sessionMap) end(sourceID string) error {
	sm.mu.Lock()
	if _, ok := sm.sessions[sourceID]; !ok {
		sm.mu.Unlock()
		return ErrNoSession
	}
	delete(sm.sessions, sourceID)
	sm.mu.Unlock()
	sm.metrics.AddActiveSessions(context.Background(), -1)
	return nil
}

// list returns all unexpired sessions.
func (sm *sessionMap) list() []Session {
	sm.mu.Lock()
	now := sm.now()
	expired := 0
	out := make([]Session, 0, len(sm.sessions))
	for id, s := range sm.sessions {
		if now.Sub(s.LastAt) > sm.ttl {
			delete(sm.sessions, id)
			expired++
			continue
		}
		out = append(out, *s)
	}
	sm.mu.Unlock()
	if expired > 0 {
		sm.metrics.AddActiveSessions(context.Background(), int64(-expired))
	}
	return out
}

// sweep drops expired sessions. Returns the number removed.
func (sm *sessionMap) sweep() int {
	sm.mu.Lock()
	now := sm.now()
	removed := 0
	for id, s := range sm.sessions {
		if now.Sub(s.LastAt) > sm.ttl {
			delete(sm.sessions, id)
			removed++
		}
	}
	sm.mu.Unlock()
	if removed > 0 {
		sm.metrics.AddActiveSessions(context.Background(), int64(-removed))
	}
	return removed
}

// RunSweeper periodically evicts expired sessions until ctx is cancelled.
func (r *Router) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sessions.sweep()
		}
	}
}

func newSessionID() string {
	var b [8]byte
	rand.Read(b[:])
	return "ses_" + hex.EncodeToString(b[:])
}
