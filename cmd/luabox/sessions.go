package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/caffeineduck/luabox/executor"
	"github.com/google/uuid"
)

var errTooManySessions = errors.New("too many sessions")

type sessionManager struct {
	sessions map[string]*serverSession
	mu       sync.Mutex
	ttl      time.Duration
	max      int
}

type serverSession struct {
	session  *executor.Session
	lastUsed time.Time
}

func newSessionManager(ttl time.Duration, max int) *sessionManager {
	return &sessionManager{
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
		max:      max,
	}
}

// create starts a session. The limit check and the insert happen under one
// lock so concurrent creates cannot exceed max.
func (sm *sessionManager) create(exec *executor.Executor, opts ...executor.Option) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.max > 0 && len(sm.sessions) >= sm.max {
		return "", errTooManySessions
	}

	session, err := exec.NewSession(opts...)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	sm.sessions[id] = &serverSession{
		session:  session,
		lastUsed: time.Now(),
	}
	return id, nil
}

func (sm *sessionManager) get(id string) (*executor.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = time.Now()
	return ss.session, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		ss.session.Close()
	}
	return ok
}

func (sm *sessionManager) count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// sweep closes sessions idle since before now minus the TTL and reports
// how many it closed.
func (sm *sessionManager) sweep(now time.Time) int {
	sm.mu.Lock()
	var expired []*executor.Session
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl {
			expired = append(expired, ss.session)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	return len(expired)
}

// sweepInterval is how often to look for expired sessions: the TTL, but
// at least once a minute.
func (sm *sessionManager) sweepInterval() time.Duration {
	if sm.ttl <= 0 {
		return time.Minute
	}
	return min(sm.ttl, time.Minute)
}

// run sweeps every interval until ctx is done.
func (sm *sessionManager) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sm.sweep(now)
		}
	}
}

func (sm *sessionManager) closeAll() {
	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*serverSession)
	sm.mu.Unlock()

	for _, ss := range all {
		ss.session.Close()
	}
}
