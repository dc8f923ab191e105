package session

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricescout/internal/resilience"
)

// Manager hands out one Session per retailer and serialises work on it.
// Sessions are created lazily and never shared across retailers.
type Manager struct {
	opts     Options
	breakers *resilience.Breakers
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	slots    map[string]chan struct{}
}

// NewManager creates a Manager with the given options.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*Session),
		slots:    make(map[string]chan struct{}),
	}
	m.breakers = resilience.NewBreakers(
		resilience.CircuitBreakerConfig{
			FailureThreshold: opts.FailureThreshold,
			ResetTimeout:     opts.ResetTimeout,
		},
		func(key string, from, to resilience.CircuitState) {
			zap.L().Info("session: breaker state change",
				zap.String("retailer", key),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	)
	return m
}

// Client returns the session for retailerID, creating it on first use.
// Sequential callers get the same *Session.
func (m *Manager) Client(retailerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionLocked(retailerID)
}

func (m *Manager) sessionLocked(retailerID string) *Session {
	s, ok := m.sessions[retailerID]
	if !ok {
		s = newSession(retailerID, m.opts)
		m.sessions[retailerID] = s
		m.slots[retailerID] = make(chan struct{}, 1)
	}
	return s
}

// Acquire enters the exclusive section for retailerID and returns its session
// with a release func. At most one holder per retailer exists at a time;
// waiting honours ctx.
func (m *Manager) Acquire(ctx context.Context, retailerID string) (*Session, func(), error) {
	m.mu.Lock()
	s := m.sessionLocked(retailerID)
	slot := m.slots[retailerID]
	m.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, eris.Wrapf(ctx.Err(), "session: acquire %s", retailerID)
	}

	var once sync.Once
	release := func() { once.Do(func() { <-slot }) }
	return s, release, nil
}

// MarkSuccess records a successful chain: it updates LastSuccess and closes
// the retailer's breaker.
func (m *Manager) MarkSuccess(retailerID string) {
	m.Client(retailerID).markSuccess(m.now())
	m.breakers.Get(retailerID).RecordSuccess()
}

// RecordHardFailure counts an exhausted chain. When the failure trips the
// retailer's breaker the session is invalidated and true is returned.
// Inside the reset window after a trip, further failures do not invalidate
// again; once it expires a single failure does.
func (m *Manager) RecordHardFailure(retailerID string) bool {
	cb := m.breakers.Get(retailerID)
	_ = cb.Allow()
	if !cb.RecordFailure() {
		return false
	}
	m.Invalidate(retailerID)
	return true
}

// Invalidate drops the retailer's jar and clients. The next use rebuilds them.
// The generation advances even if no request has used the session yet.
func (m *Manager) Invalidate(retailerID string) {
	m.mu.Lock()
	s := m.sessionLocked(retailerID)
	m.mu.Unlock()
	s.reset()
	zap.L().Warn("session: invalidated after repeated hard failures",
		zap.String("retailer", retailerID),
		zap.Int("generation", s.Generation()),
	)
}

// BreakerState reports the retailer's breaker state.
func (m *Manager) BreakerState(retailerID string) resilience.CircuitState {
	return m.breakers.Get(retailerID).State()
}

// Len returns the number of sessions created so far.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
