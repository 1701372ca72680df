package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/onelrian/rustflix/internal/events"
	"github.com/onelrian/rustflix/internal/types"
)

// PositionUpdate is a playback heartbeat from a client.
type PositionUpdate struct {
	Position     float64
	PlaybackRate float64
	Paused       bool
	Bandwidth    int64
	BufferHealth float64
	Seek         bool
}

// SessionRegistry tracks live playback sessions in memory. Sessions expire
// when no heartbeat arrives within the idle timeout; SweepExpired evicts
// them and the cleanup loop calls it periodically.
type SessionRegistry struct {
	logger  hclog.Logger
	timeout time.Duration
	bus     events.EventBus
	history History

	mu       sync.RWMutex
	sessions map[string]*types.StreamingSession
}

func NewSessionRegistry(timeout time.Duration, bus events.EventBus, history History, logger hclog.Logger) *SessionRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &SessionRegistry{
		logger:   logger.Named("session-registry"),
		timeout:  timeout,
		bus:      bus,
		history:  history,
		sessions: make(map[string]*types.StreamingSession),
	}
}

// Create registers a new session and returns a snapshot of it.
func (r *SessionRegistry) Create(userID, assetID string, protocol types.StreamingProtocol, quality types.Quality) types.StreamingSession {
	now := time.Now()
	session := &types.StreamingSession{
		ID:           uuid.New().String(),
		UserID:       userID,
		AssetID:      assetID,
		Protocol:     protocol,
		Quality:      quality,
		PlaybackRate: 1.0,
		StartedAt:    now,
		LastActivity: now,
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	r.publish(events.EventSessionStarted, session)
	r.logger.Info("session started", "session_id", session.ID, "user_id", userID, "asset_id", assetID)
	return *session
}

// UpdatePosition applies a heartbeat. Unknown or expired session ids yield
// types.ErrSessionExpired. Position regressions that are not explicit
// seeks are dropped silently so out-of-order heartbeats cannot rewind the
// session.
func (r *SessionRegistry) UpdatePosition(sessionID string, update PositionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return types.ErrSessionExpired
	}

	session.LastActivity = time.Now()

	if update.Position < session.Position && !update.Seek {
		return nil
	}

	session.Position = update.Position
	session.Paused = update.Paused
	if update.PlaybackRate > 0 {
		session.PlaybackRate = update.PlaybackRate
	}
	if update.Bandwidth > 0 {
		session.Bandwidth = update.Bandwidth
	}
	if update.BufferHealth > 0 {
		session.BufferHealth = update.BufferHealth
	}
	return nil
}

// Get returns a snapshot of the session.
func (r *SessionRegistry) Get(sessionID string) (types.StreamingSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return types.StreamingSession{}, types.ErrSessionExpired
	}
	return *session, nil
}

// List returns snapshots of all live sessions.
func (r *SessionRegistry) List() []types.StreamingSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.StreamingSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, *session)
	}
	return out
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// End removes the session, records it to history, and emits a session
// ended event. Ending an unknown session yields types.ErrSessionExpired.
func (r *SessionRegistry) End(sessionID string) error {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return types.ErrSessionExpired
	}

	if r.history != nil {
		r.history.RecordSession(session)
	}
	r.publish(events.EventSessionEnded, session)
	r.logger.Info("session ended", "session_id", sessionID, "position", session.Position)
	return nil
}

// SweepExpired evicts sessions idle past the timeout, recording each as
// ended. Returns the number of evicted sessions.
func (r *SessionRegistry) SweepExpired() int {
	cutoff := time.Now().Add(-r.timeout)

	r.mu.Lock()
	var expired []*types.StreamingSession
	for id, session := range r.sessions {
		if session.LastActivity.Before(cutoff) {
			expired = append(expired, session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, session := range expired {
		if r.history != nil {
			r.history.RecordSession(session)
		}
		r.publish(events.EventSessionEnded, session)
	}
	if len(expired) > 0 {
		r.logger.Info("expired idle sessions", "count", len(expired))
	}
	return len(expired)
}

func (r *SessionRegistry) publish(eventType events.EventType, session *types.StreamingSession) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:   eventType,
		Source: "session-registry",
		Data: map[string]interface{}{
			"session_id": session.ID,
			"user_id":    session.UserID,
			"asset_id":   session.AssetID,
			"protocol":   string(session.Protocol),
			"position":   session.Position,
		},
	})
}
