// Package session implements the session manager (C4): the mapping from a
// container's connection identity to its session id, group, and container
// id. Three maps are kept in lockstep so lookups by any of the three keys
// are O(1) and so create/delete are atomic across all three.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one running container's trusted identity.
type Session struct {
	SessionID          string
	ContainerID        string
	Group              string
	ConnectionIdentity string
	StartedAt          time.Time
}

// Context is the pipeline-visible projection of a Session.
type Context struct {
	SessionID string
	Group     string
	Source    string // container id
	StartedAt time.Time
}

// Manager maintains the three session indexes.
type Manager struct {
	mu           sync.RWMutex
	bySessionID  map[string]*Session
	byIdentity   map[string]*Session
	byContainer  map[string]*Session
	now          func() time.Time
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		bySessionID: make(map[string]*Session),
		byIdentity:  make(map[string]*Session),
		byContainer: make(map[string]*Session),
		now:         time.Now,
	}
}

// Create registers a new session. It rejects the call if connectionIdentity
// or containerID is already bound to an existing session.
func (m *Manager) Create(containerID, group, connectionIdentity string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byIdentity[connectionIdentity]; exists {
		return nil, fmt.Errorf("session: connection identity %q already bound", connectionIdentity)
	}
	if _, exists := m.byContainer[containerID]; exists {
		return nil, fmt.Errorf("session: container id %q already bound", containerID)
	}

	sess := &Session{
		SessionID:          uuid.NewString(),
		ContainerID:        containerID,
		Group:              group,
		ConnectionIdentity: connectionIdentity,
		StartedAt:          m.now(),
	}

	m.bySessionID[sess.SessionID] = sess
	m.byIdentity[connectionIdentity] = sess
	m.byContainer[containerID] = sess

	return sess, nil
}

// Delete removes the session identified by sessionID from all three
// indexes atomically. It is a no-op if the session does not exist.
func (m *Manager) Delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.bySessionID[sessionID]
	if !ok {
		return
	}
	delete(m.bySessionID, sess.SessionID)
	delete(m.byIdentity, sess.ConnectionIdentity)
	delete(m.byContainer, sess.ContainerID)
}

// ErrNotFound is returned by lookups that find no matching session.
var ErrNotFound = fmt.Errorf("session: not found")

// BySessionID looks up a session by session id.
func (m *Manager) BySessionID(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.bySessionID[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ByConnectionIdentity looks up a session by its transport-assigned
// connection identity. This is the lookup the message bus performs for
// every inbound request frame.
func (m *Manager) ByConnectionIdentity(identity string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.byIdentity[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ByContainerID looks up a session by container id.
func (m *Manager) ByContainerID(containerID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.byContainer[containerID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ToContext projects a session to the pipeline-visible view.
func (m *Manager) ToContext(sessionID string) (Context, error) {
	sess, err := m.BySessionID(sessionID)
	if err != nil {
		return Context{}, err
	}
	return Context{
		SessionID: sess.SessionID,
		Group:     sess.Group,
		Source:    sess.ContainerID,
		StartedAt: sess.StartedAt,
	}, nil
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySessionID)
}

// All returns every currently active session. The returned slice is a
// snapshot; mutating the Manager afterward does not affect it.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.bySessionID))
	for _, sess := range m.bySessionID {
		out = append(out, sess)
	}
	return out
}
