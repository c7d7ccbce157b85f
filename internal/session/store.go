package session

import (
	"fmt"
	"sync"

	"github.com/tunnelbroker/broker/internal/core"
)

// maxSessions bounds the number of concurrent sessions a broker
// process holds, mirroring the teacher's maxExecSessions /
// maxPortForwardSessions guard against unbounded resource growth from
// clients that never disconnect cleanly.
const maxSessions = 500

// Store tracks every live Session by id so the HTTP transport can
// reattach a reconnecting websocket to the session it belongs to and
// so /session/{id} can report status. Generalized from
// internal/core.SessionStore: map mutations happen under the lock,
// the caller performs any blocking Close/Cancel work after it
// releases.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*Session
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*Session)}
}

// Put registers sess under its own id. It returns a ResourceExhausted
// error if the store is already at maxSessions.
func (st *Store) Put(sess *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.byID) >= maxSessions {
		return core.NewError(core.ErrorCodeResourceExhausted, fmt.Sprintf("max concurrent sessions (%d) reached", maxSessions))
	}
	st.byID[sess.id] = sess
	return nil
}

// Get looks up a session by id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.byID[id]
	return sess, ok
}

// Remove atomically retrieves and removes the session for id,
// returning nil if no such session exists. Ownership of any teardown
// work transfers to the caller.
func (st *Store) Remove(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.byID[id]
	if !ok {
		return nil
	}
	delete(st.byID, id)
	return sess
}

// Len reports the number of live sessions, for /healthz-style
// introspection.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}
