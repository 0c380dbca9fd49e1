package session

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/ident"
	"github.com/ojp-proxy/ojp-go/internal/poolprov"
)

// Store is the concurrent session-id → Session mapping, plus a per-client
// index used by ForEachByClient. It is safe for concurrent use; deletion
// is atomic with respect to lookup, so a concurrent Get during Terminate
// observes either the full session or nothing, never a partially-closed
// one.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byClient map[string]map[string]struct{}
}

// NewStore builds an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		byClient: make(map[string]map[string]struct{}),
	}
}

// Create allocates a new session bound to the given client, connection
// fingerprint, and physical connection. conn may be nil for a pending
// session created during connect before a physical connection has been
// acquired (spec.md §4.E: "establishes a pending session record with
// conn-hash, no physical connection yet").
func (st *Store) Create(clientID, connHash string, conn *poolprov.Conn, isXA bool) *Session {
	now := nowFunc()
	s := &Session{
		ID:        ident.NewSessionID(),
		ClientID:  clientID,
		ConnHash:  connHash,
		IsXA:      isXA,
		Conn:      conn,
		CreatedAt: now,
		LastUsed:  now,
		handles:   make(map[HandleKind]map[string]interface{}),
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = s
	set := st.byClient[clientID]
	if set == nil {
		set = make(map[string]struct{})
		st.byClient[clientID] = set
	}
	set[s.ID] = struct{}{}
	return s
}

// Get returns the session for sessionID, or (nil, false) if unknown or
// already terminated.
func (st *Store) Get(sessionID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sessionID]
	return s, ok
}

// MustGet is Get wrapped in the standard session-not-found error.
func (st *Store) MustGet(sessionID string) (*Session, error) {
	s, ok := st.Get(sessionID)
	if !ok {
		return nil, errmap.New(errmap.KindSessionNotFound, "no such session %q", sessionID)
	}
	return s, nil
}

// Terminate closes every handle owned by sessionID in the order
// result-sets → LOBs → statements → savepoints, hands its physical
// connection to release (which returns it to a pool for pooled datasources
// or closes it outright for unpooled ones), and evicts the session from
// the store. It is idempotent: terminating an already-absent or
// already-terminated session is a no-op that returns nil, matching
// spec.md §4.E's "terminate-session ... idempotent". release may be nil
// for sessions that never acquired a physical connection.
func (st *Store) Terminate(sessionID string, release func(*poolprov.Conn) error) error {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok {
		st.mu.Unlock()
		return nil
	}
	delete(st.sessions, sessionID)
	if set := st.byClient[s.ClientID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(st.byClient, s.ClientID)
		}
	}
	st.mu.Unlock()

	s.Lock()
	defer s.Unlock()

	var result *multierror.Error
	for _, err := range s.closeAllHandles() {
		result = multierror.Append(result, err)
	}

	if s.Conn != nil && release != nil {
		if err := release(s.Conn); err != nil {
			result = multierror.Append(result, err)
		}
		s.Conn = nil
	}

	return result.ErrorOrNil()
}

// IdleSince returns the ids of every live session whose last activity is
// at or before cutoff, for the idle-session reaper (spec.md §6's
// `connection.idle.timeout` knob) to terminate.
func (st *Store) IdleSince(cutoff time.Time) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var ids []string
	for id, s := range st.sessions {
		s.Lock()
		idle := !s.LastUsed.After(cutoff)
		s.Unlock()
		if idle {
			ids = append(ids, id)
		}
	}
	return ids
}

// ForEachByClient invokes fn for every live session owned by clientID. The
// callback runs with the store's read lock released, so fn may itself call
// back into the store (e.g. Terminate) without deadlocking.
func (st *Store) ForEachByClient(clientID string, fn func(*Session)) {
	st.mu.RLock()
	ids := make([]string, 0, len(st.byClient[clientID]))
	for id := range st.byClient[clientID] {
		ids = append(ids, id)
	}
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := st.sessions[id]; ok {
			sessions = append(sessions, s)
		}
	}
	st.mu.RUnlock()

	for _, s := range sessions {
		fn(s)
	}
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = defaultNow
