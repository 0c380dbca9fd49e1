// Package session implements the session store: a concurrent mapping from
// session-id to session record, each holding an exclusively-owned physical
// connection plus per-resource-type handle tables.
package session

import (
	"sync"
	"time"

	"github.com/ojp-proxy/ojp-go/internal/ident"
	"github.com/ojp-proxy/ojp-go/internal/poolprov"
)

// HandleKind names one of the per-resource-type handle tables a session
// carries.
type HandleKind string

const (
	HandleStatement         HandleKind = "statement"
	HandlePreparedStatement HandleKind = "prepared-statement"
	HandleCallableStatement HandleKind = "callable-statement"
	HandleResultSet         HandleKind = "result-set"
	HandleLOB               HandleKind = "lob"
	HandleSavepoint         HandleKind = "savepoint"
	HandleAttribute         HandleKind = "attribute"
)

// closeOrder is the order spec.md §4.C mandates for tearing down a
// session's handles on terminate: result-sets, then LOBs, then the three
// statement-shaped kinds, then savepoints. The connection itself is
// released after every handle kind has been drained. Attributes are opaque
// values with no Close contract and are simply discarded.
var closeOrder = []HandleKind{
	HandleResultSet,
	HandleLOB,
	HandleStatement,
	HandlePreparedStatement,
	HandleCallableStatement,
	HandleSavepoint,
}

// Closer is implemented by any handle value that owns a server-side
// resource needing explicit teardown (a result-set cursor, an open LOB
// writer). Values that don't implement it are simply dropped.
type Closer interface {
	Close() error
}

// Session is a per-client logical session: the session-scoped arena
// spec.md §9 calls for. Resources reachable through its handle tables hold
// the session's ID, not a pointer back to the Session, so there is no
// reference cycle between a session and the resources it owns.
type Session struct {
	ID       string
	ClientID string
	ConnHash string
	IsXA     bool

	Conn *poolprov.Conn

	// XAResource and XAConnection are bound only for XA sessions; see
	// internal/xa for their concrete shape. Declared as interface{} here
	// so the session package does not import the XA package (it would be
	// the only dependency edge pointing the wrong way in the dependency
	// order from spec.md §2).
	XAResource   interface{}
	XAConnection interface{}

	CreatedAt time.Time
	LastUsed  time.Time

	mu      sync.Mutex
	handles map[HandleKind]map[string]interface{}
}

// Lock acquires the session-level mutex every RPC handler that touches
// this session must hold, per spec.md §5 ("All RPC handlers that touch a
// session acquire a session-level mutex; concurrent RPCs on the same
// session queue").
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Touch updates LastUsed to now. Callers hold the session lock when
// calling this from within a dispatcher operation.
func (s *Session) Touch() { s.LastUsed = time.Now() }

// PutHandle inserts value into the named handle table and returns its
// fresh handle id. Handle ids are never reused after removal.
func (s *Session) PutHandle(kind HandleKind, value interface{}) string {
	id := ident.NewHandleID()
	table := s.handles[kind]
	if table == nil {
		table = make(map[string]interface{})
		s.handles[kind] = table
	}
	table[id] = value
	return id
}

// PutHandleWithID inserts value under a caller-chosen id, for handle types
// (result-set cursors) that embed their own id and must be stored under
// that exact value rather than one PutHandle would mint.
func (s *Session) PutHandleWithID(kind HandleKind, id string, value interface{}) {
	table := s.handles[kind]
	if table == nil {
		table = make(map[string]interface{})
		s.handles[kind] = table
	}
	table[id] = value
}

// GetHandle looks up a handle by (kind, id). Lookup by (session-id, uuid)
// is the only legal dereference; the caller is assumed to already hold the
// session for the given session-id (via Store.Get), so only kind+id are
// needed here.
func (s *Session) GetHandle(kind HandleKind, id string) (interface{}, bool) {
	table := s.handles[kind]
	if table == nil {
		return nil, false
	}
	v, ok := table[id]
	return v, ok
}

// RemoveHandle deletes and returns a handle, if present.
func (s *Session) RemoveHandle(kind HandleKind, id string) (interface{}, bool) {
	table := s.handles[kind]
	if table == nil {
		return nil, false
	}
	v, ok := table[id]
	if ok {
		delete(table, id)
	}
	return v, ok
}

// closeAllHandles closes every handle in closeOrder, collecting errors
// rather than stopping at the first failure so a single stuck resource
// does not prevent the rest of the session from being torn down.
func (s *Session) closeAllHandles() []error {
	var errs []error
	for _, kind := range closeOrder {
		table := s.handles[kind]
		for id, v := range table {
			if c, ok := v.(Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
			delete(table, id)
		}
	}
	// Opaque attributes carry no Close contract; just drop them.
	delete(s.handles, HandleAttribute)
	return errs
}
