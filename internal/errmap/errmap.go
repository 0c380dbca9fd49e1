// Package errmap translates back-end and internal failures into a single
// wire-level error shape carrying a stable error kind, SQL state, vendor
// code, and message, per the eleven named error kinds.
package errmap

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// Kind is one of the eleven stable error kinds. These are identifiers, not
// exported Go type names, matching the "kind (not type names)" framing.
type Kind string

const (
	KindBackendSQLError    Kind = "backend-sql-error"
	KindPoolExhausted      Kind = "pool-exhausted"
	KindSessionNotFound    Kind = "session-not-found"
	KindHandleNotFound     Kind = "handle-not-found"
	KindSegregatorTimeout  Kind = "segregator-timeout"
	KindXALimitReached     Kind = "xa-limit-reached"
	KindXAProtocolError    Kind = "xa-protocol-error"
	KindConfigInvalid      Kind = "config-invalid"
	KindSecurityDenied     Kind = "security-denied"
	KindTransportFailure   Kind = "transport-failure"
	KindCancelled          Kind = "cancelled"
)

// unknownSQLState is used when a back-end error carries no recognizable
// SQL state, per spec.md §4.J ("unknown back-end errors pass through with
// SQL state HY000").
const unknownSQLState = "HY000"

// connectionErrorClass is the SQL state class ("08") that marks a back-end
// connection as non-recoverable (spec.md §7); IsConnectionFatal reports it.
// No dispatcher path acts on it: a session that observes this class stays
// open until it is terminated or reaped.
const connectionErrorClass = "08"

// Error is the wire-level error value returned to callers. It carries
// enough detail to reconstruct a faithful client-side error without
// leaking the internal Go error chain.
type Error struct {
	Kind         Kind
	SQLState     string
	VendorCode   int
	Message      string
	ChainSummary string
}

func (e *Error) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("%s [%s/%d]: %s", e.Kind, e.SQLState, e.VendorCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a wire-level error of the given kind with no backend SQL
// state attached (used for non-SQL failures: pool exhaustion, timeouts,
// admission denial, and the like).
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FromBackend maps an error returned by the MySQL driver into the wire
// error shape, preserving the vendor error code. go-sql-driver/mysql does
// not expose a standard SQLSTATE field on *mysql.MySQLError, so a static
// table (mysqlSQLStates) maps the handful of vendor codes this proxy cares
// about; anything absent from the table passes through as HY000 per
// spec.md §4.J.
func FromBackend(err error) *Error {
	if err == nil {
		return nil
	}
	var merr *mysql.MySQLError
	if errors.As(err, &merr) {
		state := mysqlSQLStates[merr.Number]
		if state == "" {
			state = unknownSQLState
		}
		return &Error{
			Kind:       KindBackendSQLError,
			SQLState:   state,
			VendorCode: int(merr.Number),
			Message:    merr.Message,
		}
	}
	return &Error{
		Kind:     KindBackendSQLError,
		SQLState: unknownSQLState,
		Message:  err.Error(),
	}
}

// IsConnectionFatal reports whether a backend-sql-error indicates the
// underlying physical connection is no longer usable and the owning
// session should be closed rather than kept alive (spec.md §7: "the server
// does not close the session unless the back-end driver reports the
// connection as non-recoverable (state class 08)").
func (e *Error) IsConnectionFatal() bool {
	return e.Kind == KindBackendSQLError && len(e.SQLState) >= 2 && e.SQLState[:2] == connectionErrorClass
}

// mysqlSQLStates maps the MySQL vendor error numbers this proxy explicitly
// cares about (connection loss, deadlock, duplicate key) to their SQL
// state. This is intentionally small; everything else resolves to
// HY000 by design, not by omission.
var mysqlSQLStates = map[uint16]string{
	1042: "08001", // can't connect to server
	1043: "08001", // bad handshake
	1152: "08S01", // aborted connection
	1153: "08S01", // got a packet bigger than max_allowed_packet
	1154: "08S01", // read error from connection pipe
	1155: "08S01", // fnctl error
	1156: "08S01", // packets out of order
	1157: "08S01", // couldn't uncompress packet
	1158: "08S01", // got an error writing communication packets
	1159: "08S01", // got timeout writing communication packets
	1160: "08S01", // got an error reading communication packets
	1161: "08S01", // got timeout reading communication packets
	1205: "HY000", // lock wait timeout
	1213: "40001", // deadlock
	1062: "23000", // duplicate key entry
}
