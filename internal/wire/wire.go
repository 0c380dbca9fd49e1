// Package wire defines the RPC message schema shared by the statement
// dispatcher (server side) and the client dispatcher (driver side): one
// envelope type per operation spec.md §4.E/§4.H/§4.I names, replacing the
// teacher's single ad hoc RPCRequest/RPCResponse pair with a typed message
// per verb so a handler can decode exactly the fields its operation needs.
package wire

import "time"

// Kind names the RPC operation an Envelope carries, used as the AMQP
// message's routing discriminant (carried in-band since a single
// device queue multiplexes every operation, per the teacher's queue
// layout).
type Kind string

const (
	KindConnect      Kind = "connect"
	KindTerminate    Kind = "terminate"
	KindExecUpdate   Kind = "exec-update"
	KindExecQuery    Kind = "exec-query"
	KindFetchNext    Kind = "fetch-next"
	KindCallResource Kind = "call-resource"
	KindLOBWrite     Kind = "lob-write"
	KindLOBDiscard   Kind = "lob-discard"
	KindLOBRead      Kind = "lob-read"
	KindXAStart      Kind = "xa-start"
	KindXAEnd        Kind = "xa-end"
	KindXAPrepare    Kind = "xa-prepare"
	KindXACommit     Kind = "xa-commit"
	KindXARollback   Kind = "xa-rollback"
	KindXAForget     Kind = "xa-forget"
	KindXARecover    Kind = "xa-recover"
	KindPing         Kind = "ping"
)

// Envelope is the outer frame every request carries. Payload is the
// operation-specific body, carried as opaque bytes (base64 in the JSON
// frame) so the transport layer can route on Kind before decoding the body.
type Envelope struct {
	Kind     Kind   `json:"kind"`
	ClientIP string `json:"clientIP"`
	Payload  []byte `json:"payload"`
}

// Reply is the outer frame every response carries, mirroring Envelope.
// Error is populated (and Payload empty) exactly when the operation
// failed; ErrorKind carries the stable OJP error kind from internal/errmap
// so the client dispatcher can distinguish transport-level failures
// (worth a failover retry) from application-level ones (not). SQLState and
// VendorCode are carried alongside so a backend-sql-error reconstructs a
// faithful database/sql error on the client rather than a flattened string.
type Reply struct {
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"errorKind,omitempty"`
	SQLState   string `json:"sqlState,omitempty"`
	VendorCode int    `json:"vendorCode,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
}

// ConnectRequest is KindConnect's payload.
type ConnectRequest struct {
	RawURL          string        `json:"url"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	DriverName      string        `json:"driverName"`
	DatasourceName  string        `json:"datasourceName"`
	ClientID        string        `json:"clientId"`
	IsXA            bool          `json:"isXA"`
	Pooled          bool          `json:"pooled"`
	MaxPoolSize     int           `json:"maxPoolSize"`
	MinIdle         int           `json:"minIdle"`
	AcquireTimeout  time.Duration `json:"acquireTimeout"`
	IdleTimeout     time.Duration `json:"idleTimeout"`
	MaxLifetime     time.Duration `json:"maxLifetime"`
	ValidationQuery string        `json:"validationQuery"`
	XAMaxConcurrent int64         `json:"xaMaxConcurrent"`
	XAStartTimeout  time.Duration `json:"xaStartTimeout"`
}

// ConnectReply is KindConnect's successful payload.
type ConnectReply struct {
	SessionID string `json:"sessionId"`
	ConnHash  string `json:"connHash"`
	IsXA      bool   `json:"isXA"`
}

// TerminateRequest is KindTerminate's payload.
type TerminateRequest struct {
	SessionID string `json:"sessionId"`
}

// ExecRequest is shared by KindExecUpdate and KindExecQuery.
type ExecRequest struct {
	SessionID  string        `json:"sessionId"`
	SQL        string        `json:"sql"`
	Params     []interface{} `json:"params"`
	DriverName string        `json:"driverName,omitempty"` // exec-query only
}

// ExecUpdateReply is KindExecUpdate's successful payload.
type ExecUpdateReply struct {
	RowsAffected int64 `json:"rowsAffected"`
	LastInsertID int64 `json:"lastInsertId"`
}

// Value mirrors stream.Value over the wire.
type Value struct {
	Data    interface{} `json:"data"`
	WasNull bool        `json:"wasNull"`
}

// RowBlock mirrors stream.RowBlock over the wire.
type RowBlock struct {
	ResultSetID string     `json:"resultSetId"`
	Columns     []string   `json:"columns,omitempty"`
	Rows        [][]Value  `json:"rows"`
	More        bool       `json:"more"`
}

// ExecQueryReply is KindExecQuery's successful payload.
type ExecQueryReply struct {
	ResultSetID string   `json:"resultSetId"`
	Block       RowBlock `json:"block"`
}

// FetchNextRequest is KindFetchNext's payload.
type FetchNextRequest struct {
	SessionID   string `json:"sessionId"`
	ResultSetID string `json:"resultSetId"`
}

// CallResourceRequest is KindCallResource's payload. Chain is deferred to
// raw JSON so an arbitrarily deep chained call decodes recursively without
// this package needing a self-referential exported type loop with
// internal/dispatch.
type CallResourceRequest struct {
	SessionID string        `json:"sessionId"`
	Kind      string        `json:"kind"`
	HandleID  string        `json:"handleId"`
	Method    string        `json:"method"`
	Args      []interface{} `json:"args"`
	Chain     []byte        `json:"chain,omitempty"`
}

// CallResourceReply is KindCallResource's successful payload.
type CallResourceReply struct {
	Result interface{} `json:"result"`
}

// LOBWriteRequest is KindLOBWrite's payload.
type LOBWriteRequest struct {
	SessionID string `json:"sessionId"`
	LOBID     string `json:"lobId,omitempty"`
	Position  int64  `json:"position"`
	Block     []byte `json:"block"`
	Final     bool   `json:"final"`
}

// LOBWriteReply is KindLOBWrite's successful payload.
type LOBWriteReply struct {
	LOBID      string `json:"lobId"`
	TotalBytes int64  `json:"totalBytes"`
}

// LOBDiscardRequest is KindLOBDiscard's payload.
type LOBDiscardRequest struct {
	SessionID string `json:"sessionId"`
	LOBID     string `json:"lobId"`
}

// LOBReadRequest is KindLOBRead's payload.
type LOBReadRequest struct {
	SessionID string `json:"sessionId"`
	LOBID     string `json:"lobId"`
}

// LOBReadReply is KindLOBRead's successful payload.
type LOBReadReply struct {
	Position int64  `json:"position"`
	Data     []byte `json:"data"`
	More     bool   `json:"more"`
}

// Xid mirrors xa.Xid over the wire.
type Xid struct {
	FormatID int32  `json:"formatId"`
	GTrid    []byte `json:"gtrid"`
	Bqual    []byte `json:"bqual"`
}

// XAStartRequest is KindXAStart's payload.
type XAStartRequest struct {
	SessionID    string `json:"sessionId"`
	Xid          Xid    `json:"xid"`
	JoinOrResume bool   `json:"joinOrResume"`
}

// XAEndRequest is KindXAEnd's payload.
type XAEndRequest struct {
	SessionID string `json:"sessionId"`
	Xid       Xid    `json:"xid"`
	Suspend   bool   `json:"suspend"`
}

// XAPrepareRequest is KindXAPrepare's payload.
type XAPrepareRequest struct {
	SessionID string `json:"sessionId"`
	Xid       Xid    `json:"xid"`
}

// XACommitRequest is KindXACommit's payload.
type XACommitRequest struct {
	SessionID string `json:"sessionId"`
	Xid       Xid    `json:"xid"`
	OnePhase  bool   `json:"onePhase"`
}

// XARollbackRequest is KindXARollback's payload.
type XARollbackRequest struct {
	SessionID string `json:"sessionId"`
	Xid       Xid    `json:"xid"`
}

// XAForgetRequest is KindXAForget's payload.
type XAForgetRequest struct {
	SessionID string `json:"sessionId"`
	Xid       Xid    `json:"xid"`
}

// XARecoverRequest is KindXARecover's payload.
type XARecoverRequest struct {
	SessionID string `json:"sessionId"`
}

// RecoveredXid mirrors xa.RecoveredXid over the wire.
type RecoveredXid struct {
	FormatID int32  `json:"formatId"`
	GTridLen int    `json:"gtridLen"`
	BqualLen int    `json:"bqualLen"`
	Data     string `json:"data"`
}

// XARecoverReply is KindXARecover's successful payload.
type XARecoverReply struct {
	Branches []RecoveredXid `json:"branches"`
}

// PingRequest is KindPing's payload, the driver-side health probe body.
type PingRequest struct {
	ClientID string `json:"clientId"`
}

// PingReply is KindPing's successful payload.
type PingReply struct {
	DeviceID  string    `json:"deviceId"`
	ServerNow time.Time `json:"serverNow"`
}
