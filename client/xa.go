package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ojp-proxy/ojp-go/internal/wire"
)

// Xid identifies a distributed transaction branch, mirroring internal/xa.Xid.
type Xid struct {
	FormatID int32
	GTrid    []byte
	Bqual    []byte
}

func (x Xid) wire() wire.Xid {
	return wire.Xid{FormatID: x.FormatID, GTrid: x.GTrid, Bqual: x.Bqual}
}

// RecoveredXid is a prepared-but-undecided branch returned by Recover.
type RecoveredXid struct {
	FormatID int32
	GTridLen int
	BqualLen int
	Data     string
}

// XAResource exposes the two-phase-commit verbs a distributed transaction
// manager drives (spec.md §4.H). database/sql has no XA support, so this
// is a separate API obtained from a *sql.Conn that was opened with the
// DSN's xa=true, rather than a driver.Tx.
type XAResource struct {
	conn *Conn
}

// XA returns the XAResource bound to this connection's session. The
// connection must have been opened with xa=true in the DSN.
func (c *Conn) XA() *XAResource {
	return &XAResource{conn: c}
}

func (x *XAResource) call(ctx context.Context, kind wire.Kind, payload interface{}) (wire.Reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return wire.Reply{}, err
	}
	reply, err := x.conn.call(ctx, wire.Envelope{Kind: kind, Payload: body})
	if err != nil {
		return wire.Reply{}, err
	}
	if reply.Error != "" {
		return wire.Reply{}, wireError(reply)
	}
	return reply, nil
}

func (x *XAResource) Start(ctx context.Context, xid Xid, joinOrResume bool) error {
	_, err := x.call(ctx, wire.KindXAStart, wire.XAStartRequest{SessionID: x.conn.sessionID, Xid: xid.wire(), JoinOrResume: joinOrResume})
	return err
}

func (x *XAResource) End(ctx context.Context, xid Xid, suspend bool) error {
	_, err := x.call(ctx, wire.KindXAEnd, wire.XAEndRequest{SessionID: x.conn.sessionID, Xid: xid.wire(), Suspend: suspend})
	return err
}

func (x *XAResource) Prepare(ctx context.Context, xid Xid) error {
	_, err := x.call(ctx, wire.KindXAPrepare, wire.XAPrepareRequest{SessionID: x.conn.sessionID, Xid: xid.wire()})
	return err
}

func (x *XAResource) Commit(ctx context.Context, xid Xid, onePhase bool) error {
	_, err := x.call(ctx, wire.KindXACommit, wire.XACommitRequest{SessionID: x.conn.sessionID, Xid: xid.wire(), OnePhase: onePhase})
	return err
}

func (x *XAResource) Rollback(ctx context.Context, xid Xid) error {
	_, err := x.call(ctx, wire.KindXARollback, wire.XARollbackRequest{SessionID: x.conn.sessionID, Xid: xid.wire()})
	return err
}

func (x *XAResource) Forget(ctx context.Context, xid Xid) error {
	_, err := x.call(ctx, wire.KindXAForget, wire.XAForgetRequest{SessionID: x.conn.sessionID, Xid: xid.wire()})
	return err
}

func (x *XAResource) Recover(ctx context.Context) ([]RecoveredXid, error) {
	reply, err := x.call(ctx, wire.KindXARecover, wire.XARecoverRequest{SessionID: x.conn.sessionID})
	if err != nil {
		return nil, err
	}
	var recoverReply wire.XARecoverReply
	if err := json.Unmarshal(reply.Payload, &recoverReply); err != nil {
		return nil, fmt.Errorf("decoding xa-recover reply: %w", err)
	}
	out := make([]RecoveredXid, len(recoverReply.Branches))
	for i, b := range recoverReply.Branches {
		out[i] = RecoveredXid{FormatID: b.FormatID, GTridLen: b.GTridLen, BqualLen: b.BqualLen, Data: b.Data}
	}
	return out, nil
}
