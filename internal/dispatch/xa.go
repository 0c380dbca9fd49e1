package dispatch

import (
	"context"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/xa"
)

// XAStart binds xid to the session and issues XA START, acquiring one
// permit from the datasource's transaction limiter. Per spec.md §4.H the
// permit is held until Commit or Rollback, never released on Prepare.
func (d *Dispatcher) XAStart(ctx context.Context, sessionID string, xid xa.Xid, joinOrResume bool) error {
	sess, err := d.getSession(sessionID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()
	sess.Touch()

	if !sess.IsXA {
		return errmap.New(errmap.KindXAProtocolError, "session %q is not bound to an XA datasource", sessionID)
	}
	conn, err := d.acquire(ctx, sess)
	if err != nil {
		return err
	}
	coord, err := d.coordinatorFor(sess.ConnHash)
	if err != nil {
		return err
	}
	return coord.Start(ctx, conn, sessionID, xid, joinOrResume)
}

// XAEnd issues XA END for a branch previously started on this session.
func (d *Dispatcher) XAEnd(ctx context.Context, sessionID string, xid xa.Xid, suspend bool) error {
	sess, coord, conn, err := d.xaOpContext(ctx, sessionID)
	if err != nil {
		return err
	}
	defer sess.Unlock()
	return coord.End(ctx, conn, xid, suspend)
}

// XAPrepare issues XA PREPARE and reports the backend's commit/rollback
// vote via the returned error (nil means vote to commit).
func (d *Dispatcher) XAPrepare(ctx context.Context, sessionID string, xid xa.Xid) error {
	sess, coord, conn, err := d.xaOpContext(ctx, sessionID)
	if err != nil {
		return err
	}
	defer sess.Unlock()
	return coord.Prepare(ctx, conn, xid)
}

// XACommit issues XA COMMIT, optionally one-phase, and releases the
// branch's limiter permit.
func (d *Dispatcher) XACommit(ctx context.Context, sessionID string, xid xa.Xid, onePhase bool) error {
	sess, coord, conn, err := d.xaOpContext(ctx, sessionID)
	if err != nil {
		return err
	}
	defer sess.Unlock()
	return coord.Commit(ctx, conn, xid, onePhase)
}

// XARollback issues XA ROLLBACK and releases the branch's limiter permit.
func (d *Dispatcher) XARollback(ctx context.Context, sessionID string, xid xa.Xid) error {
	sess, coord, conn, err := d.xaOpContext(ctx, sessionID)
	if err != nil {
		return err
	}
	defer sess.Unlock()
	return coord.Rollback(ctx, conn, xid)
}

// XAForget clears a heuristically-completed branch's backend bookkeeping.
func (d *Dispatcher) XAForget(ctx context.Context, sessionID string, xid xa.Xid) error {
	sess, coord, conn, err := d.xaOpContext(ctx, sessionID)
	if err != nil {
		return err
	}
	defer sess.Unlock()
	return coord.Forget(ctx, conn, xid)
}

// XARecover lists in-doubt branches the backend reports for this session's
// datasource.
func (d *Dispatcher) XARecover(ctx context.Context, sessionID string) ([]xa.RecoveredXid, error) {
	sess, coord, conn, err := d.xaOpContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer sess.Unlock()
	return coord.Recover(ctx, conn)
}
