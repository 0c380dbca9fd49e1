package xa

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/ojp-proxy/ojp-go/internal/dsmanager"
	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/metrics"
)

// branchState tracks where a bound xid sits in the XA verb sequence, so an
// out-of-order verb (prepare before end, commit before prepare on a
// two-phase branch) fails fast with xa-protocol-error rather than being
// silently forwarded to the backend.
type branchState int

const (
	branchStarted branchState = iota
	branchEnded
	branchPrepared
)

type branch struct {
	state     branchState
	sessionID string
}

// Coordinator maps proxy sessions onto XA branches on one back-end
// datasource, per spec.md §4.H. One Coordinator is created per XA
// datasource entry and shares that entry's TransactionLimiter.
type Coordinator struct {
	limiter *dsmanager.TransactionLimiter

	metrics    *metrics.Metrics
	datasource string

	mu       sync.Mutex
	branches map[string]*branch
}

// New builds a coordinator bound to limiter, the same TransactionLimiter
// instance dsmanager attaches to the owning XA datasource entry.
func New(limiter *dsmanager.TransactionLimiter) *Coordinator {
	return &Coordinator{limiter: limiter, branches: make(map[string]*branch)}
}

// SetMetrics attaches a metrics sink, labeling the branches-active gauge
// with datasource. Optional: a Coordinator with no metrics sink simply
// skips reporting.
func (c *Coordinator) SetMetrics(m *metrics.Metrics, datasource string) {
	c.metrics = m
	c.datasource = datasource
}

// reportActive pushes the current branch count into XABranchesActive. It
// takes c.mu itself, so callers invoke it after releasing c.mu, right after
// a branches-map mutation.
func (c *Coordinator) reportActive() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	n := len(c.branches)
	c.mu.Unlock()
	c.metrics.XABranchesActive.WithLabelValues(c.datasource).Set(float64(n))
}

// Start acquires one permit from the datasource's limiter (bounded by the
// limiter's configured start-timeout), binds xid to sessionID, and issues
// XA START on conn. The permit is held until a matching Commit or
// Rollback, never released on Prepare.
func (c *Coordinator) Start(ctx context.Context, conn *sql.Conn, sessionID string, xid Xid, joinOrResume bool) error {
	if err := xid.validate(); err != nil {
		return err
	}
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}

	key := xid.Key()
	c.mu.Lock()
	if _, exists := c.branches[key]; exists {
		c.mu.Unlock()
		c.limiter.Release()
		return errmap.New(errmap.KindXAProtocolError, "xid %s already bound to a branch", key)
	}
	c.branches[key] = &branch{state: branchStarted, sessionID: sessionID}
	c.mu.Unlock()
	c.reportActive()

	flag := ""
	if joinOrResume {
		flag = " JOIN"
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("XA START %s%s", xid.sqlLiteral(), flag)); err != nil {
		c.mu.Lock()
		delete(c.branches, key)
		c.mu.Unlock()
		c.reportActive()
		c.limiter.Release()
		return errmap.FromBackend(err)
	}
	return nil
}

// End unbinds the branch from further non-XA use of the connection and
// issues XA END. The branch stays registered (now in branchEnded) so
// Prepare or a one-phase Commit can still find it.
func (c *Coordinator) End(ctx context.Context, conn *sql.Conn, xid Xid, suspend bool) error {
	b, err := c.requireBranch(xid, branchStarted)
	if err != nil {
		return err
	}

	flag := " SUCCESS"
	if suspend {
		flag = " SUSPEND"
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("XA END %s%s", xid.sqlLiteral(), flag)); err != nil {
		return errmap.FromBackend(err)
	}

	c.mu.Lock()
	b.state = branchEnded
	c.mu.Unlock()
	return nil
}

// Prepare issues XA PREPARE and reports the backend's vote. MySQL's XA
// PREPARE either succeeds (vote to commit) or returns an error (vote to
// roll back); there is no separate read-only vote surfaced over the wire
// protocol the way the XA specification allows.
func (c *Coordinator) Prepare(ctx context.Context, conn *sql.Conn, xid Xid) error {
	b, err := c.requireBranch(xid, branchEnded)
	if err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("XA PREPARE %s", xid.sqlLiteral())); err != nil {
		return errmap.FromBackend(err)
	}

	c.mu.Lock()
	b.state = branchPrepared
	c.mu.Unlock()
	return nil
}

// Commit issues XA COMMIT and releases the branch's limiter permit exactly
// once, per spec.md §4.H's invariant. onePhase is only valid on an ended
// branch that was never prepared (Start, End, then Commit).
func (c *Coordinator) Commit(ctx context.Context, conn *sql.Conn, xid Xid, onePhase bool) error {
	wantState := branchPrepared
	if onePhase {
		wantState = branchEnded
	}
	if _, err := c.requireBranch(xid, wantState); err != nil {
		return err
	}

	stmt := fmt.Sprintf("XA COMMIT %s", xid.sqlLiteral())
	if onePhase {
		stmt += " ONE PHASE"
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return errmap.FromBackend(err)
	}

	c.releaseBranch(xid)
	return nil
}

// Rollback issues XA ROLLBACK and releases the branch's limiter permit
// exactly once. Valid from any bound state (started, ended, or prepared).
func (c *Coordinator) Rollback(ctx context.Context, conn *sql.Conn, xid Xid) error {
	key := xid.Key()
	c.mu.Lock()
	_, ok := c.branches[key]
	c.mu.Unlock()
	if !ok {
		return errmap.New(errmap.KindXAProtocolError, "xid %s is not bound to an active branch", key)
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("XA ROLLBACK %s", xid.sqlLiteral())); err != nil {
		return errmap.FromBackend(err)
	}

	c.releaseBranch(xid)
	return nil
}

// Forget issues XA FORGET for a heuristically-completed branch. It does
// not touch the limiter: a forgotten branch must already have had its
// permit released by the commit or rollback that heuristically completed
// it; Forget only clears the backend's bookkeeping.
func (c *Coordinator) Forget(ctx context.Context, conn *sql.Conn, xid Xid) error {
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("XA FORGET %s", xid.sqlLiteral())); err != nil {
		return errmap.FromBackend(err)
	}
	key := xid.Key()
	c.mu.Lock()
	delete(c.branches, key)
	c.mu.Unlock()
	c.reportActive()
	return nil
}

// RecoveredXid is one row of an XA RECOVER result.
type RecoveredXid struct {
	FormatID int32
	GTridLen int
	BqualLen int
	Data     string // gtrid followed by bqual, concatenated, per the XA RECOVER wire format
}

// Recover issues XA RECOVER and returns the in-doubt branches the backend
// reports, used to resolve branches left dangling by a prior server crash
// or client disconnect.
func (c *Coordinator) Recover(ctx context.Context, conn *sql.Conn) ([]RecoveredXid, error) {
	rows, err := conn.QueryContext(ctx, "XA RECOVER")
	if err != nil {
		return nil, errmap.FromBackend(err)
	}
	defer rows.Close()

	var out []RecoveredXid
	for rows.Next() {
		var r RecoveredXid
		if err := rows.Scan(&r.FormatID, &r.GTridLen, &r.BqualLen, &r.Data); err != nil {
			return nil, errmap.FromBackend(err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errmap.FromBackend(err)
	}
	return out, nil
}

func (c *Coordinator) requireBranch(xid Xid, want branchState) (*branch, error) {
	key := xid.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.branches[key]
	if !ok {
		return nil, errmap.New(errmap.KindXAProtocolError, "xid %s is not bound to an active branch", key)
	}
	if b.state != want {
		return nil, errmap.New(errmap.KindXAProtocolError, "xid %s: illegal verb for branch state %s", key, stateName(b.state))
	}
	return b, nil
}

func (c *Coordinator) releaseBranch(xid Xid) {
	c.mu.Lock()
	delete(c.branches, xid.Key())
	c.mu.Unlock()
	c.reportActive()
	c.limiter.Release()
}

func stateName(s branchState) string {
	switch s {
	case branchStarted:
		return "started"
	case branchEnded:
		return "ended"
	case branchPrepared:
		return "prepared"
	default:
		return "unknown"
	}
}

// ActiveBranchCount reports the number of branches currently bound,
// regardless of state. Exposed for metrics.
func (c *Coordinator) ActiveBranchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.branches)
}
