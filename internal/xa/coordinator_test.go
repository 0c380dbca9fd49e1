package xa

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ojp-proxy/ojp-go/internal/dsmanager"
	"github.com/ojp-proxy/ojp-go/internal/errmap"
)

func testXid() Xid {
	return Xid{FormatID: 1, GTrid: []byte("gtrid-1"), Bqual: []byte("bqual-1")}
}

func TestEndFailsWhenBranchNotBound(t *testing.T) {
	c := New(dsmanager.NewTransactionLimiter(1, time.Second))
	err := c.End(context.Background(), nil, testXid(), false)
	require.Error(t, err)
	var e *errmap.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errmap.KindXAProtocolError, e.Kind)
}

func TestPrepareFailsWithoutEnd(t *testing.T) {
	c := New(dsmanager.NewTransactionLimiter(1, time.Second))
	xid := testXid()
	// Seed a started (not ended) branch directly, bypassing the backend
	// call Start would otherwise make.
	c.branches[xid.Key()] = &branch{state: branchStarted, sessionID: "s1"}

	err := c.Prepare(context.Background(), nil, xid)
	require.Error(t, err)
}

func TestCommitFailsWithoutPrepareUnlessOnePhase(t *testing.T) {
	c := New(dsmanager.NewTransactionLimiter(1, time.Second))
	xid := testXid()
	c.branches[xid.Key()] = &branch{state: branchStarted, sessionID: "s1"}

	err := c.Commit(context.Background(), nil, xid, false)
	assert.Error(t, err, "two-phase commit requires prepare first")
}

func TestRollbackFailsWhenXidUnbound(t *testing.T) {
	c := New(dsmanager.NewTransactionLimiter(1, time.Second))
	err := c.Rollback(context.Background(), nil, testXid())
	assert.Error(t, err)
}

func TestActiveBranchCountReflectsBranchMap(t *testing.T) {
	c := New(dsmanager.NewTransactionLimiter(2, time.Second))
	assert.Equal(t, 0, c.ActiveBranchCount())

	c.branches["a"] = &branch{state: branchStarted}
	c.branches["b"] = &branch{state: branchEnded}
	assert.Equal(t, 2, c.ActiveBranchCount())
}

func TestStateNameCoversAllStates(t *testing.T) {
	assert.Equal(t, "started", stateName(branchStarted))
	assert.Equal(t, "ended", stateName(branchEnded))
	assert.Equal(t, "prepared", stateName(branchPrepared))
}
