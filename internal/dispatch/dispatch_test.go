package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ojp-proxy/ojp-go/internal/session"
	"github.com/ojp-proxy/ojp-go/internal/stream"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Store) {
	t.Helper()
	sessions := session.NewStore()
	d := New(Config{MaxLOBBlock: 8}, sessions, nil, nil, nil, nil, zap.NewNop())
	return d, sessions
}

func TestCallResourceUnknownSessionFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.CallResource("no-such-session", ResourceCall{Kind: ResourceResultSet, HandleID: "x", Method: "close"})
	require.Error(t, err)
}

func TestCallResourceUnknownHandleFails(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess := sessions.Create("client-1", "connhash-1", nil, false)

	_, err := d.CallResource(sess.ID, ResourceCall{Kind: ResourceResultSet, HandleID: "missing", Method: "close"})
	require.Error(t, err)
}

func TestCallResourceResultSetKindHasNoColumnCountMethod(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess := sessions.Create("client-1", "connhash-1", nil, false)

	meta := []stream.ColumnMeta{
		{Name: "id", DatabaseTypeName: "INT", Nullable: false},
		{Name: "name", DatabaseTypeName: "VARCHAR", Nullable: true},
	}
	id := sess.PutHandle(session.HandleResultSet, meta)

	_, err := d.CallResource(sess.ID, ResourceCall{Kind: ResourceResultSet, HandleID: id, Method: "getColumnCount"})
	require.Error(t, err) // ResourceResultSet has no getColumnCount entry
}

func TestCallResourceMetadataGetColumnCount(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess := sessions.Create("client-1", "connhash-1", nil, false)

	meta := []stream.ColumnMeta{
		{Name: "id", DatabaseTypeName: "INT", Nullable: false},
		{Name: "name", DatabaseTypeName: "VARCHAR", Nullable: true},
	}
	id := sess.PutHandle(session.HandleKind(ResourceResultSetMetadata), meta)

	count, err := d.CallResource(sess.ID, ResourceCall{Kind: ResourceResultSetMetadata, HandleID: id, Method: "getColumnCount"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	name, err := d.CallResource(sess.ID, ResourceCall{Kind: ResourceResultSetMetadata, HandleID: id, Method: "getColumnName", Args: []interface{}{1}})
	require.NoError(t, err)
	assert.Equal(t, "name", name)

	nullable, err := d.CallResource(sess.ID, ResourceCall{Kind: ResourceResultSetMetadata, HandleID: id, Method: "isNullable", Args: []interface{}{1}})
	require.NoError(t, err)
	assert.Equal(t, true, nullable)
}

func TestCallResourceMetadataOutOfRangeIndex(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess := sessions.Create("client-1", "connhash-1", nil, false)

	meta := []stream.ColumnMeta{{Name: "id"}}
	id := sess.PutHandle(session.HandleKind(ResourceResultSetMetadata), meta)

	_, err := d.CallResource(sess.ID, ResourceCall{Kind: ResourceResultSetMetadata, HandleID: id, Method: "getColumnName", Args: []interface{}{5}})
	require.Error(t, err)
}

func TestWriteLOBBlockCreatesAndAppends(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess := sessions.Create("client-1", "connhash-1", nil, false)

	ref, err := d.WriteLOBBlock(sess.ID, "", 0, []byte("hello "), false)
	require.NoError(t, err)
	require.NotEmpty(t, ref.LOBID)
	assert.Equal(t, int64(-1), ref.TotalBytes)

	ref2, err := d.WriteLOBBlock(sess.ID, ref.LOBID, 6, []byte("world"), true)
	require.NoError(t, err)
	assert.Equal(t, ref.LOBID, ref2.LOBID)
	assert.Equal(t, int64(11), ref2.TotalBytes)
}

func TestWriteLOBBlockRejectsOversizedBlock(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess := sessions.Create("client-1", "connhash-1", nil, false)

	_, err := d.WriteLOBBlock(sess.ID, "", 0, make([]byte, 9), false)
	require.Error(t, err)
}

func TestDiscardLOBRemovesHandle(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess := sessions.Create("client-1", "connhash-1", nil, false)

	ref, err := d.WriteLOBBlock(sess.ID, "", 0, []byte("abc"), false)
	require.NoError(t, err)

	require.NoError(t, d.DiscardLOB(sess.ID, ref.LOBID))

	_, err = d.WriteLOBBlock(sess.ID, ref.LOBID, 0, []byte("x"), false)
	require.Error(t, err)
}

func TestReadLOBBlockStreamsKnownLength(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess := sessions.Create("client-1", "connhash-1", nil, false)

	id, err := d.OpenLOBForRead(sess.ID, []byte("0123456789"), true)
	require.NoError(t, err)

	b1, err := d.ReadLOBBlock(sess.ID, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b1.Position)
	assert.Equal(t, []byte("01234567"), b1.Data)
	assert.True(t, b1.More)

	b2, err := d.ReadLOBBlock(sess.ID, id)
	require.NoError(t, err)
	assert.Equal(t, int64(8), b2.Position)
	assert.Equal(t, []byte("89"), b2.Data)
	assert.False(t, b2.More)
}

func TestReadLOBBlockUnresolvedReturnsTerminalBlock(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess := sessions.Create("client-1", "connhash-1", nil, false)

	block, err := d.ReadLOBBlock(sess.ID, "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), block.Position)
	assert.False(t, block.More)
	assert.Empty(t, block.Data)
}
