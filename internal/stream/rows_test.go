package stream

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDataset is a fixed set of rows a fakeConn replays, keyed by the DSN
// sql.Open is called with so each test can register its own dataset
// against the single process-wide "stream-fake" driver registration.
type fakeDataset struct {
	columns []string
	rows    [][]driver.Value
}

var (
	fakeRegistryMu sync.Mutex
	fakeRegistry   = map[string]*fakeDataset{}
	registerOnce   sync.Once
)

type fakeDriver struct{}

func (fakeDriver) Open(name string) (driver.Conn, error) {
	fakeRegistryMu.Lock()
	ds, ok := fakeRegistry[name]
	fakeRegistryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no fake dataset registered for dsn %q", name)
	}
	return &fakeConn{ds: ds}, nil
}

type fakeConn struct{ ds *fakeDataset }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) { return &fakeStmt{ds: c.ds}, nil }
func (c *fakeConn) Close() error                              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)                 { return nil, fmt.Errorf("not implemented") }

type fakeStmt struct{ ds *fakeDataset }

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }
func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return nil, fmt.Errorf("not implemented")
}
func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return &fakeRows{columns: s.ds.columns, rows: s.ds.rows}, nil
}

type fakeRows struct {
	columns []string
	rows    [][]driver.Value
	pos     int
}

func (r *fakeRows) Columns() []string { return r.columns }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

// openFakeRows registers ds under a dsn unique to the calling test and
// returns a *sql.Rows backed by it.
func openFakeRows(t *testing.T, ds *fakeDataset) *sql.Rows {
	t.Helper()
	registerOnce.Do(func() { sql.Register("stream-fake", fakeDriver{}) })

	dsn := t.Name()
	fakeRegistryMu.Lock()
	fakeRegistry[dsn] = ds
	fakeRegistryMu.Unlock()

	db, err := sql.Open("stream-fake", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query("SELECT * FROM fake")
	require.NoError(t, err)
	return rows
}

func TestBlockCursorSplitsIntoConfiguredBlockSizes(t *testing.T) {
	ds := &fakeDataset{columns: []string{"id"}}
	for i := 0; i < 250; i++ {
		ds.rows = append(ds.rows, []driver.Value{int64(i)})
	}
	rows := openFakeRows(t, ds)

	cursor, err := NewBlockCursor("rs-1", rows, 100)
	require.NoError(t, err)

	b1, err := cursor.NextBlock()
	require.NoError(t, err)
	assert.Len(t, b1.Rows, 100)
	assert.True(t, b1.More)
	assert.Equal(t, []string{"id"}, b1.Columns)

	b2, err := cursor.NextBlock()
	require.NoError(t, err)
	assert.Len(t, b2.Rows, 100)
	assert.True(t, b2.More)
	assert.Nil(t, b2.Columns, "columns are only sent on the first block")

	b3, err := cursor.NextBlock()
	require.NoError(t, err)
	assert.Len(t, b3.Rows, 50)
	assert.False(t, b3.More)
}

func TestRowByRowCursorAdvancesOneRowAtATime(t *testing.T) {
	ds := &fakeDataset{columns: []string{"id"}, rows: [][]driver.Value{{int64(1)}, {int64(2)}}}
	rows := openFakeRows(t, ds)

	cursor, err := NewRowByRowCursor("rs-2", rows)
	require.NoError(t, err)

	b1, ok1, err := cursor.Next()
	require.NoError(t, err)
	require.True(t, ok1)
	assert.Len(t, b1.Rows, 1)
	assert.Equal(t, []string{"id"}, b1.Columns)

	b2, ok2, err := cursor.Next()
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Nil(t, b2.Columns)

	_, ok3, err := cursor.Next()
	require.NoError(t, err)
	assert.False(t, ok3)
}
