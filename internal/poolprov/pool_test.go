package poolprov

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsolationResetStatement(t *testing.T) {
	cases := map[sql.IsolationLevel]string{
		sql.LevelReadUncommitted: "SET SESSION TRANSACTION ISOLATION LEVEL READ UNCOMMITTED",
		sql.LevelReadCommitted:   "SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED",
		sql.LevelRepeatableRead:  "SET SESSION TRANSACTION ISOLATION LEVEL REPEATABLE READ",
		sql.LevelSerializable:    "SET SESSION TRANSACTION ISOLATION LEVEL SERIALIZABLE",
	}
	for level, want := range cases {
		assert.Equal(t, want, isolationResetStatement(level))
	}
}

func TestConnMarkIsolationDirty(t *testing.T) {
	c := &Conn{}
	assert.False(t, c.IsolationDirty)
	c.MarkIsolationDirty()
	assert.True(t, c.IsolationDirty)
}
