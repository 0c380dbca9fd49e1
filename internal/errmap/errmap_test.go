package errmap

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestFromBackendKnownVendorCode(t *testing.T) {
	src := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry '1' for key 'PRIMARY'"}
	e := FromBackend(src)
	assert.Equal(t, KindBackendSQLError, e.Kind)
	assert.Equal(t, "23000", e.SQLState)
	assert.Equal(t, 1062, e.VendorCode)
}

func TestFromBackendUnknownVendorCodeFallsBackToHY000(t *testing.T) {
	src := &mysql.MySQLError{Number: 9999, Message: "something exotic"}
	e := FromBackend(src)
	assert.Equal(t, "HY000", e.SQLState)
}

func TestFromBackendNonMySQLError(t *testing.T) {
	e := FromBackend(errors.New("boom"))
	assert.Equal(t, KindBackendSQLError, e.Kind)
	assert.Equal(t, "HY000", e.SQLState)
}

func TestIsConnectionFatal(t *testing.T) {
	fatal := FromBackend(&mysql.MySQLError{Number: 1152, Message: "aborted"})
	assert.True(t, fatal.IsConnectionFatal())

	nonFatal := FromBackend(&mysql.MySQLError{Number: 1062, Message: "dup"})
	assert.False(t, nonFatal.IsConnectionFatal())
}

func TestNewBuildsNonSQLError(t *testing.T) {
	e := New(KindPoolExhausted, "timed out after %s", "200ms")
	assert.Equal(t, KindPoolExhausted, e.Kind)
	assert.Contains(t, e.Error(), "pool-exhausted")
	assert.Empty(t, e.SQLState)
}
