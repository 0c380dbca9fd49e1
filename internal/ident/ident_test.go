package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionIDIsUnique(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	assert.NotEqual(t, a, b)
}

func TestDatasourceFingerprintStable(t *testing.T) {
	fp1 := DatasourceFingerprint("jdbc:mysql://host/db", "alice", "default")
	fp2 := DatasourceFingerprint("jdbc:mysql://host/db", "alice", "default")
	assert.Equal(t, fp1, fp2)

	fp3 := DatasourceFingerprint("jdbc:mysql://host/db", "bob", "default")
	assert.NotEqual(t, fp1, fp3)
}

func TestStatementFingerprintNormalizesWhitespace(t *testing.T) {
	fp1 := StatementFingerprint("select  *   from t where id = ?", 1)
	fp2 := StatementFingerprint("SELECT * FROM t WHERE id = ?", 1)
	assert.Equal(t, fp1, fp2, "cosmetic whitespace/case differences should share a fingerprint")

	fp3 := StatementFingerprint("select * from t where id = ?", 2)
	assert.NotEqual(t, fp1, fp3, "different parameter counts must fingerprint differently")
}
