// Package ident provides deterministic fingerprints for connection
// configurations and SQL texts, plus UUID generation for session-scoped
// handles.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NewSessionID returns a process-wide unique session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewHandleID returns a fresh handle identifier. Handles are never reused
// after removal, so callers must not attempt to recycle a returned value.
func NewHandleID() string {
	return uuid.NewString()
}

// DatasourceFingerprint derives the stable key used for the datasource map
// from a connection URL, user name, and logical datasource name. Two
// connect requests that resolve to the same (url, user, name) triple always
// land on the same datasource entry.
func DatasourceFingerprint(url, user, dsName string) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(user))
	h.Write([]byte{0})
	h.Write([]byte(dsName))
	return hex.EncodeToString(h.Sum(nil))
}

// StatementFingerprint derives the key used by the latency store (component
// G) from a SQL text and, when relevant, its parameter count. Leading and
// trailing whitespace and repeated internal whitespace are normalized first
// so that cosmetic differences in otherwise-identical statements share a
// fingerprint.
func StatementFingerprint(sql string, paramCount int) string {
	normalized := normalizeWhitespace(sql)
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(paramCount)))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}
