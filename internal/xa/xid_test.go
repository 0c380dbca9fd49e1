package xa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestXidKeyIsStableForEqualValues(t *testing.T) {
	a := Xid{FormatID: 1, GTrid: []byte("gtrid"), Bqual: []byte("bqual")}
	b := Xid{FormatID: 1, GTrid: []byte("gtrid"), Bqual: []byte("bqual")}
	assert.Equal(t, a.Key(), b.Key())
}

func TestXidKeyDiffersOnBranchQualifier(t *testing.T) {
	a := Xid{FormatID: 1, GTrid: []byte("gtrid"), Bqual: []byte("bqual-1")}
	b := Xid{FormatID: 1, GTrid: []byte("gtrid"), Bqual: []byte("bqual-2")}
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestXidValidateRejectsEmptyGtrid(t *testing.T) {
	x := Xid{FormatID: 1, GTrid: nil, Bqual: []byte("b")}
	assert.Error(t, x.validate())
}

func TestXidValidateRejectsOversizedGtrid(t *testing.T) {
	x := Xid{FormatID: 1, GTrid: make([]byte, maxGtridLen+1)}
	assert.Error(t, x.validate())
}

func TestXidSQLLiteralHexEncodesComponents(t *testing.T) {
	x := Xid{FormatID: 7, GTrid: []byte{0x01, 0x02}, Bqual: []byte{0xff}}
	assert.Equal(t, "0x0102,0xff,7", x.sqlLiteral())
}
