// Package xa implements the XA / two-phase-commit coordination layer: it
// maps the XA verbs onto a back-end XA datasource's native SQL syntax and
// enforces a per-datasource bound on concurrent active branches.
package xa

import (
	"encoding/hex"
	"fmt"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
)

// Xid is an external XA transaction identifier: a format id plus two byte
// strings (global transaction id and branch qualifier), per the XA
// specification's struct xid_t.
type Xid struct {
	FormatID int32
	GTrid    []byte
	Bqual    []byte
}

const (
	maxGtridLen = 64
	maxBqualLen = 64
)

// Key returns a stable map key for this xid, used to index in-flight
// branches.
func (x Xid) Key() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID, hex.EncodeToString(x.GTrid), hex.EncodeToString(x.Bqual))
}

func (x Xid) validate() error {
	if len(x.GTrid) == 0 || len(x.GTrid) > maxGtridLen {
		return errmap.New(errmap.KindXAProtocolError, "xid global-txn-id must be 1..%d bytes, got %d", maxGtridLen, len(x.GTrid))
	}
	if len(x.Bqual) > maxBqualLen {
		return errmap.New(errmap.KindXAProtocolError, "xid branch-qualifier must be at most %d bytes, got %d", maxBqualLen, len(x.Bqual))
	}
	return nil
}

// sqlLiteral renders the xid as MySQL's native "gtrid,bqual,formatID"
// argument to the XA verbs, the two byte-string components written as 0x
// hex literals so arbitrary bytes need no quoting or escaping.
func (x Xid) sqlLiteral() string {
	gtrid := hex.EncodeToString(x.GTrid)
	bqual := hex.EncodeToString(x.Bqual)
	return fmt.Sprintf("0x%s,0x%s,%d", gtrid, bqual, x.FormatID)
}
