// Package dsmanager implements the connection/session manager: lifecycle
// of datasources and sessions, lazy physical-connection acquisition, and
// cleanup on terminate.
package dsmanager

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/poolprov"
)

// Variant names one of the four datasource-entry shapes spec.md §4.D
// enumerates.
type Variant int

const (
	VariantPooledNonXA Variant = iota
	VariantUnpooledNonXA
	VariantPooledXA
	VariantUnpooledXA
)

func (v Variant) IsXA() bool {
	return v == VariantPooledXA || v == VariantUnpooledXA
}

func (v Variant) IsPooled() bool {
	return v == VariantPooledNonXA || v == VariantPooledXA
}

// ConnectionParams are the raw parameters needed to open a physical
// connection directly, used by both unpooled variants and by the pool
// provider when building a pooled entry.
type ConnectionParams struct {
	URL              string
	User             string
	PasswordSupplier func() (string, error)
	DriverName       string
}

// ConnectionDetails is the input to Connect: everything the statement
// dispatcher's connect operation (spec.md §4.E) gathers before a
// datasource entry can be resolved or reused.
type ConnectionDetails struct {
	URL              string
	User             string
	PasswordSupplier func() (string, error)
	DriverName       string
	DatasourceName   string // defaults to "default"; see the connection URL grammar in spec.md §6
	ClientID         string
	IsXA             bool
	Pooled           bool
	MaxPoolSize      int
	MinIdle          int
	AcquireTimeout   time.Duration
	IdleTimeout      time.Duration
	MaxLifetime      time.Duration
	ValidationQuery  string
	XAMaxConcurrent  int64
	XAStartTimeout   time.Duration

	// DefaultTransactionIsolation is the level a pooled connection is reset
	// to on release once marked dirty (see poolprov's Open Question
	// resolution). Zero value defaults to sql.LevelRepeatableRead.
	DefaultTransactionIsolation sql.IsolationLevel
}

// TransactionLimiter bounds the number of concurrently active XA branches
// against one datasource, per spec.md §3 ("a bounded counting semaphore
// with a configurable acquire timeout"). It lives here, not in the XA
// coordinator package, because the data model places it on the datasource
// entry itself (spec.md §3: "a native XA datasource factory plus a
// TransactionLimiter"), and the XA coordinator (component H) depends on
// the connection manager (component D), never the reverse.
type TransactionLimiter struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewTransactionLimiter builds a limiter admitting at most maxConcurrent
// simultaneous branches, with acquires bounded by timeout.
func NewTransactionLimiter(maxConcurrent int64, timeout time.Duration) *TransactionLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &TransactionLimiter{sem: semaphore.NewWeighted(maxConcurrent), timeout: timeout}
}

// Acquire blocks for up to the configured timeout waiting for a permit,
// failing with xa-limit-reached on expiry.
func (l *TransactionLimiter) Acquire(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.sem.Acquire(cctx, 1); err != nil {
		return errmap.New(errmap.KindXALimitReached, "no XA permit available within %s", l.timeout)
	}
	return nil
}

// Release returns the permit. Per spec.md §4.H this must happen exactly
// once per transaction, on commit or rollback — never on prepare, and
// never twice.
func (l *TransactionLimiter) Release() {
	l.sem.Release(1)
}

// DatasourceEntry is the resolved, cached shape for one connHash: either a
// pool (pooled variants) or raw parameters (unpooled variants), plus an XA
// limiter when the variant is one of the two XA shapes. Entries are
// insert-only once created; the manager's mutex guards the "first connect
// creates entry" race (spec.md §5: "a sentinel guards the first connect
// creates entry race").
type DatasourceEntry struct {
	Fingerprint    string
	Variant        Variant
	Pool           poolprov.Pool // non-nil for pooled variants
	Params         ConnectionParams
	AcquireTimeout time.Duration
	XALimiter      *TransactionLimiter // non-nil iff Variant.IsXA()
}
