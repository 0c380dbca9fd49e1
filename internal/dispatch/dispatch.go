// Package dispatch implements the statement dispatcher: the RPC-facing
// operations a session performs against its bound datasource (connect,
// execute, fetch, call-resource, LOB transfer, terminate), wiring together
// the session store, connection manager, slow-query segregator, and XA
// coordinator.
package dispatch

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ojp-proxy/ojp-go/internal/dsmanager"
	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/ipfilter"
	"github.com/ojp-proxy/ojp-go/internal/metrics"
	"github.com/ojp-proxy/ojp-go/internal/placeholder"
	"github.com/ojp-proxy/ojp-go/internal/segregator"
	"github.com/ojp-proxy/ojp-go/internal/session"
	"github.com/ojp-proxy/ojp-go/internal/xa"
)

// Config holds the per-process knobs for the pieces Dispatcher creates
// lazily per datasource (the segregator lanes and the LOB block sizes).
// These are process-wide rather than per-datasource-overridable to keep
// the configuration surface bounded; spec.md §6 names the underlying
// per-datasource properties, but nothing in the worked examples requires
// per-datasource values to differ.
type Config struct {
	RowsPerBlock      int
	MaxLOBBlock       int
	SlowSlotPercent   int
	FastTimeout       time.Duration
	SlowTimeout       time.Duration
	IdleTimeout       time.Duration
	MinSamples        int64
	RecomputeEvery    int64
	RecomputeInterval time.Duration
}

// Dispatcher is the statement dispatcher (spec.md §4.E). It holds no
// session state of its own beyond the session store; each operation locks
// the target session for its duration.
type Dispatcher struct {
	cfg      Config
	sessions *session.Store
	conns    *dsmanager.Manager
	filter   *ipfilter.Filter
	resolver *placeholder.Resolver
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu           sync.Mutex
	segregators  map[string]*segregator.Controller
	coordinators map[string]*xa.Coordinator
}

// New builds a dispatcher. m is optional; a nil metrics sink disables
// lane-occupancy and XA-branch reporting.
func New(cfg Config, sessions *session.Store, conns *dsmanager.Manager, filter *ipfilter.Filter, resolver *placeholder.Resolver, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		sessions:     sessions,
		conns:        conns,
		filter:       filter,
		resolver:     resolver,
		metrics:      m,
		log:          log,
		segregators:  make(map[string]*segregator.Controller),
		coordinators: make(map[string]*xa.Coordinator),
	}
}

// ConnectRequest is the input to Connect.
type ConnectRequest struct {
	RemoteAddr       string
	RawURL           string
	User             string
	PasswordSupplier func() (string, error)
	DriverName       string
	DatasourceName   string
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
}

// SessionInfo is Connect's successful result.
type SessionInfo struct {
	SessionID string
	ConnHash  string
	IsXA      bool
}

// Connect validates the client's remote address against the IP admission
// filter and the connection URL's placeholder tokens, then resolves or
// creates the datasource entry and a pending session, per spec.md §4.E.
func (d *Dispatcher) Connect(ctx context.Context, req ConnectRequest) (SessionInfo, error) {
	if d.filter != nil && !d.filter.Allow(req.RemoteAddr) {
		return SessionInfo{}, errmap.New(errmap.KindSecurityDenied, "remote address %q is not admitted", req.RemoteAddr)
	}

	resolvedURL, err := d.resolver.Resolve(req.RawURL)
	if err != nil {
		return SessionInfo{}, err
	}

	sess, err := d.conns.Connect(ctx, dsmanager.ConnectionDetails{
		URL:              resolvedURL,
		User:             req.User,
		PasswordSupplier: req.PasswordSupplier,
		DriverName:       req.DriverName,
		DatasourceName:   req.DatasourceName,
		ClientID:         req.ClientID,
		IsXA:             req.IsXA,
		Pooled:           req.Pooled,
		MaxPoolSize:      req.MaxPoolSize,
		MinIdle:          req.MinIdle,
		AcquireTimeout:   req.AcquireTimeout,
		IdleTimeout:      req.IdleTimeout,
		MaxLifetime:      req.MaxLifetime,
		ValidationQuery:  req.ValidationQuery,
		XAMaxConcurrent:  req.XAMaxConcurrent,
		XAStartTimeout:   req.XAStartTimeout,
	})
	if err != nil {
		return SessionInfo{}, err
	}

	return SessionInfo{SessionID: sess.ID, ConnHash: sess.ConnHash, IsXA: sess.IsXA}, nil
}

// SessionDatasource reports the connection-hash identifying the
// datasource a session is bound to, for metrics labeling by callers
// outside this package. Returns "" if the session is unknown.
func (d *Dispatcher) SessionDatasource(sessionID string) string {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return ""
	}
	return sess.ConnHash
}

// TerminateSession closes all of a session's handles and returns its
// physical connection, idempotently.
func (d *Dispatcher) TerminateSession(sessionID string) error {
	sess, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	return d.sessions.Terminate(sessionID, d.conns.ReleaseOrClose(sess))
}

// segregatorFor lazily builds the slow-query segregator for a datasource
// entry, sized off its configured pool size.
func (d *Dispatcher) segregatorFor(connHash string) (*segregator.Controller, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.segregators[connHash]; ok {
		return s, nil
	}

	entry, ok := d.conns.Entry(connHash)
	if !ok {
		return nil, errmap.New(errmap.KindConfigInvalid, "no datasource entry for connHash %q", connHash)
	}
	poolSize := int64(1)
	if entry.Pool != nil {
		if stats := entry.Pool.Stats(); stats.MaxOpenConnections > 0 {
			poolSize = int64(stats.MaxOpenConnections)
		}
	}

	ctrl := segregator.NewController(segregator.Config{
		PoolSize:          poolSize,
		SlowSlotPercent:   d.cfg.SlowSlotPercent,
		FastTimeout:       d.cfg.FastTimeout,
		SlowTimeout:       d.cfg.SlowTimeout,
		IdleTimeout:       d.cfg.IdleTimeout,
		MinSamples:        d.cfg.MinSamples,
		RecomputeEvery:    d.cfg.RecomputeEvery,
		RecomputeInterval: d.cfg.RecomputeInterval,
		Metrics:           d.metrics,
		Datasource:        connHash,
	})
	d.segregators[connHash] = ctrl
	return ctrl, nil
}

// coordinatorFor lazily builds the XA coordinator for an XA datasource
// entry, sharing its TransactionLimiter.
func (d *Dispatcher) coordinatorFor(connHash string) (*xa.Coordinator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.coordinators[connHash]; ok {
		return c, nil
	}

	entry, ok := d.conns.Entry(connHash)
	if !ok || entry.XALimiter == nil {
		return nil, errmap.New(errmap.KindConfigInvalid, "connHash %q is not an XA datasource", connHash)
	}
	c := xa.New(entry.XALimiter)
	c.SetMetrics(d.metrics, connHash)
	d.coordinators[connHash] = c
	return c, nil
}

// acquire ensures sess owns a physical connection, binding one lazily on
// first use. Caller must hold sess's lock.
func (d *Dispatcher) acquire(ctx context.Context, sess *session.Session) (*sql.Conn, error) {
	if err := d.conns.AcquireConnection(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Conn.Conn, nil
}

func (d *Dispatcher) getSession(sessionID string) (*session.Session, error) {
	return d.sessions.MustGet(sessionID)
}

// xaOpContext locks sessionID's session, ensures it owns a physical
// connection, and resolves its datasource's XA coordinator. On success the
// caller owns the session lock and must release it (defer sess.Unlock()).
func (d *Dispatcher) xaOpContext(ctx context.Context, sessionID string) (*session.Session, *xa.Coordinator, *sql.Conn, error) {
	sess, err := d.getSession(sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	sess.Lock()
	sess.Touch()

	conn, err := d.acquire(ctx, sess)
	if err != nil {
		sess.Unlock()
		return nil, nil, nil, err
	}
	coord, err := d.coordinatorFor(sess.ConnHash)
	if err != nil {
		sess.Unlock()
		return nil, nil, nil, err
	}
	return sess, coord, conn, nil
}
