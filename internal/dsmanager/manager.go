package dsmanager

import (
	"context"
	"database/sql"
	"sync"

	"go.uber.org/zap"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/ident"
	"github.com/ojp-proxy/ojp-go/internal/metrics"
	"github.com/ojp-proxy/ojp-go/internal/poolprov"
	"github.com/ojp-proxy/ojp-go/internal/session"
)

// metricsSettable is implemented by pool providers that can report
// occupancy to a metrics sink; poolprov.New's fixedSizePool does, test
// fakes injected via PoolFactory need not.
type metricsSettable interface {
	SetMetrics(m *metrics.Metrics, datasource string)
}

// PoolFactory builds a Pool from a PoolConfig. Injected so tests can
// supply a fake pool without opening a real database/sql connection.
type PoolFactory func(poolprov.PoolConfig, *zap.Logger) (poolprov.Pool, error)

// Manager owns the datasource-entry map and coordinates with the session
// store to implement connect/acquire/terminate.
type Manager struct {
	mu       sync.Mutex
	entries  map[string]*DatasourceEntry
	sessions *session.Store
	newPool  PoolFactory
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewManager builds a connection/session manager over an existing session
// store, using poolprov.New as its pool factory. m is optional; a nil
// metrics sink disables pool occupancy reporting.
func NewManager(sessions *session.Store, m *metrics.Metrics, log *zap.Logger) *Manager {
	return NewManagerWithPoolFactory(sessions, m, log, func(c poolprov.PoolConfig, l *zap.Logger) (poolprov.Pool, error) {
		return poolprov.New(c, l)
	})
}

// NewManagerWithPoolFactory is NewManager with an injectable pool factory,
// used by tests.
func NewManagerWithPoolFactory(sessions *session.Store, m *metrics.Metrics, log *zap.Logger, newPool PoolFactory) *Manager {
	return &Manager{
		entries:  make(map[string]*DatasourceEntry),
		sessions: sessions,
		newPool:  newPool,
		metrics:  m,
		log:      log,
	}
}

// Connect resolves (creating if necessary) the datasource entry for
// details, then creates a pending session with no physical connection yet,
// per spec.md §4.E. Subsequent connects sharing the same (URL, user,
// datasource name) fingerprint reuse the existing entry and its variant;
// a connect attempting to change IsXA or Pooled on a fingerprint already
// bound to a different variant fails fast rather than silently switching
// shapes under a live pool.
func (m *Manager) Connect(ctx context.Context, details ConnectionDetails) (*session.Session, error) {
	if details.DatasourceName == "" {
		details.DatasourceName = "default"
	}
	fp := ident.DatasourceFingerprint(details.URL, details.User, details.DatasourceName)

	entry, err := m.getOrCreateEntry(fp, details)
	if err != nil {
		return nil, err
	}

	sess := m.sessions.Create(details.ClientID, fp, nil, entry.Variant.IsXA())
	return sess, nil
}

func (m *Manager) getOrCreateEntry(fp string, details ConnectionDetails) (*DatasourceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[fp]; ok {
		if e.Variant.IsXA() != details.IsXA {
			return nil, errmap.New(errmap.KindConfigInvalid, "datasource %q already bound as isXA=%v", fp, e.Variant.IsXA())
		}
		if e.Variant.IsPooled() != details.Pooled {
			return nil, errmap.New(errmap.KindConfigInvalid, "datasource %q already bound as pooled=%v", fp, e.Variant.IsPooled())
		}
		return e, nil
	}

	variant := resolveVariant(details.Pooled, details.IsXA)
	params := ConnectionParams{
		URL:              details.URL,
		User:             details.User,
		PasswordSupplier: details.PasswordSupplier,
		DriverName:       details.DriverName,
	}

	entry := &DatasourceEntry{Fingerprint: fp, Variant: variant, Params: params, AcquireTimeout: details.AcquireTimeout}

	if variant.IsPooled() {
		isolation := details.DefaultTransactionIsolation
		if isolation == sql.LevelDefault {
			isolation = sql.LevelRepeatableRead
		}
		pool, err := m.newPool(poolprov.PoolConfig{
			URL:                         details.URL,
			User:                        details.User,
			PasswordSupplier:            details.PasswordSupplier,
			DriverClassName:             details.DriverName,
			MaxPoolSize:                 details.MaxPoolSize,
			MinIdle:                     details.MinIdle,
			ConnectionAcquireTimeout:    details.AcquireTimeout,
			IdleTimeout:                 details.IdleTimeout,
			MaxLifetime:                 details.MaxLifetime,
			ValidationQuery:             details.ValidationQuery,
			DefaultTransactionIsolation: isolation,
		}, m.log)
		if err != nil {
			return nil, err
		}
		if settable, ok := pool.(metricsSettable); ok {
			settable.SetMetrics(m.metrics, fp)
		}
		entry.Pool = pool
	}

	if variant.IsXA() {
		entry.XALimiter = NewTransactionLimiter(details.XAMaxConcurrent, details.XAStartTimeout)
	}

	m.entries[fp] = entry
	return entry, nil
}

func resolveVariant(pooled, isXA bool) Variant {
	switch {
	case pooled && isXA:
		return VariantPooledXA
	case pooled && !isXA:
		return VariantPooledNonXA
	case !pooled && isXA:
		return VariantUnpooledXA
	default:
		return VariantUnpooledNonXA
	}
}

// AcquireConnection lazily binds a physical connection to sess on first
// use, per spec.md §2 ("lazy allocation of physical connections on first
// use"). The caller must already hold sess's lock. A no-op if sess already
// owns a connection.
func (m *Manager) AcquireConnection(ctx context.Context, sess *session.Session) error {
	if sess.Conn != nil {
		return nil
	}

	m.mu.Lock()
	entry, ok := m.entries[sess.ConnHash]
	m.mu.Unlock()
	if !ok {
		return errmap.New(errmap.KindConfigInvalid, "no datasource entry for connHash %q", sess.ConnHash)
	}

	if entry.Variant.IsPooled() {
		conn, err := entry.Pool.Acquire(ctx, entry.AcquireTimeout)
		if err != nil {
			return err
		}
		sess.Conn = conn
		return nil
	}

	conn, err := openUnpooledConnection(ctx, entry.Params)
	if err != nil {
		return err
	}
	sess.Conn = conn
	return nil
}

// openUnpooledConnection opens a dedicated *sql.DB limited to a single
// connection, used for the two unpooled variants, where spec.md §3
// describes "stored raw connection parameters used to open a fresh
// physical connection per session" — i.e. no sharing across sessions.
func openUnpooledConnection(ctx context.Context, params ConnectionParams) (*poolprov.Conn, error) {
	db, err := sql.Open(params.DriverName, params.URL)
	if err != nil {
		return nil, errmap.New(errmap.KindConfigInvalid, "opening unpooled connection: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, errmap.New(errmap.KindBackendSQLError, "opening unpooled connection: %v", err)
	}
	return poolprov.NewUnpooledConn(conn, db), nil
}

// ReleaseOrClose is the release function passed to session.Store.Terminate:
// pooled connections go back to their entry's pool, unpooled connections
// and their one-shot *sql.DB are closed outright.
func (m *Manager) ReleaseOrClose(sess *session.Session) func(*poolprov.Conn) error {
	m.mu.Lock()
	entry, ok := m.entries[sess.ConnHash]
	m.mu.Unlock()

	return func(c *poolprov.Conn) error {
		if ok && entry.Variant.IsPooled() {
			return entry.Pool.Release(c)
		}
		return c.CloseUnpooled()
	}
}

// Entry exposes a datasource entry for callers outside this package (the
// XA coordinator needs the limiter; the statement dispatcher needs the
// variant to decide connect-time behavior).
func (m *Manager) Entry(connHash string) (*DatasourceEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[connHash]
	return e, ok
}

// Shutdown closes every pooled datasource entry. Unpooled entries have no
// shared resource to close; their per-session *sql.DB instances are closed
// as each session terminates.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, e := range m.entries {
		if e.Pool != nil {
			if err := e.Pool.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
