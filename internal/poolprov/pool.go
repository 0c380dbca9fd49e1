package poolprov

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"time"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/metrics"
	"go.uber.org/zap"
)

// Conn is a single physical connection on loan from a Pool. Its
// IsolationDirty flag implements the Open Question resolution in
// DESIGN.md: Pool.Release resets transaction isolation to the configured
// default only when the flag is set. The flag is set only by
// MarkIsolationDirty, which no statement path in this module calls, so an
// isolation change sent as SQL text is not detected and is not reset.
type Conn struct {
	*sql.Conn
	IsolationDirty bool
	acquiredAt     time.Time

	// unpooledDB is set only for connections opened outside any shared
	// pool (the two unpooled datasource-entry variants in component D).
	// It holds the dedicated single-connection *sql.DB that owns Conn, so
	// CloseUnpooled can release both.
	unpooledDB *sql.DB
}

// NewUnpooledConn wraps a *sql.Conn opened from a dedicated, single-use
// *sql.DB for one of the unpooled datasource-entry variants.
func NewUnpooledConn(conn *sql.Conn, db *sql.DB) *Conn {
	return &Conn{Conn: conn, acquiredAt: time.Now(), unpooledDB: db}
}

// CloseUnpooled closes both the connection and its owning one-shot *sql.DB.
// It is the release path for unpooled datasource entries, which never
// return a connection to a shared pool.
func (c *Conn) CloseUnpooled() error {
	err := c.Conn.Close()
	if c.unpooledDB != nil {
		if derr := c.unpooledDB.Close(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// MarkIsolationDirty records that the session changed this connection's
// transaction isolation away from the pool's configured default.
func (c *Conn) MarkIsolationDirty() {
	c.IsolationDirty = true
}

// Pool is the SPI contract: acquire a connection with a bounded wait,
// release it back, or close the whole pool.
type Pool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*Conn, error)
	Release(c *Conn) error
	Close() error
	Stats() sql.DBStats
}

// fixedSizePool is the one built-in provider implementation spec.md §4.B
// says suffices: a fixed maximum size with idle and lifetime timeouts,
// built directly on database/sql's own pooling (SetMaxOpenConns /
// SetConnMaxLifetime / SetConnMaxIdleTime), since database/sql already
// implements exactly the semantics the pool provider SPI asks for.
type fixedSizePool struct {
	db     *sql.DB
	config PoolConfig
	log    *zap.Logger

	metrics    *metrics.Metrics
	datasource string

	mu sync.Mutex
}

// SetMetrics attaches a metrics sink, labeling the in-use/idle gauges with
// datasource. Optional: a pool with no metrics sink simply skips reporting.
func (p *fixedSizePool) SetMetrics(m *metrics.Metrics, datasource string) {
	p.metrics = m
	p.datasource = datasource
}

// reportStats pushes the underlying *sql.DB's current in-use/idle counts
// into the pool gauges. Called after every Acquire/Release, the two points
// that change occupancy.
func (p *fixedSizePool) reportStats() {
	if p.metrics == nil {
		return
	}
	stats := p.db.Stats()
	p.metrics.PoolInUse.WithLabelValues(p.datasource).Set(float64(stats.InUse))
	p.metrics.PoolIdle.WithLabelValues(p.datasource).Set(float64(stats.Idle))
}

// New opens a fixed-size pool against config using the registered SQL
// driver named by config.DriverClassName (e.g. "mysql"). It does not
// establish any physical connection eagerly; database/sql connections are
// opened lazily on first Acquire, matching spec.md §2's "lazy allocation
// of physical connections on first use".
func New(config PoolConfig, log *zap.Logger) (Pool, error) {
	db, err := sql.Open(config.DriverClassName, config.URL)
	if err != nil {
		return nil, errmap.New(errmap.KindConfigInvalid, "opening pool: %v", err)
	}
	db.SetMaxOpenConns(config.MaxPoolSize)
	db.SetMaxIdleConns(config.MinIdle)
	if config.MaxLifetime > 0 {
		db.SetConnMaxLifetime(config.MaxLifetime)
	}
	if config.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(config.IdleTimeout)
	}
	return &fixedSizePool{db: db, config: config, log: log}, nil
}

// Acquire borrows a connection, failing with pool-exhausted if none
// becomes available within timeout. On a validation failure (the
// configured validation query, or a bare ping when none is configured)
// the connection is evicted and acquire is retried exactly once, per
// spec.md §4.B's "Validation failures evict the connection and retry
// acquire once."
func (p *fixedSizePool) Acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.acquireOnce(cctx)
	if err != nil {
		return nil, err
	}

	if verr := p.validate(cctx, conn); verr != nil {
		p.log.Warn("pool: evicting connection that failed validation", zap.Error(verr))
		// Returning driver.ErrBadConn from Raw makes database/sql discard the
		// physical connection instead of putting it back in the idle pool.
		_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		conn, err = p.acquireOnce(cctx)
		if err != nil {
			return nil, err
		}
		if verr2 := p.validate(cctx, conn); verr2 != nil {
			_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
			return nil, errmap.New(errmap.KindPoolExhausted, "connection failed validation twice: %v", verr2)
		}
	}

	p.reportStats()
	return &Conn{Conn: conn, acquiredAt: time.Now()}, nil
}

func (p *fixedSizePool) acquireOnce(ctx context.Context) (*sql.Conn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errmap.New(errmap.KindPoolExhausted, "acquire timed out: %v", err)
		}
		return nil, errmap.New(errmap.KindPoolExhausted, "acquire failed: %v", err)
	}
	return conn, nil
}

func (p *fixedSizePool) validate(ctx context.Context, conn *sql.Conn) error {
	if p.config.ValidationQuery != "" {
		_, err := conn.ExecContext(ctx, p.config.ValidationQuery)
		return err
	}
	return conn.PingContext(ctx)
}

// Release returns c to the pool. Transaction isolation is reset to the
// configured default only when the connection was marked dirty, per the
// DESIGN.md Open Question resolution. A connection held for longer than
// MaxLifetime since its Acquire is closed outright rather than returned, so
// the next Acquire opens a fresh one.
func (p *fixedSizePool) Release(c *Conn) error {
	defer func() {
		_ = c.Conn.Close()
		p.reportStats()
	}()

	if p.config.MaxLifetime > 0 && time.Since(c.acquiredAt) > p.config.MaxLifetime {
		_ = c.Conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		return nil
	}

	if c.IsolationDirty {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := c.Conn.ExecContext(ctx, isolationResetStatement(p.config.DefaultTransactionIsolation)); err != nil {
			p.log.Warn("pool: failed to reset transaction isolation on release", zap.Error(err))
		}
	}
	return nil
}

func (p *fixedSizePool) Close() error {
	return p.db.Close()
}

func (p *fixedSizePool) Stats() sql.DBStats {
	return p.db.Stats()
}

func isolationResetStatement(level sql.IsolationLevel) string {
	name := "REPEATABLE READ"
	switch level {
	case sql.LevelReadUncommitted:
		name = "READ UNCOMMITTED"
	case sql.LevelReadCommitted:
		name = "READ COMMITTED"
	case sql.LevelRepeatableRead:
		name = "REPEATABLE READ"
	case sql.LevelSerializable:
		name = "SERIALIZABLE"
	}
	return "SET SESSION TRANSACTION ISOLATION LEVEL " + name
}
