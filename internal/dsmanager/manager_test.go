package dsmanager

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ojp-proxy/ojp-go/internal/poolprov"
	"github.com/ojp-proxy/ojp-go/internal/session"
)

type fakePool struct {
	acquireCalls int
	releaseCalls int
	closed       bool
}

func (f *fakePool) Acquire(ctx context.Context, timeout time.Duration) (*poolprov.Conn, error) {
	f.acquireCalls++
	return &poolprov.Conn{}, nil
}
func (f *fakePool) Release(c *poolprov.Conn) error { f.releaseCalls++; return nil }
func (f *fakePool) Close() error                   { f.closed = true; return nil }
func (f *fakePool) Stats() sql.DBStats             { return sql.DBStats{} }

func newTestManager(t *testing.T, fp *fakePool) *Manager {
	t.Helper()
	store := session.NewStore()
	log := zap.NewNop()
	return NewManagerWithPoolFactory(store, nil, log, func(poolprov.PoolConfig, *zap.Logger) (poolprov.Pool, error) {
		return fp, nil
	})
}

func TestConnectCreatesEntryOnceAndReusesIt(t *testing.T) {
	fp := &fakePool{}
	m := newTestManager(t, fp)

	details := ConnectionDetails{
		URL: "tcp(host:3306)/db", User: "alice", DriverName: "mysql",
		DatasourceName: "default", Pooled: true, MaxPoolSize: 5,
		AcquireTimeout: time.Second,
	}

	s1, err := m.Connect(context.Background(), details)
	require.NoError(t, err)
	s2, err := m.Connect(context.Background(), details)
	require.NoError(t, err)

	assert.Equal(t, s1.ConnHash, s2.ConnHash, "same URL/user/datasource must resolve to the same entry")
	assert.Len(t, m.entries, 1)
}

func TestAcquireConnectionIsLazyAndIdempotent(t *testing.T) {
	fp := &fakePool{}
	m := newTestManager(t, fp)

	details := ConnectionDetails{
		URL: "tcp(host:3306)/db", User: "alice", DriverName: "mysql",
		DatasourceName: "default", Pooled: true, MaxPoolSize: 5,
		AcquireTimeout: time.Second,
	}
	s, err := m.Connect(context.Background(), details)
	require.NoError(t, err)
	assert.Nil(t, s.Conn, "connect must not acquire a physical connection")

	require.NoError(t, m.AcquireConnection(context.Background(), s))
	assert.NotNil(t, s.Conn)
	assert.Equal(t, 1, fp.acquireCalls)

	require.NoError(t, m.AcquireConnection(context.Background(), s))
	assert.Equal(t, 1, fp.acquireCalls, "second acquire on an already-bound session must be a no-op")
}

func TestConnectRejectsVariantMismatchOnSameFingerprint(t *testing.T) {
	fp := &fakePool{}
	m := newTestManager(t, fp)

	base := ConnectionDetails{
		URL: "tcp(host:3306)/db", User: "alice", DriverName: "mysql",
		DatasourceName: "default", Pooled: true, MaxPoolSize: 5,
		AcquireTimeout: time.Second,
	}
	_, err := m.Connect(context.Background(), base)
	require.NoError(t, err)

	xa := base
	xa.IsXA = true
	xa.XAMaxConcurrent = 1
	xa.XAStartTimeout = time.Second
	_, err = m.Connect(context.Background(), xa)
	require.Error(t, err)
}

func TestShutdownClosesAllPools(t *testing.T) {
	fp := &fakePool{}
	m := newTestManager(t, fp)
	_, err := m.Connect(context.Background(), ConnectionDetails{
		URL: "tcp(host:3306)/db", User: "alice", DriverName: "mysql",
		DatasourceName: "default", Pooled: true, MaxPoolSize: 5,
		AcquireTimeout: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, m.Shutdown())
	assert.True(t, fp.closed)
}
