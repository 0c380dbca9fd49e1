// Package poolprov implements the pool provider SPI: an abstract factory
// yielding a pool of physical connections from a PoolConfig record, with
// one built-in fixed-size implementation backed by database/sql.
package poolprov

import (
	"database/sql"
	"time"
)

// PoolConfig is the immutable record describing how to build and size a
// pool for one datasource. Keys for the datasource map are derived
// elsewhere (internal/ident.DatasourceFingerprint) from (URL, user, name),
// not from this struct.
type PoolConfig struct {
	URL                       string `validate:"required"`
	User                      string `validate:"required"`
	PasswordSupplier          func() (string, error)
	DriverClassName           string `validate:"required"`
	MaxPoolSize               int    `validate:"required,min=1"`
	MinIdle                   int    `validate:"min=0"`
	ConnectionAcquireTimeout  time.Duration `validate:"required"`
	IdleTimeout               time.Duration
	MaxLifetime               time.Duration
	ValidationQuery           string
	DefaultTransactionIsolation sql.IsolationLevel
	ProviderProperties        map[string]string
}
