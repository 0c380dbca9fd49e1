// Package client provides a database/sql driver for the proxy: it
// presents a standard driver.Conn/Stmt/Rows/Tx surface and translates
// every call into internal/wire envelopes carried over client/dispatch's
// health-checked, load-balanced endpoint set, replacing the teacher's
// single-broker ConnectionManager with a fixed multi-endpoint dispatcher.
package client

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	clientdispatch "github.com/ojp-proxy/ojp-go/client/dispatch"
	"github.com/ojp-proxy/ojp-go/internal/metrics"
)

func init() {
	sql.Register("ojp", &Driver{})
}

// Driver implements database/sql/driver.Driver.
type Driver struct{}

// Open parses dsn and dials every configured endpoint, returning a Conn
// bound to a sticky endpoint selected by client/dispatch.
//
// DSN format (URL query-parameter style):
//
//	deviceID=<id>&endpoints=amqp://host1,amqp://host2&timeout=10s&debug=true
//
// endpoints accepts a comma-separated list; amqp_uri is accepted as a
// single-endpoint alias for compatibility with a one-broker deployment.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	conf, err := parseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("DSN parsing failed: %v", err)
	}

	var log *zap.Logger
	if conf.Debug {
		log, _ = zap.NewDevelopment()
	} else {
		log = zap.NewNop()
	}

	endpoints := make([]*clientdispatch.Endpoint, 0, len(conf.Endpoints))
	for _, addr := range conf.Endpoints {
		transport, err := dialAMQPTransport(addr, conf.DeviceID)
		if err != nil {
			for _, ep := range endpoints {
				_ = ep.Transport.Close()
			}
			return nil, err
		}
		endpoints = append(endpoints, clientdispatch.NewEndpoint(addr, transport))
	}

	disp := clientdispatch.New(rootCtx, endpoints, conf.ProberConfig, processMetrics, log)

	c, err := newConn(rootCtx, disp, conf, log)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// rootCtx governs every dispatcher's background prober/reconciler
// goroutines for the process lifetime; there is no per-DB-handle
// cancellation point in database/sql's driver.Driver interface.
var rootCtx = context.Background()

// processMetrics is the optional metrics sink every Open call's dispatcher
// reports endpoint health and in-flight counts to. database/sql's
// driver.Driver interface gives Open no room for extra constructor
// arguments, so RegisterMetrics fills the same role sql.Register does for
// wiring a driver into a process-wide registry.
var processMetrics *metrics.Metrics

// RegisterMetrics attaches m as the metrics sink for every "ojp" driver
// connection opened afterward. Call it once during process startup before
// the first sql.Open("ojp", ...); it is not safe to call concurrently with
// an Open.
func RegisterMetrics(m *metrics.Metrics) {
	processMetrics = m
}

// DSNConfig holds a parsed Data Source Name: both the RPC-transport
// parameters (endpoints, timeouts) and the back-end connect() parameters
// spec.md §4.E's connect operation needs (target URL, credentials, pool
// sizing, XA participation).
type DSNConfig struct {
	DeviceID  string
	Endpoints []string
	Timeout   time.Duration
	Debug     bool

	ProberConfig clientdispatch.ProberConfig

	DatasourceURL   string
	User            string
	Password        string
	DriverName      string
	DatasourceName  string
	Pooled          bool
	MaxPoolSize     int
	MinIdle         int
	AcquireTimeout  time.Duration
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	ValidationQuery string

	IsXA            bool
	XAMaxConcurrent int64
	XAStartTimeout  time.Duration
}

// parseDSN parses a query-parameter-style DSN into a DSNConfig, applying
// the same sensible defaults the teacher's parseDSN used for timeout and
// debug, generalized to a list of endpoints instead of one amqp_uri.
func parseDSN(dsn string) (*DSNConfig, error) {
	u, err := url.Parse("?" + dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN format: %v", err)
	}
	values := u.Query()

	deviceID := values.Get("deviceID")
	if deviceID == "" {
		return nil, fmt.Errorf("missing required parameter 'deviceID' in DSN")
	}

	var endpoints []string
	if list := values.Get("endpoints"); list != "" {
		for _, addr := range strings.Split(list, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				endpoints = append(endpoints, addr)
			}
		}
	}
	if single := values.Get("amqp_uri"); single != "" {
		endpoints = append(endpoints, single)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("missing required parameter 'endpoints' (or 'amqp_uri') in DSN")
	}
	for _, addr := range endpoints {
		if !strings.HasPrefix(addr, "amqp://") && !strings.HasPrefix(addr, "amqps://") {
			return nil, fmt.Errorf("invalid endpoint %q: must start with 'amqp://' or 'amqps://'", addr)
		}
	}

	timeout := 5 * time.Second
	if s := values.Get("timeout"); s != "" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout format %q: %v", s, err)
		}
		timeout = parsed
	}

	debugStr := strings.ToLower(values.Get("debug"))
	debug := debugStr == "true" || debugStr == "1"

	proberCfg := clientdispatch.DefaultProberConfig()
	if s := values.Get("probe_interval"); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			proberCfg.Interval = parsed
		}
	}
	if s := values.Get("probe_timeout"); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			proberCfg.Timeout = parsed
		}
	}
	if s := values.Get("probe_max_failures"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			proberCfg.MaxConsecutiveFailures = parsed
		}
	}

	driverName := values.Get("driver")
	if driverName == "" {
		driverName = "mysql"
	}
	maxPoolSize := 10
	if s := values.Get("max_pool_size"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			maxPoolSize = parsed
		}
	}
	minIdle := 0
	if s := values.Get("min_idle"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed >= 0 {
			minIdle = parsed
		}
	}
	pooledStr := strings.ToLower(values.Get("pooled"))
	pooled := pooledStr != "false" && pooledStr != "0"
	isXA := values.Get("xa") == "true" || values.Get("xa") == "1"

	acquireTimeout := durationParam(values, "acquire_timeout", 5*time.Second)
	idleTimeout := durationParam(values, "idle_timeout", 10*time.Minute)
	maxLifetime := durationParam(values, "max_lifetime", 30*time.Minute)
	xaStartTimeout := durationParam(values, "xa_start_timeout", time.Second)

	xaMaxConcurrent := int64(10)
	if s := values.Get("xa_max_concurrent"); s != "" {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil && parsed > 0 {
			xaMaxConcurrent = parsed
		}
	}

	return &DSNConfig{
		DeviceID:        deviceID,
		Endpoints:       endpoints,
		Timeout:         timeout,
		Debug:           debug,
		ProberConfig:    proberCfg,
		DatasourceURL:   values.Get("ds_url"),
		User:            values.Get("ds_user"),
		Password:        values.Get("ds_password"),
		DriverName:      driverName,
		DatasourceName:  values.Get("ds_name"),
		Pooled:          pooled,
		MaxPoolSize:     maxPoolSize,
		MinIdle:         minIdle,
		AcquireTimeout:  acquireTimeout,
		IdleTimeout:     idleTimeout,
		MaxLifetime:     maxLifetime,
		ValidationQuery: values.Get("validation_query"),
		IsXA:            isXA,
		XAMaxConcurrent: xaMaxConcurrent,
		XAStartTimeout:  xaStartTimeout,
	}, nil
}

func durationParam(values url.Values, key string, def time.Duration) time.Duration {
	s := values.Get(key)
	if s == "" {
		return def
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		return parsed
	}
	return def
}
