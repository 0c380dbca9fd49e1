package client

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net"

	"go.uber.org/zap"

	clientdispatch "github.com/ojp-proxy/ojp-go/client/dispatch"
	"github.com/ojp-proxy/ojp-go/internal/wire"
)

// Conn implements database/sql/driver.Conn over one sticky binding to an
// endpoint selected by client/dispatch. It holds the server-side session
// id returned by connect and re-resolves it if the reconciler closes the
// binding out from under an idle connection.
type Conn struct {
	disp     *clientdispatch.Dispatcher
	conf     *DSNConfig
	log      *zap.Logger
	deviceID string

	binding   *clientdispatch.Binding
	endpoint  *clientdispatch.Endpoint
	sessionID string
	isXA      bool
	closed    bool
}

func newConn(ctx context.Context, disp *clientdispatch.Dispatcher, conf *DSNConfig, log *zap.Logger) (*Conn, error) {
	c := &Conn{disp: disp, conf: conf, log: log, deviceID: conf.DeviceID, isXA: conf.IsXA}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect selects a binding and performs the server-side connect
// handshake, storing the returned session id.
func (c *Conn) connect(ctx context.Context) error {
	binding, endpoint, err := c.disp.Connect(ctx, c.conf.IsXA)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(wire.ConnectRequest{
		RawURL:          c.conf.DatasourceURL,
		User:            c.conf.User,
		Password:        c.conf.Password,
		DriverName:      c.conf.DriverName,
		DatasourceName:  c.conf.DatasourceName,
		ClientID:        outboundIP(),
		IsXA:            c.conf.IsXA,
		Pooled:          c.conf.Pooled,
		MaxPoolSize:     c.conf.MaxPoolSize,
		MinIdle:         c.conf.MinIdle,
		AcquireTimeout:  c.conf.AcquireTimeout,
		IdleTimeout:     c.conf.IdleTimeout,
		MaxLifetime:     c.conf.MaxLifetime,
		ValidationQuery: c.conf.ValidationQuery,
		XAMaxConcurrent: c.conf.XAMaxConcurrent,
		XAStartTimeout:  c.conf.XAStartTimeout,
	})
	if err != nil {
		c.disp.Forget(binding)
		return err
	}

	reply, err := c.disp.Call(ctx, binding, wire.Envelope{Kind: wire.KindConnect, ClientIP: outboundIP(), Payload: payload})
	if err != nil {
		c.disp.Forget(binding)
		return err
	}
	if reply.Error != "" {
		c.disp.Forget(binding)
		return wireError(reply)
	}

	var connReply wire.ConnectReply
	if err := json.Unmarshal(reply.Payload, &connReply); err != nil {
		c.disp.Forget(binding)
		return err
	}

	c.binding = binding
	c.endpoint = endpoint
	c.sessionID = connReply.SessionID
	c.binding.MarkIdle(true)
	return nil
}

// call issues env against c's binding, marking the binding busy for the
// duration so the reconciler never redistributes it mid-call.
func (c *Conn) call(ctx context.Context, env wire.Envelope) (wire.Reply, error) {
	if c.closed {
		return wire.Reply{}, errors.New("connection is closed")
	}
	select {
	case <-c.binding.Closed():
		if err := c.connect(ctx); err != nil {
			return wire.Reply{}, err
		}
	default:
	}
	c.binding.MarkIdle(false)
	defer c.binding.MarkIdle(true)
	return c.disp.Call(ctx, c.binding, env)
}

func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{conn: c, query: query, numInput: countPlaceholders(query)}, nil
}

func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	return c.Prepare(query)
}

func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	ctx := context.Background()
	payload, _ := json.Marshal(wire.TerminateRequest{SessionID: c.sessionID})
	_, _ = c.disp.Call(ctx, c.binding, wire.Envelope{Kind: wire.KindTerminate, Payload: payload})
	c.disp.Forget(c.binding)
	return nil
}

func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.isXA {
		return nil, errors.New("XA sessions use the explicit XAResource API, not database/sql transactions")
	}
	if _, err := c.ExecContext(ctx, "BEGIN", nil); err != nil {
		return nil, err
	}
	return &Tx{conn: c}, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	payload, _ := json.Marshal(wire.PingRequest{ClientID: outboundIP()})
	reply, err := c.call(ctx, wire.Envelope{Kind: wire.KindPing, Payload: payload})
	if err != nil {
		return driver.ErrBadConn
	}
	if reply.Error != "" {
		return wireError(reply)
	}
	return nil
}

func (c *Conn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, valuesToNamed(args))
}

func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	payload, err := json.Marshal(wire.ExecRequest{SessionID: c.sessionID, SQL: query, Params: namedToArgs(args)})
	if err != nil {
		return nil, err
	}
	reply, err := c.call(ctx, wire.Envelope{Kind: wire.KindExecQuery, Payload: payload})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, wireError(reply)
	}
	var queryReply wire.ExecQueryReply
	if err := json.Unmarshal(reply.Payload, &queryReply); err != nil {
		return nil, err
	}
	return newRows(c, queryReply.ResultSetID, queryReply.Block), nil
}

func (c *Conn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, valuesToNamed(args))
}

func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	payload, err := json.Marshal(wire.ExecRequest{SessionID: c.sessionID, SQL: query, Params: namedToArgs(args)})
	if err != nil {
		return nil, err
	}
	reply, err := c.call(ctx, wire.Envelope{Kind: wire.KindExecUpdate, Payload: payload})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, wireError(reply)
	}
	var updateReply wire.ExecUpdateReply
	if err := json.Unmarshal(reply.Payload, &updateReply); err != nil {
		return nil, err
	}
	return &Result{affectedRows: updateReply.RowsAffected, lastInsertID: updateReply.LastInsertID}, nil
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

func namedToArgs(args []driver.NamedValue) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

// wireError reconstructs an error carrying the server's stable error kind
// and SQL state, so callers inspecting err don't just see a flattened
// string.
func wireError(reply wire.Reply) error {
	return &RemoteError{Kind: reply.ErrorKind, SQLState: reply.SQLState, VendorCode: reply.VendorCode, Message: reply.Error}
}

// RemoteError is the client-side reconstruction of internal/errmap.Error,
// carried over the wire in a wire.Reply.
type RemoteError struct {
	Kind       string
	SQLState   string
	VendorCode int
	Message    string
}

func (e *RemoteError) Error() string { return e.Message }

// outboundIP reports the local address used to reach the network, for
// the clientIP field the server's IP admission filter checks.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
