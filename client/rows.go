package client

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"io"

	"github.com/ojp-proxy/ojp-go/internal/wire"
)

// Rows implements database/sql/driver.Rows over a wire.RowBlock, issuing
// KindFetchNext calls through the owning Conn as each block is exhausted
// and More is set, generalizing the teacher's in-memory rows.go cursor to
// the proxy's blocked result-set transport.
type Rows struct {
	conn        *Conn
	resultSetID string
	columns     []string
	rows        [][]wire.Value
	more        bool
	pos         int
}

func newRows(conn *Conn, resultSetID string, block wire.RowBlock) *Rows {
	return &Rows{
		conn:        conn,
		resultSetID: resultSetID,
		columns:     block.Columns,
		rows:        block.Rows,
		more:        block.More,
	}
}

func (r *Rows) Columns() []string {
	return r.columns
}

func (r *Rows) Close() error {
	r.rows = nil
	return nil
}

// Next fills dest with the next row's values, fetching another block from
// the server when the current one is exhausted but more remain. The
// teacher's rows.go returned errors.New("EOF") here, which database/sql
// never recognizes as end of rows; io.EOF is the sentinel it checks for.
func (r *Rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		if !r.more {
			return io.EOF
		}
		if err := r.fetchNext(); err != nil {
			return err
		}
		if len(r.rows) == 0 {
			return io.EOF
		}
	}

	row := r.rows[r.pos]
	r.pos++
	for i, v := range row {
		if v.WasNull {
			dest[i] = nil
		} else {
			dest[i] = v.Data
		}
	}
	return nil
}

func (r *Rows) fetchNext() error {
	payload, err := json.Marshal(wire.FetchNextRequest{SessionID: r.conn.sessionID, ResultSetID: r.resultSetID})
	if err != nil {
		return err
	}
	reply, err := r.conn.call(context.Background(), wire.Envelope{Kind: wire.KindFetchNext, Payload: payload})
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return wireError(reply)
	}
	var block wire.RowBlock
	if err := json.Unmarshal(reply.Payload, &block); err != nil {
		return err
	}
	r.rows = block.Rows
	r.more = block.More
	r.pos = 0
	return nil
}
