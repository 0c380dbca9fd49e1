package client

import (
	"context"
	"database/sql/driver"
	"fmt"
)

// Stmt implements database/sql/driver.Stmt, delegating to the owning
// Conn's Exec/Query paths with the prepared query text. There is nothing
// to actually prepare server-side: the session dispatcher parses SQL
// fresh per call, so Stmt just remembers the query and placeholder count.
type Stmt struct {
	conn     *Conn
	query    string
	numInput int
	closed   bool
}

func (s *Stmt) Close() error {
	s.closed = true
	return nil
}

func (s *Stmt) NumInput() int {
	return s.numInput
}

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	if s.closed {
		return nil, fmt.Errorf("statement is closed")
	}
	return s.conn.Exec(s.query, args)
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	if s.closed {
		return nil, fmt.Errorf("statement is closed")
	}
	return s.conn.Query(s.query, args)
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if s.closed {
		return nil, fmt.Errorf("statement is closed")
	}
	return s.conn.ExecContext(ctx, s.query, args)
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if s.closed {
		return nil, fmt.Errorf("statement is closed")
	}
	return s.conn.QueryContext(ctx, s.query, args)
}

// Result implements driver.Result from the rowsAffected/lastInsertId the
// server reports in a wire.ExecUpdateReply.
type Result struct {
	affectedRows int64
	lastInsertID int64
}

func (r *Result) LastInsertId() (int64, error) {
	return r.lastInsertID, nil
}

func (r *Result) RowsAffected() (int64, error) {
	return r.affectedRows, nil
}

// countPlaceholders counts the ? parameter placeholders in a SQL query,
// skipping any that fall inside a quoted string literal.
func countPlaceholders(query string) int {
	count := 0
	inString := false
	escaped := false

	for _, char := range query {
		switch {
		case escaped:
			escaped = false
		case char == '\\':
			escaped = true
		case char == '\'' && !escaped:
			inString = !inString
		case char == '?' && !inString && !escaped:
			count++
		}
	}

	return count
}
