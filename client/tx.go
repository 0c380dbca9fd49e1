package client

import "context"

// Tx implements database/sql/driver.Tx for ordinary (non-XA) transactions.
// The session on the server side already serializes every statement sent
// on it, so a transaction here is just COMMIT/ROLLBACK executed on the
// same session that ran BEGIN, generalizing the teacher's tx.go command
// exchange now that statement execution itself carries the session id.
type Tx struct {
	conn *Conn
	done bool
}

func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(context.Background(), "COMMIT", nil)
	return err
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(context.Background(), "ROLLBACK", nil)
	return err
}
