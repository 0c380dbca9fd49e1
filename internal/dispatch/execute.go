package dispatch

import (
	"context"
	"time"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/ident"
	"github.com/ojp-proxy/ojp-go/internal/poolprov"
	"github.com/ojp-proxy/ojp-go/internal/session"
	"github.com/ojp-proxy/ojp-go/internal/stream"
)

// UpdateResult is execute-update's successful result.
type UpdateResult struct {
	RowsAffected int64
	LastInsertID int64
}

// ExecuteUpdate runs sqlText as a non-query statement, serialized on the
// session and admitted through the datasource's slow-query segregator
// under the statement's fingerprint, per spec.md §4.E.
func (d *Dispatcher) ExecuteUpdate(ctx context.Context, sessionID, sqlText string, params []interface{}) (UpdateResult, error) {
	sess, err := d.getSession(sessionID)
	if err != nil {
		return UpdateResult{}, err
	}
	sess.Lock()
	defer sess.Unlock()
	sess.Touch()

	conn, err := d.acquire(ctx, sess)
	if err != nil {
		return UpdateResult{}, err
	}

	fingerprint := ident.StatementFingerprint(sqlText, len(params))
	ctrl, err := d.segregatorFor(sess.ConnHash)
	if err != nil {
		return UpdateResult{}, err
	}
	release, err := ctrl.Admit(ctx, fingerprint)
	if err != nil {
		return UpdateResult{}, err
	}
	defer release()

	start := time.Now()
	res, execErr := conn.ExecContext(ctx, sqlText, params...)
	ctrl.Record(fingerprint, time.Since(start))
	if execErr != nil {
		return UpdateResult{}, errmap.FromBackend(execErr)
	}

	var out UpdateResult
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out, nil
}

// ExecuteQuery runs sqlText as a query, admits it through the segregator,
// opens a result-set handle, and returns its first block. The streaming
// mode (block vs row-by-row) is resolved once per driver, per
// poolprov.ResolveCursorMode, using the datasource entry's own driver
// name rather than asking the caller to supply one it would otherwise
// have to look up itself.
func (d *Dispatcher) ExecuteQuery(ctx context.Context, sessionID, sqlText string, params []interface{}) (string, stream.RowBlock, error) {
	sess, err := d.getSession(sessionID)
	if err != nil {
		return "", stream.RowBlock{}, err
	}
	sess.Lock()
	defer sess.Unlock()
	sess.Touch()

	conn, err := d.acquire(ctx, sess)
	if err != nil {
		return "", stream.RowBlock{}, err
	}

	entry, ok := d.conns.Entry(sess.ConnHash)
	if !ok {
		return "", stream.RowBlock{}, errmap.New(errmap.KindConfigInvalid, "no datasource entry for connHash %q", sess.ConnHash)
	}
	driverName := entry.Params.DriverName

	fingerprint := ident.StatementFingerprint(sqlText, len(params))
	ctrl, err := d.segregatorFor(sess.ConnHash)
	if err != nil {
		return "", stream.RowBlock{}, err
	}
	release, err := ctrl.Admit(ctx, fingerprint)
	if err != nil {
		return "", stream.RowBlock{}, err
	}
	defer release()

	start := time.Now()
	rows, queryErr := conn.QueryContext(ctx, sqlText, params...)
	ctrl.Record(fingerprint, time.Since(start))
	if queryErr != nil {
		return "", stream.RowBlock{}, errmap.FromBackend(queryErr)
	}

	resultSetID := ident.NewHandleID()
	mode := stream.ModeFor(driverName)

	var handle interface{}
	var firstBlock stream.RowBlock
	if mode == poolprov.CursorModeRowByRow {
		cursor, err := stream.NewRowByRowCursor(resultSetID, rows)
		if err != nil {
			_ = rows.Close()
			return "", stream.RowBlock{}, err
		}
		block, _, err := cursor.Next()
		if err != nil {
			_ = cursor.Close()
			return "", stream.RowBlock{}, err
		}
		handle = cursor
		firstBlock = block
	} else {
		cursor, err := stream.NewBlockCursor(resultSetID, rows, d.cfg.RowsPerBlock)
		if err != nil {
			_ = rows.Close()
			return "", stream.RowBlock{}, err
		}
		block, err := cursor.NextBlock()
		if err != nil {
			_ = cursor.Close()
			return "", stream.RowBlock{}, err
		}
		handle = cursor
		firstBlock = block
	}

	sess.PutHandleWithID(session.HandleResultSet, resultSetID, handle)
	return resultSetID, firstBlock, nil
}

// FetchNextRows returns the next block for an open result-set handle.
func (d *Dispatcher) FetchNextRows(ctx context.Context, sessionID, resultSetID string) (stream.RowBlock, error) {
	sess, err := d.getSession(sessionID)
	if err != nil {
		return stream.RowBlock{}, err
	}
	sess.Lock()
	defer sess.Unlock()
	sess.Touch()

	handle, ok := sess.GetHandle(session.HandleResultSet, resultSetID)
	if !ok {
		return stream.RowBlock{}, errmap.New(errmap.KindHandleNotFound, "no open result-set %q", resultSetID)
	}

	switch cursor := handle.(type) {
	case *stream.BlockCursor:
		block, err := cursor.NextBlock()
		if err != nil {
			return stream.RowBlock{}, err
		}
		if !block.More {
			sess.RemoveHandle(session.HandleResultSet, resultSetID)
			_ = cursor.Close()
		}
		return block, nil
	case *stream.RowByRowCursor:
		block, more, err := cursor.Next()
		if err != nil {
			return stream.RowBlock{}, err
		}
		if !more {
			sess.RemoveHandle(session.HandleResultSet, resultSetID)
			_ = cursor.Close()
		}
		return block, nil
	default:
		return stream.RowBlock{}, errmap.New(errmap.KindHandleNotFound, "handle %q is not a result-set cursor", resultSetID)
	}
}
