// Package stream implements block-oriented result-set and LOB streaming:
// the wire-facing block and row shapes plus the cursor logic that drives
// them off a database/sql result set.
package stream

import (
	"database/sql"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/poolprov"
)

// DefaultRowsPerBlock is the block size used when a connection URL or
// datasource configuration does not override it.
const DefaultRowsPerBlock = 100

// Value is one typed column value plus its wasNull bit, kept separate from
// the value itself since the zero value of most Go types is
// indistinguishable from a database NULL.
type Value struct {
	Data    interface{}
	WasNull bool
}

// RowBlock is one unit of the block-streaming wire protocol (spec.md
// §4.F): an ordered set of rows plus a flag telling the client cursor
// whether to request another block.
type RowBlock struct {
	ResultSetID string
	Columns     []string // only populated on the first block
	Rows        [][]Value
	More        bool
}

// BlockCursor drives a *sql.Rows into RowBlocks of a fixed size. It is not
// safe for concurrent use; callers serialize access via the owning
// session's lock.
type BlockCursor struct {
	resultSetID  string
	rows         *sql.Rows
	colNames     []string
	colTypes     []*sql.ColumnType
	rowsPerBlock int
	firstBlock   bool
	exhausted    bool
}

// NewBlockCursor wraps rows for block-mode streaming, fetching column
// metadata eagerly the way the teacher's query handler does.
func NewBlockCursor(resultSetID string, rows *sql.Rows, rowsPerBlock int) (*BlockCursor, error) {
	if rowsPerBlock <= 0 {
		rowsPerBlock = DefaultRowsPerBlock
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, errmap.FromBackend(err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, errmap.FromBackend(err)
	}
	return &BlockCursor{
		resultSetID:  resultSetID,
		rows:         rows,
		colNames:     cols,
		colTypes:     colTypes,
		rowsPerBlock: rowsPerBlock,
		firstBlock:   true,
	}, nil
}

// NextBlock fetches up to rowsPerBlock rows. The returned block's More
// flag is false exactly when the underlying result set is exhausted
// within this call, matching the "250 rows / 100 per block → 100, 100, 50,
// done" boundary behavior.
func (c *BlockCursor) NextBlock() (RowBlock, error) {
	if c.exhausted {
		return RowBlock{ResultSetID: c.resultSetID, More: false}, nil
	}

	block := RowBlock{ResultSetID: c.resultSetID}
	if c.firstBlock {
		block.Columns = c.colNames
		c.firstBlock = false
	}

	for len(block.Rows) < c.rowsPerBlock {
		if !c.rows.Next() {
			if err := c.rows.Err(); err != nil {
				return RowBlock{}, errmap.FromBackend(err)
			}
			c.exhausted = true
			break
		}
		row, err := c.scanRow()
		if err != nil {
			return RowBlock{}, err
		}
		block.Rows = append(block.Rows, row)
	}

	block.More = !c.exhausted
	return block, nil
}

func (c *BlockCursor) scanRow() ([]Value, error) {
	dest := make([]interface{}, len(c.colNames))
	for i := range dest {
		dest[i] = new(interface{})
	}
	if err := c.rows.Scan(dest...); err != nil {
		return nil, errmap.FromBackend(err)
	}

	row := make([]Value, len(dest))
	for i, d := range dest {
		v := *(d.(*interface{}))
		row[i] = Value{Data: v, WasNull: v == nil}
	}
	return row, nil
}

// Close releases the underlying *sql.Rows.
func (c *BlockCursor) Close() error {
	return c.rows.Close()
}

// ColumnMeta is the subset of column metadata database/sql actually
// exposes across drivers, used to back the result-set metadata resource
// call-resource's dispatch table serves (spec.md §9's
// "getMetaData().isAutoIncrement(i)" example, adapted to what Go's
// database/sql driver interface can truthfully report: go-sql-driver/mysql
// does not surface an auto-increment flag through sql.ColumnType, so the
// metadata resource reports name, declared type, and nullability instead).
type ColumnMeta struct {
	Name             string
	DatabaseTypeName string
	Nullable         bool
}

// Metadata returns the column metadata captured when the cursor was
// opened.
func (c *BlockCursor) Metadata() []ColumnMeta {
	return columnMeta(c.colNames, c.colTypes)
}

func columnMeta(names []string, types []*sql.ColumnType) []ColumnMeta {
	out := make([]ColumnMeta, len(names))
	for i, name := range names {
		out[i] = ColumnMeta{Name: name}
		if i < len(types) && types[i] != nil {
			out[i].DatabaseTypeName = types[i].DatabaseTypeName()
			if nullable, ok := types[i].Nullable(); ok {
				out[i].Nullable = nullable
			}
		}
	}
	return out
}

// RowByRowCursor advances a result set one row per call, used for
// back-ends whose LOBs invalidate on cursor move (spec.md §4.F,
// poolprov.ResolveCursorMode). Unlike BlockCursor it returns exactly one
// row (or none, at exhaustion) per call.
type RowByRowCursor struct {
	resultSetID string
	rows        *sql.Rows
	colNames    []string
	colTypes    []*sql.ColumnType
	sentColumns bool
	exhausted   bool
}

// NewRowByRowCursor wraps rows for row-by-row streaming.
func NewRowByRowCursor(resultSetID string, rows *sql.Rows) (*RowByRowCursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, errmap.FromBackend(err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, errmap.FromBackend(err)
	}
	return &RowByRowCursor{resultSetID: resultSetID, rows: rows, colNames: cols, colTypes: colTypes}, nil
}

// Metadata returns the column metadata captured when the cursor was
// opened.
func (c *RowByRowCursor) Metadata() []ColumnMeta {
	return columnMeta(c.colNames, c.colTypes)
}

// Next advances the cursor by one row. ok is false once the result set is
// exhausted, at which point block.More is always false.
func (c *RowByRowCursor) Next() (block RowBlock, ok bool, err error) {
	if c.exhausted {
		return RowBlock{ResultSetID: c.resultSetID, More: false}, false, nil
	}

	block = RowBlock{ResultSetID: c.resultSetID}
	if !c.sentColumns {
		block.Columns = c.colNames
		c.sentColumns = true
	}

	if !c.rows.Next() {
		if rerr := c.rows.Err(); rerr != nil {
			return RowBlock{}, false, errmap.FromBackend(rerr)
		}
		c.exhausted = true
		block.More = false
		return block, false, nil
	}

	dest := make([]interface{}, len(c.colNames))
	for i := range dest {
		dest[i] = new(interface{})
	}
	if err := c.rows.Scan(dest...); err != nil {
		return RowBlock{}, false, errmap.FromBackend(err)
	}
	row := make([]Value, len(dest))
	for i, d := range dest {
		v := *(d.(*interface{}))
		row[i] = Value{Data: v, WasNull: v == nil}
	}
	block.Rows = [][]Value{row}
	block.More = true
	return block, true, nil
}

// Close releases the underlying *sql.Rows.
func (c *RowByRowCursor) Close() error {
	return c.rows.Close()
}

// ModeFor resolves which cursor mode a freshly opened statement should use
// on driverName, per poolprov.ResolveCursorMode.
func ModeFor(driverName string) poolprov.CursorMode {
	return poolprov.ResolveCursorMode(driverName)
}
