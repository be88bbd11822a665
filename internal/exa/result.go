package exa

import (
	"context"

	"github.com/koustreak/exalink/internal/decode"
	"github.com/koustreak/exalink/internal/errs"
)

// ResultType distinguishes row-producing results from plain row counts.
type ResultType string

const (
	ResultTypeResultSet ResultType = "resultSet"
	ResultTypeRowCount  ResultType = "rowCount"
)

// Row is one decoded result row, values in column order.
type Row []any

// Result is the outcome of one executed statement: either a row count or a
// lazy, forward-only, single-pass sequence of rows.
//
// Iterate with Next/Value and check Err afterwards:
//
//	res, err := cn.Execute(ctx, "SELECT ...")
//	defer res.Close(ctx)
//	for res.Next(ctx) {
//	    row := res.Value()
//	    ...
//	}
//	if err := res.Err(); err != nil { ... }
//
// A Result references its connection but does not own it; it must not
// outlive it and is not safe for concurrent use. Iterating to exhaustion
// releases the server-side handle immediately; Close is idempotent either
// way.
type Result struct {
	conn       *Connection
	resultType ResultType
	rowCount   int64
	columns    []Column
	handle     *int64
	converters []decode.Converter // nil in raw mode

	data     [][]any // current page, column-major as on the wire
	pageRows int64
	pos      int64 // position within the page
	consumed int64 // rows yielded across all pages
	cur      Row
	err      error
	closed   bool
}

func newResult(c *Connection, entry resultEntry, raw bool) (*Result, error) {
	r := &Result{conn: c, resultType: ResultType(entry.ResultType)}

	switch r.resultType {
	case ResultTypeRowCount:
		r.rowCount = entry.RowCount
		r.closed = true // nothing to release
		return r, nil

	case ResultTypeResultSet:
		rs := entry.ResultSet
		if rs == nil {
			return nil, c.fail(errs.New(errs.KindProtocol, "result set payload missing"))
		}
		r.rowCount = rs.NumRows
		r.columns = rs.Columns
		r.handle = rs.ResultSetHandle
		r.data = rs.Data
		r.pageRows = rs.NumRowsInMessage
		if !raw {
			types := make([]decode.DataType, len(rs.Columns))
			for i, col := range rs.Columns {
				types[i] = col.DataType
			}
			convs, err := decode.Converters(types, c.session())
			if err != nil {
				return nil, err
			}
			r.converters = convs
		}
		return r, nil
	}

	return nil, c.fail(errs.Newf(errs.KindProtocol, "unknown result type %q", entry.ResultType))
}

// Type reports whether the result carries rows or a row count.
func (r *Result) Type() ResultType { return r.resultType }

// RowCount is the total number of rows for a result set, or the number of
// affected rows for a row-count result.
func (r *Result) RowCount() int64 { return r.rowCount }

// Columns returns the ordered column metadata.
func (r *Result) Columns() []Column { return r.columns }

// Next advances to the next row, fetching a further page from the server
// when the buffered one is consumed. It returns false at exhaustion or on
// error; Err distinguishes the two. The fetch is the only blocking point.
func (r *Result) Next(ctx context.Context) bool {
	if r.err != nil {
		return false
	}
	if r.resultType != ResultTypeResultSet {
		r.err = errs.New(errs.KindUsage, "result has no rows")
		return false
	}

	// A cursor never outlives its connection: once the connection is gone,
	// even rows already buffered are stale and must not be yielded.
	if !r.closed {
		if err := r.conn.usable(); err != nil {
			r.err = err
			return false
		}
	}

	if r.pos >= r.pageRows {
		if r.closed || r.consumed >= r.rowCount || r.handle == nil {
			// Fully iterated; release server resources right away.
			if cerr := r.Close(ctx); cerr != nil {
				r.err = cerr
			}
			return false
		}
		page, err := r.conn.FetchPage(ctx, *r.handle, r.consumed)
		if err != nil {
			r.err = err
			return false
		}
		r.data = page.Data
		r.pageRows = page.NumRows
		r.pos = 0
		if page.NumRows == 0 {
			r.err = r.conn.fail(errs.New(errs.KindProtocol, "server returned an empty page before exhaustion"))
			return false
		}
	}

	row, err := r.decodeRow(r.pos)
	if err != nil {
		r.err = err
		return false
	}
	r.cur = row
	r.pos++
	r.consumed++
	return true
}

// Value returns the row Next advanced to.
func (r *Result) Value() Row { return r.cur }

// Err returns the first error encountered during iteration.
func (r *Result) Err() error { return r.err }

// FetchAll eagerly collects every remaining row. Intended for small result
// sets; large ones should be iterated.
func (r *Result) FetchAll(ctx context.Context) ([]Row, error) {
	rows := make([]Row, 0, r.rowCount-r.consumed)
	for r.Next(ctx) {
		rows = append(rows, r.Value())
	}
	if r.err != nil {
		return nil, r.err
	}
	return rows, nil
}

// FetchOne returns the next row, or nil when the result is exhausted.
func (r *Result) FetchOne(ctx context.Context) (Row, error) {
	if r.Next(ctx) {
		return r.Value(), nil
	}
	return nil, r.err
}

// Close releases the server-side result-set handle. It is safe to call any
// number of times: context-manager style usage double-closes on error
// paths, and the cursor absorbs that. When the connection is no longer
// authenticated the handle died with the session and the close degrades to
// a local no-op.
func (r *Result) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.data = nil
	r.pageRows = 0

	if r.handle == nil {
		return nil
	}
	handle := *r.handle
	r.handle = nil
	if r.conn.State() != StateAuthenticated {
		return nil
	}
	return r.conn.CloseResultSet(ctx, handle)
}

// decodeRow pivots one row out of the column-major page and applies the
// per-column converters.
func (r *Result) decodeRow(pos int64) (Row, error) {
	if int64(len(r.data)) != int64(len(r.columns)) {
		return nil, r.conn.fail(errs.New(errs.KindProtocol, "page column count does not match metadata"))
	}
	row := make(Row, len(r.columns))
	for i := range r.columns {
		col := r.data[i]
		if pos >= int64(len(col)) {
			return nil, r.conn.fail(errs.New(errs.KindProtocol, "page shorter than its declared row count"))
		}
		val := col[pos]
		if r.converters == nil {
			row[i] = val
			continue
		}
		decoded, err := r.converters[i](val)
		if err != nil {
			return nil, err
		}
		row[i] = decoded
	}
	return row, nil
}
