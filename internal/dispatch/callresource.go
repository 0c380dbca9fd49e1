package dispatch

import (
	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/session"
	"github.com/ojp-proxy/ojp-go/internal/stream"
)

// ResourceKind names a handle table a resource call targets, or a
// synthetic kind returned by a prior call in a chain (spec.md §9: express
// reflective JDBC method dispatch as a tagged message mapped through a
// dispatch table, not language-native reflection).
type ResourceKind string

const (
	ResourceResultSet         ResourceKind = "result-set"
	ResourceResultSetMetadata ResourceKind = "result-set-metadata"
)

// ResourceCall is one tagged-message call-resource invocation, with an
// optional chained follow-up applied to this call's result — the
// `getMetaData().isAutoIncrement(i)` pattern from spec.md §4.E, adapted to
// `getMetaData().getColumnName(i)`, since database/sql's column metadata
// carries no auto-increment flag.
type ResourceCall struct {
	Kind     ResourceKind
	HandleID string
	Method   string
	Args     []interface{}
	Chain    *ResourceCall
}

type methodHandler func(args []interface{}, resource interface{}) (interface{}, error)

// dispatchTable maps (resource kind, method name) to its handler. This is
// the tagged dispatch table spec.md §9 calls for in place of reflection;
// it is intentionally not an exhaustive JDBC interface surface — it covers
// the operations this proxy's own call-resource paths need, and is meant
// to grow by adding entries, not by reintroducing reflection.
var dispatchTable = map[ResourceKind]map[string]methodHandler{
	ResourceResultSet: {
		"close": func(args []interface{}, resource interface{}) (interface{}, error) {
			closer, ok := resource.(interface{ Close() error })
			if !ok {
				return nil, errmap.New(errmap.KindHandleNotFound, "resource does not support close")
			}
			return nil, closer.Close()
		},
		"getMetaData": func(args []interface{}, resource interface{}) (interface{}, error) {
			switch c := resource.(type) {
			case *stream.BlockCursor:
				return c.Metadata(), nil
			case *stream.RowByRowCursor:
				return c.Metadata(), nil
			default:
				return nil, errmap.New(errmap.KindHandleNotFound, "resource is not a result-set cursor")
			}
		},
	},
	ResourceResultSetMetadata: {
		"getColumnCount": func(args []interface{}, resource interface{}) (interface{}, error) {
			meta, ok := resource.([]stream.ColumnMeta)
			if !ok {
				return nil, errmap.New(errmap.KindHandleNotFound, "resource is not result-set metadata")
			}
			return len(meta), nil
		},
		"getColumnName": func(args []interface{}, resource interface{}) (interface{}, error) {
			meta, ok := resource.([]stream.ColumnMeta)
			if !ok {
				return nil, errmap.New(errmap.KindHandleNotFound, "resource is not result-set metadata")
			}
			idx, ierr := argIndex(args)
			if ierr != nil {
				return nil, ierr
			}
			if idx < 0 || idx >= len(meta) {
				return nil, errmap.New(errmap.KindConfigInvalid, "column index %d out of range", idx)
			}
			return meta[idx].Name, nil
		},
		"isNullable": func(args []interface{}, resource interface{}) (interface{}, error) {
			meta, ok := resource.([]stream.ColumnMeta)
			if !ok {
				return nil, errmap.New(errmap.KindHandleNotFound, "resource is not result-set metadata")
			}
			idx, ierr := argIndex(args)
			if ierr != nil {
				return nil, ierr
			}
			if idx < 0 || idx >= len(meta) {
				return nil, errmap.New(errmap.KindConfigInvalid, "column index %d out of range", idx)
			}
			return meta[idx].Nullable, nil
		},
	},
}

func argIndex(args []interface{}) (int, error) {
	if len(args) != 1 {
		return 0, errmap.New(errmap.KindConfigInvalid, "expected exactly one column-index argument")
	}
	switch v := args[0].(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	default:
		return 0, errmap.New(errmap.KindConfigInvalid, "column-index argument must be an integer")
	}
}

// CallResource dispatches call against the session's handle table,
// following the Chain field to apply a follow-up call to the first call's
// result without an extra round trip.
func (d *Dispatcher) CallResource(sessionID string, call ResourceCall) (interface{}, error) {
	sess, err := d.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Lock()
	defer sess.Unlock()
	sess.Touch()

	resource, ok := sess.GetHandle(session.HandleKind(call.Kind), call.HandleID)
	if !ok {
		return nil, errmap.New(errmap.KindHandleNotFound, "no %s handle %q", call.Kind, call.HandleID)
	}
	return invokeChain(call.Kind, resource, call)
}

func invokeChain(kind ResourceKind, resource interface{}, call ResourceCall) (interface{}, error) {
	methods, ok := dispatchTable[kind]
	if !ok {
		return nil, errmap.New(errmap.KindHandleNotFound, "unknown resource kind %q", kind)
	}
	handler, ok := methods[call.Method]
	if !ok {
		return nil, errmap.New(errmap.KindHandleNotFound, "resource kind %q has no method %q", kind, call.Method)
	}

	result, err := handler(call.Args, resource)
	if err != nil {
		return nil, err
	}
	if call.Chain == nil {
		return result, nil
	}
	return invokeChain(call.Chain.Kind, result, *call.Chain)
}
