package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ojp-proxy/ojp-go/internal/dispatch"
	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/stream"
	"github.com/ojp-proxy/ojp-go/internal/wire"
	"github.com/ojp-proxy/ojp-go/internal/xa"
)

func decode(payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}

func (h *Handler) handleConnect(ctx context.Context, env wire.Envelope) wire.Reply {
	var req wire.ConnectRequest
	if err := decode(env.Payload, &req); err != nil {
		return errReply(err)
	}

	info, err := h.dispatcher.Connect(ctx, dispatch.ConnectRequest{
		RemoteAddr:       env.ClientIP,
		RawURL:           req.RawURL,
		User:             req.User,
		PasswordSupplier: func() (string, error) { return req.Password, nil },
		DriverName:       req.DriverName,
		DatasourceName:   req.DatasourceName,
		ClientID:         req.ClientID,
		IsXA:             req.IsXA,
		Pooled:           req.Pooled,
		MaxPoolSize:      req.MaxPoolSize,
		MinIdle:          req.MinIdle,
		AcquireTimeout:   req.AcquireTimeout,
		IdleTimeout:      req.IdleTimeout,
		MaxLifetime:      req.MaxLifetime,
		ValidationQuery:  req.ValidationQuery,
		XAMaxConcurrent:  req.XAMaxConcurrent,
		XAStartTimeout:   req.XAStartTimeout,
	})
	if err != nil {
		return errReply(err)
	}
	if h.metrics != nil {
		h.metrics.SessionsActive.Inc()
	}
	return okReply(wire.ConnectReply{SessionID: info.SessionID, ConnHash: info.ConnHash, IsXA: info.IsXA})
}

func (h *Handler) handleTerminate(env wire.Envelope) wire.Reply {
	var req wire.TerminateRequest
	if err := decode(env.Payload, &req); err != nil {
		return errReply(err)
	}
	if err := h.dispatcher.TerminateSession(req.SessionID); err != nil {
		return errReply(err)
	}
	if h.metrics != nil {
		h.metrics.SessionsActive.Dec()
	}
	return wire.Reply{}
}

func (h *Handler) handleExecUpdate(ctx context.Context, env wire.Envelope) wire.Reply {
	var req wire.ExecRequest
	if err := decode(env.Payload, &req); err != nil {
		return errReply(err)
	}
	start := time.Now()
	res, err := h.dispatcher.ExecuteUpdate(ctx, req.SessionID, req.SQL, req.Params)
	h.observeStatement(req.SessionID, time.Since(start), err)
	if err != nil {
		return errReply(err)
	}
	return okReply(wire.ExecUpdateReply{RowsAffected: res.RowsAffected, LastInsertID: res.LastInsertID})
}

func (h *Handler) handleExecQuery(ctx context.Context, env wire.Envelope) wire.Reply {
	var req wire.ExecRequest
	if err := decode(env.Payload, &req); err != nil {
		return errReply(err)
	}
	start := time.Now()
	resultSetID, block, err := h.dispatcher.ExecuteQuery(ctx, req.SessionID, req.SQL, req.Params)
	h.observeStatement(req.SessionID, time.Since(start), err)
	if err != nil {
		return errReply(err)
	}
	return okReply(wire.ExecQueryReply{ResultSetID: resultSetID, Block: toWireBlock(block)})
}

// observeStatement records a dispatched statement's outcome and latency,
// labeled by the session's bound datasource connection hash.
func (h *Handler) observeStatement(sessionID string, elapsed time.Duration, err error) {
	if h.metrics == nil {
		return
	}
	datasource := h.dispatcher.SessionDatasource(sessionID)
	h.metrics.StatementSeconds.WithLabelValues(datasource).Observe(elapsed.Seconds())
	if err != nil {
		outcome := string(errmap.KindBackendSQLError)
		if oerr, ok := err.(*errmap.Error); ok {
			outcome = string(oerr.Kind)
		}
		h.metrics.StatementsTotal.WithLabelValues(datasource, "error").Inc()
		h.metrics.StatementFailures.WithLabelValues(datasource, outcome).Inc()
		return
	}
	h.metrics.StatementsTotal.WithLabelValues(datasource, "success").Inc()
}

func (h *Handler) handleFetchNext(ctx context.Context, env wire.Envelope) wire.Reply {
	var req wire.FetchNextRequest
	if err := decode(env.Payload, &req); err != nil {
		return errReply(err)
	}
	block, err := h.dispatcher.FetchNextRows(ctx, req.SessionID, req.ResultSetID)
	if err != nil {
		return errReply(err)
	}
	return okReply(toWireBlock(block))
}

func toWireBlock(b stream.RowBlock) wire.RowBlock {
	rows := make([][]wire.Value, len(b.Rows))
	for i, row := range b.Rows {
		wrow := make([]wire.Value, len(row))
		for j, v := range row {
			wrow[j] = wire.Value{Data: v.Data, WasNull: v.WasNull}
		}
		rows[i] = wrow
	}
	return wire.RowBlock{ResultSetID: b.ResultSetID, Columns: b.Columns, Rows: rows, More: b.More}
}

func (h *Handler) handleCallResource(env wire.Envelope) wire.Reply {
	var req wire.CallResourceRequest
	if err := decode(env.Payload, &req); err != nil {
		return errReply(err)
	}
	call := toResourceCall(req)
	result, err := h.dispatcher.CallResource(req.SessionID, call)
	if err != nil {
		return errReply(err)
	}
	return okReply(wire.CallResourceReply{Result: result})
}

func toResourceCall(req wire.CallResourceRequest) dispatch.ResourceCall {
	call := dispatch.ResourceCall{
		Kind:     dispatch.ResourceKind(req.Kind),
		HandleID: req.HandleID,
		Method:   req.Method,
		Args:     req.Args,
	}
	if len(req.Chain) > 0 {
		var chainReq wire.CallResourceRequest
		if err := json.Unmarshal(req.Chain, &chainReq); err == nil {
			chained := toResourceCall(chainReq)
			call.Chain = &chained
		}
	}
	return call
}

func (h *Handler) handleLOBWrite(env wire.Envelope) wire.Reply {
	var req wire.LOBWriteRequest
	if err := decode(env.Payload, &req); err != nil {
		return errReply(err)
	}
	ref, err := h.dispatcher.WriteLOBBlock(req.SessionID, req.LOBID, req.Position, req.Block, req.Final)
	if err != nil {
		return errReply(err)
	}
	return okReply(wire.LOBWriteReply{LOBID: ref.LOBID, TotalBytes: ref.TotalBytes})
}

func (h *Handler) handleLOBDiscard(env wire.Envelope) wire.Reply {
	var req wire.LOBDiscardRequest
	if err := decode(env.Payload, &req); err != nil {
		return errReply(err)
	}
	if err := h.dispatcher.DiscardLOB(req.SessionID, req.LOBID); err != nil {
		return errReply(err)
	}
	return wire.Reply{}
}

func (h *Handler) handleLOBRead(env wire.Envelope) wire.Reply {
	var req wire.LOBReadRequest
	if err := decode(env.Payload, &req); err != nil {
		return errReply(err)
	}
	block, err := h.dispatcher.ReadLOBBlock(req.SessionID, req.LOBID)
	if err != nil {
		return errReply(err)
	}
	return okReply(wire.LOBReadReply{Position: block.Position, Data: block.Data, More: block.More})
}

func toXAXid(x wire.Xid) xa.Xid {
	return xa.Xid{FormatID: x.FormatID, GTrid: x.GTrid, Bqual: x.Bqual}
}

func (h *Handler) handleXA(ctx context.Context, env wire.Envelope) wire.Reply {
	switch env.Kind {
	case wire.KindXAStart:
		var req wire.XAStartRequest
		if err := decode(env.Payload, &req); err != nil {
			return errReply(err)
		}
		if err := h.dispatcher.XAStart(ctx, req.SessionID, toXAXid(req.Xid), req.JoinOrResume); err != nil {
			return errReply(err)
		}
	case wire.KindXAEnd:
		var req wire.XAEndRequest
		if err := decode(env.Payload, &req); err != nil {
			return errReply(err)
		}
		if err := h.dispatcher.XAEnd(ctx, req.SessionID, toXAXid(req.Xid), req.Suspend); err != nil {
			return errReply(err)
		}
	case wire.KindXAPrepare:
		var req wire.XAPrepareRequest
		if err := decode(env.Payload, &req); err != nil {
			return errReply(err)
		}
		if err := h.dispatcher.XAPrepare(ctx, req.SessionID, toXAXid(req.Xid)); err != nil {
			return errReply(err)
		}
	case wire.KindXACommit:
		var req wire.XACommitRequest
		if err := decode(env.Payload, &req); err != nil {
			return errReply(err)
		}
		if err := h.dispatcher.XACommit(ctx, req.SessionID, toXAXid(req.Xid), req.OnePhase); err != nil {
			return errReply(err)
		}
	case wire.KindXARollback:
		var req wire.XARollbackRequest
		if err := decode(env.Payload, &req); err != nil {
			return errReply(err)
		}
		if err := h.dispatcher.XARollback(ctx, req.SessionID, toXAXid(req.Xid)); err != nil {
			return errReply(err)
		}
	case wire.KindXAForget:
		var req wire.XAForgetRequest
		if err := decode(env.Payload, &req); err != nil {
			return errReply(err)
		}
		if err := h.dispatcher.XAForget(ctx, req.SessionID, toXAXid(req.Xid)); err != nil {
			return errReply(err)
		}
	case wire.KindXARecover:
		var req wire.XARecoverRequest
		if err := decode(env.Payload, &req); err != nil {
			return errReply(err)
		}
		branches, err := h.dispatcher.XARecover(ctx, req.SessionID)
		if err != nil {
			return errReply(err)
		}
		out := make([]wire.RecoveredXid, len(branches))
		for i, b := range branches {
			out[i] = wire.RecoveredXid{FormatID: b.FormatID, GTridLen: b.GTridLen, BqualLen: b.BqualLen, Data: b.Data}
		}
		return okReply(wire.XARecoverReply{Branches: out})
	}
	return wire.Reply{}
}

func (h *Handler) handlePing(env wire.Envelope) wire.Reply {
	var req wire.PingRequest
	_ = decode(env.Payload, &req)
	return okReply(wire.PingReply{DeviceID: h.deviceID, ServerNow: time.Now()})
}
