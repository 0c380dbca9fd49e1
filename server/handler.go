// Package server implements the RPC-facing side of the proxy: an AMQP
// consume loop that decodes wire.Envelope messages off a device queue,
// routes them through the statement dispatcher, XA coordinator, and IP
// admission filter, and replies on the message's ReplyTo queue. It
// replaces the teacher's ad hoc RPCRequest/RPCResponse routing
// (server.go, types.go) with the typed internal/wire schema and
// internal/dispatch's session-serialized operations.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ojp-proxy/ojp-go/internal/dispatch"
	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/ipfilter"
	"github.com/ojp-proxy/ojp-go/internal/metrics"
	"github.com/ojp-proxy/ojp-go/internal/wire"
)

// Handler is the server-side RPC endpoint set (spec.md §4.E/§4.H/§4.K):
// it owns the AMQP connection, a worker pool for concurrent message
// processing, and the statement dispatcher everything is routed through.
type Handler struct {
	deviceID string
	amqpURL  string

	dispatcher   *dispatch.Dispatcher
	filter       *ipfilter.Filter
	metrics      *metrics.Metrics
	log          *zap.Logger
	idleTimeout  time.Duration

	conn       *amqp.Connection
	workerPool *WorkerPool
}

// NewHandler builds a Handler. poolCfg configures the worker pool
// (defaults applied by NewWorkerPool when zero); idleTimeout is
// spec.md §6's `connection.idle.timeout`, the age past which a session
// with no activity is reaped. Zero disables reaping.
func NewHandler(deviceID, amqpURL string, dispatcher *dispatch.Dispatcher, filter *ipfilter.Filter, m *metrics.Metrics, log *zap.Logger, poolCfg WorkerPoolConfig, idleTimeout time.Duration) *Handler {
	h := &Handler{
		deviceID:    deviceID,
		amqpURL:     amqpURL,
		dispatcher:  dispatcher,
		filter:      filter,
		metrics:     m,
		log:         log,
		idleTimeout: idleTimeout,
	}
	h.workerPool = NewWorkerPool(h, &poolCfg)
	return h
}

// Start dials the broker, declares the device queue, and runs the
// consume loop until ctx is cancelled, per the teacher's server.go Start
// shape (queue-per-device, worker-pool-backed processing).
func (h *Handler) Start(ctx context.Context) error {
	conn, err := amqp.Dial(h.amqpURL)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	h.conn = conn
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(h.deviceID, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %q: %w", h.deviceID, err)
	}

	msgs, err := ch.Consume(h.deviceID, "", true, true, false, false, nil)
	if err != nil {
		return err
	}

	if err := h.workerPool.Start(); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}
	defer h.workerPool.Stop(10 * time.Second)

	if h.idleTimeout > 0 {
		go h.runIdleReaper(ctx)
	}

	h.log.Info("listening", zap.String("queue", h.deviceID))

	for {
		select {
		case <-ctx.Done():
			h.log.Info("shutting down")
			return nil
		case msg := <-msgs:
			task := MessageTask{Channel: ch, Message: msg, Timestamp: time.Now()}
			if err := h.workerPool.SubmitTask(task); err != nil {
				h.log.Warn("worker pool rejected task", zap.Error(err))
				h.respond(ch, msg.ReplyTo, msg.CorrelationId, wire.Reply{Error: "server overloaded, please retry", ErrorKind: string(errmap.KindTransportFailure)})
			}
		}
	}
}

// handleMessage decodes one wire.Envelope and routes it to the matching
// dispatcher operation. It runs on a worker-pool goroutine.
func (h *Handler) handleMessage(ch *amqp.Channel, msg amqp.Delivery) {
	var env wire.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		h.respond(ch, msg.ReplyTo, msg.CorrelationId, wire.Reply{Error: err.Error()})
		return
	}

	if h.filter != nil && !h.filter.Allow(env.ClientIP) {
		h.log.Warn("rejected unauthenticated source", zap.String("clientIP", env.ClientIP))
		h.respond(ch, msg.ReplyTo, msg.CorrelationId, wire.Reply{
			Error: "remote address is not admitted", ErrorKind: string(errmap.KindSecurityDenied),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply := h.dispatchEnvelope(ctx, env)
	h.respond(ch, msg.ReplyTo, msg.CorrelationId, reply)
}

func (h *Handler) dispatchEnvelope(ctx context.Context, env wire.Envelope) wire.Reply {
	switch env.Kind {
	case wire.KindConnect:
		return h.handleConnect(ctx, env)
	case wire.KindTerminate:
		return h.handleTerminate(env)
	case wire.KindExecUpdate:
		return h.handleExecUpdate(ctx, env)
	case wire.KindExecQuery:
		return h.handleExecQuery(ctx, env)
	case wire.KindFetchNext:
		return h.handleFetchNext(ctx, env)
	case wire.KindCallResource:
		return h.handleCallResource(env)
	case wire.KindLOBWrite:
		return h.handleLOBWrite(env)
	case wire.KindLOBDiscard:
		return h.handleLOBDiscard(env)
	case wire.KindLOBRead:
		return h.handleLOBRead(env)
	case wire.KindXAStart, wire.KindXAEnd, wire.KindXAPrepare, wire.KindXACommit, wire.KindXARollback, wire.KindXAForget, wire.KindXARecover:
		return h.handleXA(ctx, env)
	case wire.KindPing:
		return h.handlePing(env)
	default:
		return errReply(errmap.New(errmap.KindConfigInvalid, "unsupported message kind %q", env.Kind))
	}
}

// respond mirrors the teacher's respond helper, publishing a wire.Reply
// to the request's ReplyTo queue with its CorrelationId.
func (h *Handler) respond(ch *amqp.Channel, replyTo, corrID string, reply wire.Reply) {
	body, err := json.Marshal(reply)
	if err != nil {
		h.log.Error("marshaling reply", zap.Error(err))
		return
	}
	if err := ch.PublishWithContext(context.Background(), "", replyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		Body:          body,
	}); err != nil {
		h.log.Error("publishing reply", zap.Error(err))
	}
}

// errReply translates any error into a wire.Reply, preferring the
// errmap.Error shape for its stable kind and SQL state when present.
func errReply(err error) wire.Reply {
	if err == nil {
		return wire.Reply{}
	}
	if oerr, ok := err.(*errmap.Error); ok {
		return wire.Reply{Error: oerr.Error(), ErrorKind: string(oerr.Kind), SQLState: oerr.SQLState, VendorCode: oerr.VendorCode}
	}
	return wire.Reply{Error: err.Error(), ErrorKind: string(errmap.KindBackendSQLError)}
}

func okReply(payload interface{}) wire.Reply {
	body, err := json.Marshal(payload)
	if err != nil {
		return errReply(err)
	}
	return wire.Reply{Payload: body}
}

// runIdleReaper periodically closes sessions that have had no activity
// for longer than h.idleTimeout, checked at a quarter of that interval so
// no session outlives it by more than 25%.
func (h *Handler) runIdleReaper(ctx context.Context) {
	interval := h.idleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.dispatcher.ReapIdle(h.idleTimeout); n > 0 {
				h.log.Info("reaped idle sessions", zap.Int("count", n))
				if h.metrics != nil {
					h.metrics.SessionsActive.Sub(float64(n))
				}
			}
		}
	}
}
