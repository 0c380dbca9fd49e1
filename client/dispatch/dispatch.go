package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/ident"
	"github.com/ojp-proxy/ojp-go/internal/metrics"
	"github.com/ojp-proxy/ojp-go/internal/wire"
)

// idempotentKinds is the set of wire.Kind operations spec.md §4.I allows
// a connection-level failure to retry on a different endpoint without
// surfacing to the caller: read-only or replay-safe verbs, plus the
// initial connect.
var idempotentKinds = map[wire.Kind]bool{
	wire.KindConnect:      true,
	wire.KindExecQuery:    true,
	wire.KindFetchNext:    true,
	wire.KindCallResource: true,
	wire.KindLOBRead:      true,
	wire.KindPing:         true,
}

// IsIdempotent reports whether kind may be retried on another endpoint
// after a connection-level failure.
func IsIdempotent(kind wire.Kind) bool {
	return idempotentKinds[kind]
}

// Dispatcher is the driver-side multi-endpoint dispatcher (spec.md §4.I):
// it owns the endpoint set, the background prober, and the reconciler,
// and exposes Connect/Call to the driver's connection/statement layers.
type Dispatcher struct {
	set        *EndpointSet
	prober     *Prober
	reconciler *Reconciler
	metrics    *metrics.Metrics
	log        *zap.Logger
}

// New builds a dispatcher over a fixed endpoint list and starts its
// background health-probe and reconciler tasks, both stopped by
// cancelling ctx. m is optional; a nil metrics sink disables endpoint
// health/in-flight reporting.
func New(ctx context.Context, endpoints []*Endpoint, proberCfg ProberConfig, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	set := NewEndpointSet(endpoints)
	d := &Dispatcher{
		set:        set,
		prober:     NewProber(set, proberCfg, m, log),
		reconciler: NewReconciler(set, log),
		metrics:    m,
		log:        log,
	}
	for _, ep := range endpoints {
		reportEndpointHealth(m, ep, ep.Health())
	}
	go d.prober.Run(ctx)
	go d.reconciler.Run(ctx)
	return d
}

// healthValue maps an endpoint's health to the gauge value spec.md's
// dashboard convention expects: 1 healthy, 0.5 suspect, 0 unhealthy.
func healthValue(h Health) float64 {
	switch h {
	case HealthHealthy:
		return 1
	case HealthSuspect:
		return 0.5
	default:
		return 0
	}
}

// reportEndpointHealth and reportEndpointInFlight are shared by Dispatcher
// and Prober, both of which can drive an endpoint's health transitions.
func reportEndpointHealth(m *metrics.Metrics, ep *Endpoint, h Health) {
	if m == nil {
		return
	}
	m.EndpointHealth.WithLabelValues(ep.Address).Set(healthValue(h))
}

func reportEndpointInFlight(m *metrics.Metrics, ep *Endpoint) {
	if m == nil {
		return
	}
	m.EndpointInFlight.WithLabelValues(ep.Address).Set(float64(ep.InFlight()))
}

// Connect selects an endpoint among the healthy set and returns a sticky
// binding for a new logical connection. The returned binding's Closed()
// channel fires when the reconciler decides this connection must be
// torn down.
func (d *Dispatcher) Connect(ctx context.Context, isXA bool) (*Binding, *Endpoint, error) {
	ep, err := d.set.Select(nil)
	if err != nil {
		return nil, nil, err
	}
	b := newBinding(ident.NewHandleID(), ep, isXA)
	d.reconciler.Register(b)
	return b, ep, nil
}

// Forget drops a binding the caller is closing on its own (graceful
// logical-connection close, not a reconciler-driven teardown).
func (d *Dispatcher) Forget(b *Binding) {
	d.reconciler.Unregister(b.ID)
}

// Call executes env against b's bound endpoint. A connection-level
// failure (the transport returning an error, as opposed to an
// application-level wire.Reply.Error) marks the endpoint suspect and, if
// kind is idempotent, retries once on another healthy endpoint without
// rebinding b — b stays bound to its original endpoint for subsequent
// calls, which will themselves retry if that endpoint is still down.
func (d *Dispatcher) Call(ctx context.Context, b *Binding, env wire.Envelope) (wire.Reply, error) {
	reply, err := d.callOn(ctx, b.Endpoint, env)
	if err == nil {
		return reply, nil
	}
	if !IsIdempotent(env.Kind) {
		return wire.Reply{}, err
	}

	alt, selectErr := d.set.Select(b.Endpoint)
	if selectErr != nil {
		return wire.Reply{}, err
	}
	return d.callOn(ctx, alt, env)
}

// callOn performs one transport round trip against ep, recording
// in-flight/latency/failure bookkeeping and emitting a health-transition
// event if the call flips ep's health.
func (d *Dispatcher) callOn(ctx context.Context, ep *Endpoint, env wire.Envelope) (wire.Reply, error) {
	before := ep.Health()
	ep.BeginCall()
	reportEndpointInFlight(d.metrics, ep)
	start := time.Now()

	reply, err := ep.Transport.Call(ctx, env)

	ep.EndCall(err == nil, time.Since(start))
	reportEndpointInFlight(d.metrics, ep)
	after := ep.Health()
	if before != after {
		d.set.emit(StateChange{Endpoint: ep, From: before, To: after})
		reportEndpointHealth(d.metrics, ep, after)
	}

	if err != nil {
		return wire.Reply{}, errmap.New(errmap.KindTransportFailure, "endpoint %s: %v", ep.Address, err)
	}
	return reply, nil
}
