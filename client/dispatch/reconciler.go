package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Reconciler is the single goroutine the REDESIGN FLAG on the
// callback/event-based health listener calls for: it drains
// EndpointSet.Events() and is the only place that closes bindings, so no
// bound connection ever races another over who tears it down.
type Reconciler struct {
	set *EndpointSet
	log *zap.Logger

	mu       sync.Mutex
	bindings map[string]*Binding
}

func NewReconciler(set *EndpointSet, log *zap.Logger) *Reconciler {
	return &Reconciler{set: set, log: log, bindings: make(map[string]*Binding)}
}

// Register tracks a binding so the reconciler can notify or redistribute
// it on a future health transition.
func (r *Reconciler) Register(b *Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[b.ID] = b
}

// Unregister drops a binding the caller has already closed on its own
// (normal logical-connection close), so it is not considered by a future
// redistribution pass.
func (r *Reconciler) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, id)
}

// Run blocks, reconciling state changes until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.set.Events():
			if !ok {
				return
			}
			r.handle(ev)
		}
	}
}

func (r *Reconciler) handle(ev StateChange) {
	switch ev.To {
	case HealthUnhealthy:
		r.notifyUnhealthy(ev.Endpoint)
	case HealthHealthy:
		if ev.From != HealthHealthy {
			r.redistribute(ev.Endpoint)
		}
	}
}

// notifyUnhealthy implements spec.md §4.I's onServerUnhealthy: every
// binding on the endpoint closes itself immediately, XA or not — XA
// sessions on a dead endpoint cannot be kept open either, they simply are
// never proactively redistributed while their endpoint is still healthy.
func (r *Reconciler) notifyUnhealthy(ep *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.bindings {
		if b.Endpoint == ep {
			b.close()
			delete(r.bindings, id)
			if r.log != nil {
				r.log.Info("binding closed on endpoint unhealthy", zap.String("binding", id), zap.String("endpoint", ep.Address))
			}
		}
	}
}

// redistribute implements spec.md §4.I's recovery rebalancer: once an
// endpoint comes back, close some idle non-XA bindings on the now-
// overloaded survivors so the pool reconnects them and the selector
// spreads the new connects across the enlarged healthy set.
func (r *Reconciler) redistribute(recovered *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	healthy := r.set.Healthy()
	if len(healthy) == 0 {
		return
	}
	target := len(r.bindings) / len(healthy)

	byEndpoint := make(map[*Endpoint][]*Binding)
	for _, b := range r.bindings {
		byEndpoint[b.Endpoint] = append(byEndpoint[b.Endpoint], b)
	}

	for ep, bindings := range byEndpoint {
		if ep == recovered {
			continue
		}
		excess := len(bindings) - target
		for _, b := range bindings {
			if excess <= 0 {
				break
			}
			if b.IsXA || !b.isIdle() {
				continue
			}
			b.close()
			delete(r.bindings, b.ID)
			excess--
			if r.log != nil {
				r.log.Info("binding closed for redistribution", zap.String("binding", b.ID), zap.String("endpoint", ep.Address))
			}
		}
	}
}
