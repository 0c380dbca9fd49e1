package dispatch

import (
	"sync"
	"sync/atomic"
)

// Binding is the durable association of one client logical connection
// with exactly one endpoint (the GLOSSARY's "Binding"). A pool/tx-manager
// holds one per logical connection and selects on Closed() to learn when
// it must reconnect.
type Binding struct {
	ID       string
	Endpoint *Endpoint
	IsXA     bool

	idle      int32 // atomic bool
	closed    chan struct{}
	closeOnce sync.Once
}

func newBinding(id string, ep *Endpoint, isXA bool) *Binding {
	return &Binding{ID: id, Endpoint: ep, IsXA: isXA, closed: make(chan struct{})}
}

// Closed is signalled exactly once, when the reconciler has decided this
// binding's connection must be torn down (its endpoint went unhealthy, or
// it was chosen for idle redistribution).
func (b *Binding) Closed() <-chan struct{} {
	return b.closed
}

// MarkIdle records whether the connection is currently idle, consulted by
// the rebalancer: only idle, non-XA bindings are ever redistributed.
func (b *Binding) MarkIdle(idle bool) {
	v := int32(0)
	if idle {
		v = 1
	}
	atomic.StoreInt32(&b.idle, v)
}

func (b *Binding) isIdle() bool {
	return atomic.LoadInt32(&b.idle) == 1
}

func (b *Binding) close() {
	b.closeOnce.Do(func() { close(b.closed) })
}
