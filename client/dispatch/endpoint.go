// Package dispatch implements the driver-side multi-endpoint dispatcher:
// health-checked endpoint set, load-aware selection, failure handling,
// and redistribution of idle connections after endpoint recovery. It
// replaces the teacher's single-broker assumption (one AMQP connection,
// reconnected in place by client/reconnect.go) with a fixed set of
// endpoints the driver picks among per logical connection.
package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Health is one of the three endpoint health states spec.md §3 names.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthSuspect   Health = "suspect"
	HealthUnhealthy Health = "unhealthy"
)

// latencyDecay is the EWMA smoothing factor for an endpoint's decayed
// latency estimate; weighted toward recent samples without letting one
// slow call dominate the running average, matching the smoothing
// intent (not the exact constant) of the teacher's heartbeat missed-beat
// counter.
const latencyDecay = 0.2

// Endpoint is one proxy server address the driver can route RPCs to.
type Endpoint struct {
	Address   string
	Transport Transport

	mu          sync.RWMutex
	health      Health
	lastSuccess time.Time
	lastFailure time.Time
	latencyEWMA time.Duration
	consecFail  int

	inFlight int64 // atomic
}

// NewEndpoint wraps a transport as a healthy endpoint.
func NewEndpoint(address string, transport Transport) *Endpoint {
	return &Endpoint{Address: address, Transport: transport, health: HealthHealthy}
}

func (e *Endpoint) Health() Health {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health
}

// setHealth transitions the endpoint's health and reports the prior
// state, so the caller can decide whether the transition is edge-
// triggered (i.e. whether to emit an event).
func (e *Endpoint) setHealth(to Health) Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.health
	e.health = to
	if to == HealthHealthy {
		e.consecFail = 0
	}
	return from
}

// BeginCall records an in-flight RPC starting, for load-aware selection.
func (e *Endpoint) BeginCall() {
	atomic.AddInt64(&e.inFlight, 1)
}

// EndCall records an in-flight RPC finishing and its outcome. ok == false
// marks the endpoint suspect immediately (a connection-level failure);
// success records the observed latency into the decayed estimate and
// clears suspicion back to healthy.
func (e *Endpoint) EndCall(ok bool, latency time.Duration) {
	atomic.AddInt64(&e.inFlight, -1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		e.lastSuccess = time.Now()
		if e.latencyEWMA == 0 {
			e.latencyEWMA = latency
		} else {
			e.latencyEWMA = time.Duration(latencyDecay*float64(latency) + (1-latencyDecay)*float64(e.latencyEWMA))
		}
		if e.health == HealthSuspect {
			e.health = HealthHealthy
		}
	} else {
		e.lastFailure = time.Now()
		if e.health == HealthHealthy {
			e.health = HealthSuspect
		}
	}
}

// recordProbe is the health prober's success/failure signal, kept
// separate from EndCall's RPC-level signal: the prober alone is allowed
// to declare an endpoint unhealthy (after MaxConsecutiveFailures probe
// failures) or recovered.
func (e *Endpoint) recordProbe(ok bool, maxConsecutiveFailures int) (from, to Health) {
	e.mu.Lock()
	defer e.mu.Unlock()
	from = e.health
	if ok {
		e.consecFail = 0
		e.lastSuccess = time.Now()
		e.health = HealthHealthy
	} else {
		e.consecFail++
		e.lastFailure = time.Now()
		if e.consecFail >= maxConsecutiveFailures {
			e.health = HealthUnhealthy
		}
	}
	return from, e.health
}

// InFlight returns the current in-flight RPC count.
func (e *Endpoint) InFlight() int64 {
	return atomic.LoadInt64(&e.inFlight)
}

// Latency returns the current decayed latency estimate.
func (e *Endpoint) Latency() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latencyEWMA
}

// score is the load-aware selection criterion: lower is better. In-flight
// count and decayed latency (in milliseconds) are weighted equally; an
// idle, fast endpoint scores near zero, a busy or historically slow one
// scores higher.
func (e *Endpoint) score() float64 {
	return float64(e.InFlight())*1.0 + float64(e.Latency().Milliseconds())*1.0
}
