package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ojp-proxy/ojp-go/internal/metrics"
)

// ProberConfig controls the background health-probe task, the driver-side
// analogue of the teacher's HeartbeatConfig (interval, timeout, and a
// missed-beat count before declaring the peer dead).
type ProberConfig struct {
	Interval               time.Duration
	Timeout                time.Duration
	MaxConsecutiveFailures int
}

func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:               10 * time.Second,
		Timeout:                3 * time.Second,
		MaxConsecutiveFailures: 3,
	}
}

// Prober runs the background health-monitor task spec.md §4.I requires:
// probe each endpoint on a schedule, update health state, and emit an
// edge-triggered event on every unhealthy/recovered transition.
type Prober struct {
	set     *EndpointSet
	cfg     ProberConfig
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewProber(set *EndpointSet, cfg ProberConfig, m *metrics.Metrics, log *zap.Logger) *Prober {
	return &Prober{set: set, cfg: cfg, metrics: m, log: log}
}

// Run blocks, probing on cfg.Interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// probeAll fans a probe out to every endpoint concurrently and waits for
// all of them; errgroup is used purely for the wait barrier, since a
// single slow endpoint must never delay the others' results.
func (p *Prober) probeAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range p.set.All() {
		ep := ep
		g.Go(func() error {
			p.probeOne(gctx, ep)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Prober) probeOne(ctx context.Context, ep *Endpoint) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	err := ep.Transport.Ping(ctx)
	from, to := ep.recordProbe(err == nil, p.cfg.MaxConsecutiveFailures)
	if from == to {
		return
	}
	reportEndpointHealth(p.metrics, ep, to)
	if to == HealthUnhealthy || to == HealthHealthy {
		if p.log != nil {
			p.log.Info("endpoint health transition",
				zap.String("address", ep.Address), zap.String("from", string(from)), zap.String("to", string(to)))
		}
		p.set.emit(StateChange{Endpoint: ep, From: from, To: to})
	}
}
