package segregator

import (
	"context"
	"sync"
	"time"

	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/metrics"
)

// Lane is one of the two admission lanes.
type Lane int

const (
	LaneFast Lane = iota
	LaneSlow
)

func (l Lane) String() string {
	if l == LaneSlow {
		return "slow"
	}
	return "fast"
}

// lane is a counting admission gate implemented as a buffered channel of
// tokens: the channel's buffer occupancy IS the lane's free capacity,
// whether that capacity is used by the lane's own traffic or lent to the
// other lane. This makes the invariant in spec.md §5 ("at no instant does
// in_flight + borrowed_out exceed cap") fall out of the channel's fixed
// buffer size rather than needing separate bookkeeping.
type lane struct {
	name string
	cap  int64

	tokens chan struct{}

	mu           sync.Mutex
	everActive   bool // has this lane ever admitted a request
	idleSince    time.Time
	lastActivity time.Time
}

func newLane(name string, capacity int64) *lane {
	if capacity < 1 {
		capacity = 1
	}
	l := &lane{
		name:      name,
		cap:       capacity,
		tokens:    make(chan struct{}, capacity),
		idleSince: time.Now(),
	}
	for i := int64(0); i < capacity; i++ {
		l.tokens <- struct{}{}
	}
	return l
}

// free reports the number of currently unused capacity units, including
// units available to lend.
func (l *lane) free() int64 {
	return int64(len(l.tokens))
}

// canLend reports whether l may currently lend one slot to the other lane's
// waiter: it must have spare capacity, have admitted at least one request
// in its lifetime, and at least idleTimeout must have passed since it was
// last back at full unused capacity (or since it was created). Tokens taken
// since then do not restart that window.
func (l *lane) canLend(idleTimeout time.Duration) bool {
	if l.free() == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.everActive {
		return false
	}
	return time.Since(l.idleSince) >= idleTimeout
}

// markTaken records that a token was just pulled from this lane, whether
// for its own traffic or lent to the other lane.
func (l *lane) markTaken() {
	l.mu.Lock()
	l.everActive = true
	l.lastActivity = time.Now()
	l.mu.Unlock()
}

// put returns a token to the lane. When this brings the lane back to full
// (unused) capacity, the idle window restarts, since spec.md's informal
// state machine (open -> saturated -> idle -> borrowing-allowed -> open)
// only re-enters "idle" after a fresh saturation/drain cycle.
func (l *lane) put() {
	l.tokens <- struct{}{}
	l.mu.Lock()
	if l.free() == int64(cap(l.tokens)) {
		l.idleSince = time.Now()
	}
	l.mu.Unlock()
}

// Controller is the two-lane admission gate described in spec.md §4.G:
// fast and slow lanes sized from a pool's total capacity and a configured
// slow-slot percentage, each with its own acquire timeout, and idle-lane
// borrowing between them.
type Controller struct {
	fast, slow  *lane
	fastTimeout time.Duration
	slowTimeout time.Duration
	idleTimeout time.Duration
	pollEvery   time.Duration

	metrics    *metrics.Metrics
	datasource string

	Latency *LatencyStore
}

// Config holds the sizing and timing knobs for a Controller.
type Config struct {
	PoolSize          int64
	SlowSlotPercent   int // slow_cap = PoolSize * SlowSlotPercent / 100, minimum 1
	FastTimeout       time.Duration
	SlowTimeout       time.Duration
	IdleTimeout       time.Duration // time since a lane was last at full unused capacity before it may lend
	MinSamples        int64
	RecomputeEvery    int64
	RecomputeInterval time.Duration

	// Metrics and Datasource are optional; when Metrics is set, Admit
	// reports lane occupancy and wait time labeled by Datasource and lane.
	Metrics    *metrics.Metrics
	Datasource string
}

// NewController builds a controller with lanes sized from cfg.
func NewController(cfg Config) *Controller {
	if cfg.SlowSlotPercent <= 0 {
		cfg.SlowSlotPercent = 20
	}
	slowCap := cfg.PoolSize * int64(cfg.SlowSlotPercent) / 100
	if slowCap < 1 {
		slowCap = 1
	}
	fastCap := cfg.PoolSize - slowCap
	if fastCap < 1 {
		fastCap = 1
	}

	poll := 2 * time.Millisecond

	return &Controller{
		fast:        newLane("fast", fastCap),
		slow:        newLane("slow", slowCap),
		fastTimeout: cfg.FastTimeout,
		slowTimeout: cfg.SlowTimeout,
		idleTimeout: cfg.IdleTimeout,
		pollEvery:   poll,
		metrics:     cfg.Metrics,
		datasource:  cfg.Datasource,
		Latency:     NewLatencyStore(cfg.MinSamples, cfg.RecomputeEvery, cfg.RecomputeInterval),
	}
}

// Classify maps a classification to the lane it admits into: unknown and
// fast fingerprints go to the fast lane, slow fingerprints go to the slow
// lane.
func (c *Controller) classify(fingerprint string) Lane {
	if c.Latency.Classify(fingerprint) == ClassificationSlow {
		return LaneSlow
	}
	return LaneFast
}

// Admit blocks until a slot is available for fingerprint's classified lane
// (trying the other lane via borrowing when its own lane is saturated and
// the other is eligible to lend), or until the lane's configured timeout
// elapses, or ctx is cancelled. The returned release func must be called
// exactly once when the execution completes, successfully or not.
func (c *Controller) Admit(ctx context.Context, fingerprint string) (release func(), err error) {
	own := c.fast
	other := c.slow
	timeout := c.fastTimeout
	if c.classify(fingerprint) == LaneSlow {
		own, other = c.slow, c.fast
		timeout = c.slowTimeout
	}

	start := time.Now()
	release, grantedLane, err := c.admit(ctx, own, other, timeout)
	if c.metrics != nil {
		c.metrics.LaneWaitSeconds.WithLabelValues(c.datasource, own.name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	c.reportOccupancy(grantedLane)
	return func() {
		release()
		c.reportOccupancy(grantedLane)
	}, nil
}

// reportOccupancy pushes l's current occupancy (capacity minus free) into
// the lane-occupancy gauge, a no-op when no metrics sink is configured.
func (c *Controller) reportOccupancy(l *lane) {
	if c.metrics == nil {
		return
	}
	c.metrics.LaneOccupancy.WithLabelValues(c.datasource, l.name).Set(float64(l.cap - l.free()))
}

func (c *Controller) admit(ctx context.Context, own, other *lane, timeout time.Duration) (func(), *lane, error) {
	select {
	case <-own.tokens:
		own.markTaken()
		return func() { own.put() }, own, nil
	default:
	}

	if other.canLend(c.idleTimeout) {
		select {
		case <-other.tokens:
			other.markTaken()
			return func() { other.put() }, other, nil
		default:
		}
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-own.tokens:
			own.markTaken()
			return func() { own.put() }, own, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
			if other.canLend(c.idleTimeout) {
				select {
				case <-other.tokens:
					other.markTaken()
					return func() { other.put() }, other, nil
				default:
				}
			}
			if time.Now().After(deadline) {
				return nil, nil, errmap.New(errmap.KindSegregatorTimeout, "segregator: no %s-lane slot available within %s", own.name, timeout)
			}
		}
	}
}

// Record captures the elapsed time of one execution against its
// fingerprint, feeding the classifier used by future Admit calls.
func (c *Controller) Record(fingerprint string, elapsed time.Duration) {
	c.Latency.Record(fingerprint, elapsed)
}

// LaneStats reports a lane's current occupancy, for metrics export.
type LaneStats struct {
	Capacity     int64
	Free         int64
	LastActivity time.Time
}

// Stats returns current occupancy for both lanes.
func (c *Controller) Stats() (fast, slow LaneStats) {
	snap := func(l *lane) LaneStats {
		l.mu.Lock()
		defer l.mu.Unlock()
		return LaneStats{Capacity: l.cap, Free: l.free(), LastActivity: l.lastActivity}
	}
	return snap(c.fast), snap(c.slow)
}
