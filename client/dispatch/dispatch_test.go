package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ojp-proxy/ojp-go/internal/wire"
)

// fakeTransport is a scriptable Transport: each field is a function the
// test controls, defaulting to always-succeed.
type fakeTransport struct {
	mu      sync.Mutex
	pingErr error
	callErr error
	calls   int32
}

func (f *fakeTransport) Call(ctx context.Context, env wire.Envelope) (wire.Reply, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return wire.Reply{}, f.callErr
	}
	return wire.Reply{}, nil
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) setCallErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callErr = err
}

func (f *fakeTransport) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func TestSelectPrefersLowerScore(t *testing.T) {
	a := NewEndpoint("a", &fakeTransport{})
	b := NewEndpoint("b", &fakeTransport{})
	a.EndCall(true, 100*time.Millisecond)
	b.EndCall(true, 5*time.Millisecond)

	set := NewEndpointSet([]*Endpoint{a, b})
	picked, err := set.Select(nil)
	require.NoError(t, err)
	assert.Equal(t, b, picked)
}

func TestSelectExcludesGivenEndpoint(t *testing.T) {
	a := NewEndpoint("a", &fakeTransport{})
	set := NewEndpointSet([]*Endpoint{a})
	_, err := set.Select(a)
	require.Error(t, err)
}

func TestSelectFailsWithNoHealthyEndpoints(t *testing.T) {
	a := NewEndpoint("a", &fakeTransport{})
	a.setHealth(HealthUnhealthy)
	set := NewEndpointSet([]*Endpoint{a})
	_, err := set.Select(nil)
	require.Error(t, err)
}

func TestCallFailureMarksEndpointSuspect(t *testing.T) {
	tp := &fakeTransport{}
	ep := NewEndpoint("a", tp)
	set := NewEndpointSet([]*Endpoint{ep})
	d := &Dispatcher{set: set, reconciler: NewReconciler(set, zap.NewNop())}

	tp.setCallErr(errors.New("boom"))
	b := newBinding("conn-1", ep, false)

	_, err := d.Call(context.Background(), b, wire.Envelope{Kind: wire.KindExecUpdate})
	require.Error(t, err)
	assert.Equal(t, HealthSuspect, ep.Health())
}

func TestCallRetriesIdempotentOperationOnAnotherEndpoint(t *testing.T) {
	tpA := &fakeTransport{}
	tpA.setCallErr(errors.New("boom"))
	tpB := &fakeTransport{}

	epA := NewEndpoint("a", tpA)
	epB := NewEndpoint("b", tpB)
	set := NewEndpointSet([]*Endpoint{epA, epB})
	d := &Dispatcher{set: set, reconciler: NewReconciler(set, zap.NewNop())}

	b := newBinding("conn-1", epA, false)
	reply, err := d.Call(context.Background(), b, wire.Envelope{Kind: wire.KindExecQuery})
	require.NoError(t, err)
	_ = reply
	assert.Equal(t, int32(1), atomic.LoadInt32(&tpB.calls))
	assert.Equal(t, HealthSuspect, epA.Health())
}

func TestCallDoesNotRetryNonIdempotentOperation(t *testing.T) {
	tpA := &fakeTransport{}
	tpA.setCallErr(errors.New("boom"))
	tpB := &fakeTransport{}

	epA := NewEndpoint("a", tpA)
	epB := NewEndpoint("b", tpB)
	set := NewEndpointSet([]*Endpoint{epA, epB})
	d := &Dispatcher{set: set, reconciler: NewReconciler(set, zap.NewNop())}

	b := newBinding("conn-1", epA, false)
	_, err := d.Call(context.Background(), b, wire.Envelope{Kind: wire.KindExecUpdate})
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&tpB.calls))
}

func TestProberMarksUnhealthyAfterConsecutiveFailures(t *testing.T) {
	tp := &fakeTransport{}
	tp.setPingErr(errors.New("unreachable"))
	ep := NewEndpoint("a", tp)
	set := NewEndpointSet([]*Endpoint{ep})
	p := NewProber(set, ProberConfig{MaxConsecutiveFailures: 3, Timeout: time.Second}, nil, zap.NewNop())

	for i := 0; i < 2; i++ {
		p.probeAll(context.Background())
		assert.Equal(t, HealthHealthy, ep.Health())
	}
	p.probeAll(context.Background())
	assert.Equal(t, HealthUnhealthy, ep.Health())

	select {
	case ev := <-set.Events():
		assert.Equal(t, HealthUnhealthy, ev.To)
	default:
		t.Fatal("expected an unhealthy transition event")
	}
}

func TestReconcilerClosesBindingsOnEndpointUnhealthy(t *testing.T) {
	ep := NewEndpoint("a", &fakeTransport{})
	set := NewEndpointSet([]*Endpoint{ep})
	r := NewReconciler(set, zap.NewNop())

	b := newBinding("conn-1", ep, false)
	r.Register(b)

	r.handle(StateChange{Endpoint: ep, From: HealthHealthy, To: HealthUnhealthy})

	select {
	case <-b.Closed():
	default:
		t.Fatal("expected binding to be closed")
	}
}

func TestReconcilerDoesNotRedistributeXABindings(t *testing.T) {
	overloaded := NewEndpoint("a", &fakeTransport{})
	recovered := NewEndpoint("b", &fakeTransport{})
	set := NewEndpointSet([]*Endpoint{overloaded, recovered})
	r := NewReconciler(set, zap.NewNop())

	xaBinding := newBinding("xa-1", overloaded, true)
	xaBinding.MarkIdle(true)
	r.Register(xaBinding)

	r.handle(StateChange{Endpoint: recovered, From: HealthUnhealthy, To: HealthHealthy})

	select {
	case <-xaBinding.Closed():
		t.Fatal("XA binding must never be redistributed")
	default:
	}
}

func TestReconcilerRedistributesIdleNonXABindingsOnRecovery(t *testing.T) {
	overloaded := NewEndpoint("a", &fakeTransport{})
	recovered := NewEndpoint("b", &fakeTransport{})
	set := NewEndpointSet([]*Endpoint{overloaded, recovered})
	r := NewReconciler(set, zap.NewNop())

	for i := 0; i < 4; i++ {
		b := newBinding(string(rune('a'+i)), overloaded, false)
		b.MarkIdle(true)
		r.Register(b)
	}

	r.handle(StateChange{Endpoint: recovered, From: HealthUnhealthy, To: HealthHealthy})

	r.mu.Lock()
	remaining := len(r.bindings)
	r.mu.Unlock()
	assert.Less(t, remaining, 4)
}
