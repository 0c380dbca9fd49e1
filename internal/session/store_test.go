package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	closed   bool
	closeErr error
}

func (f *fakeHandle) Close() error {
	f.closed = true
	return f.closeErr
}

func TestCreateAndGet(t *testing.T) {
	st := NewStore()
	s := st.Create("client-1", "conn-hash-1", nil, false)
	require.NotEmpty(t, s.ID)

	got, ok := st.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
}

func TestGetUnknownSession(t *testing.T) {
	st := NewStore()
	_, ok := st.Get("does-not-exist")
	assert.False(t, ok)

	_, err := st.MustGet("does-not-exist")
	require.Error(t, err)
}

func TestTerminateRemovesSessionAndClosesHandlesInOrder(t *testing.T) {
	st := NewStore()
	s := st.Create("client-1", "conn-hash-1", nil, false)

	var order []string
	mk := func(name string) *fakeHandle {
		return &fakeHandle{}
	}
	rs := mk("result-set")
	lob := mk("lob")
	stmt := mk("statement")

	// Wrap Close to record order.
	rsID := s.PutHandle(HandleResultSet, &orderedCloser{fakeHandle: rs, name: "result-set", order: &order})
	lobID := s.PutHandle(HandleLOB, &orderedCloser{fakeHandle: lob, name: "lob", order: &order})
	stmtID := s.PutHandle(HandleStatement, &orderedCloser{fakeHandle: stmt, name: "statement", order: &order})

	require.NoError(t, st.Terminate(s.ID, nil))

	_, ok := st.Get(s.ID)
	assert.False(t, ok, "terminated session must be evicted")

	assert.Equal(t, []string{"result-set", "lob", "statement"}, order)
	_ = rsID
	_ = lobID
	_ = stmtID
}

type orderedCloser struct {
	*fakeHandle
	name  string
	order *[]string
}

func (o *orderedCloser) Close() error {
	*o.order = append(*o.order, o.name)
	return o.fakeHandle.Close()
}

func TestTerminateIsIdempotent(t *testing.T) {
	st := NewStore()
	s := st.Create("client-1", "conn-hash-1", nil, false)
	require.NoError(t, st.Terminate(s.ID, nil))
	require.NoError(t, st.Terminate(s.ID, nil), "terminating twice must be a no-op, not an error")
}

func TestTerminateAggregatesHandleCloseErrors(t *testing.T) {
	st := NewStore()
	s := st.Create("client-1", "conn-hash-1", nil, false)
	s.PutHandle(HandleStatement, &fakeHandle{closeErr: errors.New("boom-1")})
	s.PutHandle(HandleResultSet, &fakeHandle{closeErr: errors.New("boom-2")})

	err := st.Terminate(s.ID, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom-1")
	assert.Contains(t, err.Error(), "boom-2")
}

func TestForEachByClient(t *testing.T) {
	st := NewStore()
	a := st.Create("client-1", "h1", nil, false)
	b := st.Create("client-1", "h2", nil, false)
	st.Create("client-2", "h3", nil, false)

	var seen []string
	st.ForEachByClient("client-1", func(s *Session) { seen = append(seen, s.ID) })
	assert.ElementsMatch(t, []string{a.ID, b.ID}, seen)
}

func TestPutGetRemoveHandle(t *testing.T) {
	st := NewStore()
	s := st.Create("client-1", "h1", nil, false)

	id := s.PutHandle(HandleResultSet, "some-cursor")
	v, ok := s.GetHandle(HandleResultSet, id)
	require.True(t, ok)
	assert.Equal(t, "some-cursor", v)

	removed, ok := s.RemoveHandle(HandleResultSet, id)
	require.True(t, ok)
	assert.Equal(t, "some-cursor", removed)

	_, ok = s.GetHandle(HandleResultSet, id)
	assert.False(t, ok, "handle must not be addressable after removal")
}
