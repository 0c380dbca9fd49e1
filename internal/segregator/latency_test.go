package segregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyStoreClassifiesUnknownFingerprintAsUnknown(t *testing.T) {
	s := NewLatencyStore(5, 1, time.Hour)
	assert.Equal(t, ClassificationUnknown, s.Classify("select 1"))
}

func TestLatencyStoreMovingAverage(t *testing.T) {
	s := NewLatencyStore(1, 1, time.Hour)
	s.Record("q1", 100*time.Millisecond)
	s.Record("q1", 100*time.Millisecond)

	s.mu.RLock()
	r := s.records["q1"]
	s.mu.RUnlock()
	require.NotNil(t, r)
	assert.InDelta(t, 100.0, r.avgMillis, 0.001)
}

func TestLatencyStoreClassifiesSlowAboveTwiceOverall(t *testing.T) {
	s := NewLatencyStore(2, 1, time.Hour)

	// The overall average is weighted by sample count, so a high-volume
	// fast fingerprint keeps it low even as a low-volume slow fingerprint
	// sits well above it.
	for i := 0; i < 20; i++ {
		s.Record("fast", 10*time.Millisecond)
	}
	s.Record("slow", 200*time.Millisecond)
	s.Record("slow", 200*time.Millisecond)

	assert.Equal(t, ClassificationSlow, s.Classify("slow"))
	assert.Equal(t, ClassificationFast, s.Classify("fast"))
}

func TestLatencyStoreRequiresMinSamplesBeforeSlow(t *testing.T) {
	s := NewLatencyStore(10, 1, time.Hour)
	for i := 0; i < 20; i++ {
		s.Record("fast", 10*time.Millisecond)
	}
	s.Record("slow", 500*time.Millisecond)

	assert.Equal(t, ClassificationFast, s.Classify("slow"), "too few samples to classify as slow yet")
}
