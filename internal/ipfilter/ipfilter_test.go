package ipfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWildcardAllowsEverything(t *testing.T) {
	f, err := New("*")
	require.NoError(t, err)
	assert.True(t, f.Allow("1.2.3.4"))
	assert.True(t, f.Allow("203.0.113.9:5432"))
}

func TestCIDRRange(t *testing.T) {
	f, err := New("10.0.0.0/8,192.168.1.42")
	require.NoError(t, err)
	assert.True(t, f.Allow("10.1.2.3"))
	assert.True(t, f.Allow("192.168.1.42"))
	assert.False(t, f.Allow("8.8.8.8"))
}

func TestEmptyListDeniesEverything(t *testing.T) {
	f, err := New("")
	require.NoError(t, err)
	assert.False(t, f.Allow("127.0.0.1"))
}

func TestMalformedCIDRRejected(t *testing.T) {
	_, err := New("10.0.0.0/abc")
	require.Error(t, err)
}

func TestUpdateSwapsRuleSet(t *testing.T) {
	f, err := New("10.0.0.0/8")
	require.NoError(t, err)
	assert.False(t, f.Allow("192.168.1.1"))

	require.NoError(t, f.Update("192.168.0.0/16"))
	assert.True(t, f.Allow("192.168.1.1"))
	assert.False(t, f.Allow("10.1.1.1"))
}

func TestCheckReturnsSecurityDenied(t *testing.T) {
	f, err := New("10.0.0.0/8")
	require.NoError(t, err)
	require.Error(t, f.Check("8.8.8.8"))
	require.NoError(t, f.Check("10.0.0.1"))
}
