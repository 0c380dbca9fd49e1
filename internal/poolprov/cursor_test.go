package poolprov

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveCursorModeKnownDriver(t *testing.T) {
	assert.Equal(t, CursorModeBlock, ResolveCursorMode("mysql"))
}

func TestResolveCursorModeUnknownDriverDefaultsToBlock(t *testing.T) {
	assert.Equal(t, CursorModeBlock, ResolveCursorMode("some-future-driver"))
}

func TestResolveCursorModeIsCached(t *testing.T) {
	first := ResolveCursorMode("mysql")
	second := ResolveCursorMode("mysql")
	assert.Equal(t, first, second)
}
