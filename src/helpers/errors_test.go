package helpers

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsSentinel(t *testing.T) {
	err := Wrap(ErrUnknownChart, "chart %d", 42)

	assert.True(t, errors.Is(err, ErrUnknownChart))
	assert.False(t, errors.Is(err, ErrStoreReleased))
	assert.Equal(t, KindLifecycle, KindOf(err))
	assert.Contains(t, err.Error(), "chart 42")
}

func TestNewErrorUnwrapsCause(t *testing.T) {
	err := NewError(KindFetch, io.ErrUnexpectedEOF, "history page for %s", "BTCUSDT@1m")

	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, KindFetch, KindOf(err))
	assert.Equal(t, "fetch: history page for BTCUSDT@1m: unexpected EOF", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(io.EOF))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

// -----------------------------------------------------------------------------

func TestRecommendedMemoryLimit(t *testing.T) {
	limit, _ := RecommendedMemoryLimitMB()
	assert.Greater(t, limit, 0)
}
