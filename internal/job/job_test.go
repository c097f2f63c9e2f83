package job

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestValidType(t *testing.T) {
	for _, jt := range Types {
		assert.True(t, ValidType(jt), "type %s should be valid", jt)
	}
	assert.False(t, ValidType("pdf-export"))
	assert.False(t, ValidType(""))
}

func TestRetryable(t *testing.T) {
	base := errors.New("image service 503")

	err := Retryable(base)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "image service 503")

	// Wrapping preserves retryability.
	wrapped := fmt.Errorf("processor: %w", err)
	assert.True(t, IsRetryable(wrapped))

	assert.False(t, IsRetryable(base))
	assert.False(t, IsRetryable(ErrCancelled))
}
