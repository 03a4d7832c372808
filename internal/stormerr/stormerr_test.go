package stormerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindRoundTrips(t *testing.T) {
	err := NewHTTP(429, "too many requests")
	wrapped := fmt.Errorf("fetch failed: %w", err)

	var se *Error
	assert.True(t, errors.As(wrapped, &se))
	assert.True(t, Is(wrapped, Http))
	assert.Equal(t, 429, se.Status)
}

func TestHashMismatchIs(t *testing.T) {
	err := &HashMismatchError{Expected: "abc", Actual: "def"}
	wrapped := fmt.Errorf("verify: %w", err)
	assert.True(t, Is(wrapped, HashMismatch))
	assert.False(t, Is(wrapped, Timeout))
}
