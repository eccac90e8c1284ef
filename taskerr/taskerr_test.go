package taskerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	cases := map[Kind]bool{
		TimeoutError:    true,
		HandlerError:    true,
		InvalidState:    false,
		UnknownTaskType: false,
		CycleDetected:   false,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.Retryable(), "%s.Retryable()", kind)
	}
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := New(InvalidState, "bad transition")
	assert.True(t, errors.Is(err, Sentinel(InvalidState)), "expected errors.Is to match same Kind")
	assert.False(t, errors.Is(err, Sentinel(CycleDetected)), "expected errors.Is to reject different Kind")
}

func TestWrapPreservesCauseAndUnwraps(t *testing.T) {
	cause := fmt.Errorf("network reset")
	err := Wrap(HandlerError, "fetch failed", cause)
	require.True(t, errors.Is(err, cause), "expected errors.Is to see through to the wrapped cause")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestKindOfExtractsThroughWrapping(t *testing.T) {
	inner := New(CycleDetected, "a -> b -> a")
	outer := fmt.Errorf("validate: %w", inner)
	kind, ok := KindOf(outer)
	require.True(t, ok)
	assert.Equal(t, CycleDetected, kind)
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok, "expected KindOf to report false for a non-taskerr error")
}
