package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrNotFound,
		ErrStale,
		ErrNetwork,
		ErrAuth,
		ErrTimeout,
		ErrCacheExhausted,
		ErrCorrupt,
		ErrNotDir,
		ErrIsDir,
		ErrInvalidPath,
		ErrInvalidHandle,
		ErrReadOnly,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", ErrNetwork, true},
		{"timeout", ErrTimeout, true},
		{"wrapped_network", fmt.Errorf("fetch: %w", ErrNetwork), true},
		{"wrapped_timeout", fmt.Errorf("sync: %w", ErrTimeout), true},
		{"auth", ErrAuth, false},
		{"not_found", ErrNotFound, false},
		{"corrupt", ErrCorrupt, false},
		{"plain", errors.New("whatever"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("album %q: %w", "Trip", ErrNotFound)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrStale))
}
