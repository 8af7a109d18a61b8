package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIsBounded(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: 80 * time.Millisecond, Factor: 2}

	testCases := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{4, 80 * time.Millisecond},
		{10, 80 * time.Millisecond},
	}

	for _, tc := range testCases {
		if got := b.Next(tc.attempt); got != tc.expected {
			t.Fatalf("attempt %d: should be %s but got %s", tc.attempt, tc.expected, got)
		}
	}
}

func TestNextJitterStaysInBand(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := b.Next(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	b := Backoff{Min: time.Millisecond, Max: time.Millisecond}
	calls := 0
	n, err := b.Retry(t.Context(), 5, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, calls)
}

func TestRetryExhausts(t *testing.T) {
	b := Backoff{Min: time.Millisecond, Max: time.Millisecond}
	boom := errors.New("boom")
	n, err := b.Retry(t.Context(), 3, nil, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, n)
}

func TestRetryNonRetryable(t *testing.T) {
	b := Backoff{Min: time.Millisecond, Max: time.Millisecond}
	fatal := errors.New("fatal")
	n, err := b.Retry(t.Context(), 5, func(err error) bool { return !errors.Is(err, fatal) }, func(context.Context) error {
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, n)
}
