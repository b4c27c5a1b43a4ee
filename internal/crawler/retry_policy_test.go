package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type netTimeout struct{ timeout bool }

func (e netTimeout) Error() string   { return fmt.Sprintf("net error (timeout=%v)", e.timeout) }
func (e netTimeout) Timeout() bool   { return e.timeout }
func (e netTimeout) Temporary() bool { return e.timeout }

func TestBackoffShouldRetry(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{})
	require.Equal(t, 3, b.MaxAttempts())
	cases := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil", nil, 1, false},
		{"plain error", errors.New("boom"), 1, true},
		{"attempts spent", errors.New("boom"), 3, false},
		{"cancelled", fmt.Errorf("fetch: %w", context.Canceled), 1, false},
		{"deadline", context.DeadlineExceeded, 1, false},
		{"net timeout", netTimeout{timeout: true}, 2, true},
		{"net refused", netTimeout{timeout: false}, 1, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, b.ShouldRetry(tc.err, tc.attempt), tc.name)
	}
}

func TestBackoffDelayIsCappedAndJittered(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond})
	for i := 0; i < 20; i++ {
		d := b.Delay(1)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.Less(t, d, 100*time.Millisecond)

		capped := b.Delay(6)
		require.GreaterOrEqual(t, capped, 150*time.Millisecond)
		require.Less(t, capped, 300*time.Millisecond)
	}
}

func TestBackoffDo(t *testing.T) {
	t.Parallel()

	b := NewBackoff(BackoffConfig{MaxAttempts: 4})
	var slept []time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return netTimeout{timeout: true}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Len(t, slept, 2)

	calls = 0
	err = b.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("always")
	})
	require.EqualError(t, err, "always")
	require.Equal(t, 4, calls)

	calls = 0
	b.sleep = func(context.Context, time.Duration) error { return context.Canceled }
	err = b.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("first")
	})
	require.EqualError(t, err, "first", "an interrupted wait returns the last error")
	require.Equal(t, 1, calls)
}
