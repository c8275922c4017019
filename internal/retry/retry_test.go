package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("write conflict")

func fast(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond}
}

func TestDo_SucceedsFirstTime(t *testing.T) {
	calls := 0
	err := fast(3).Do(context.Background(), func() error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := fast(3).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := fast(3).Do(context.Background(), func() error { calls++; return errConflict })
	assert.ErrorIs(t, err, errConflict)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsAndUnwraps(t *testing.T) {
	inner := errors.New("insufficient funds")
	calls := 0
	err := fast(5).Do(context.Background(), func() error { calls++; return Permanent(inner) })
	assert.Equal(t, inner, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{MaxAttempts: 10, BaseDelay: time.Hour}.Do(ctx, func() error {
		calls++
		cancel()
		return errConflict
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func() error { calls++; return errConflict })
	assert.Equal(t, 1, calls)
}

func TestPolicy_RetryIfStopsOnUnmatched(t *testing.T) {
	fatal := errors.New("validation")
	calls := 0
	err := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		RetryIf:     func(err error) bool { return errors.Is(err, errConflict) },
	}.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errConflict
		}
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, calls)
}

func TestPolicy_OnRetryNumbersFailedAttempts(t *testing.T) {
	var attempts []int
	err := Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    time.Millisecond,
		OnRetry:     func(n int, _ error) { attempts = append(attempts, n) },
	}.Do(context.Background(), func() error { return errConflict })
	assert.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond}
	for n, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond} {
		for i := 0; i < 50; i++ {
			got := p.Backoff(n)
			assert.GreaterOrEqual(t, got, want*3/4, "attempt %d", n)
			assert.LessOrEqual(t, got, want*5/4, "attempt %d", n)
		}
	}

	p.MaxDelay = 150 * time.Millisecond
	assert.Equal(t, 150*time.Millisecond, p.Backoff(3))
	assert.Zero(t, Policy{}.Backoff(1))
}
