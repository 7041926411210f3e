package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-gateway/internal/apperr"
)

type recordedSleep struct {
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func testPolicy(s *recordedSleep) Policy {
	p := DefaultPolicy()
	p.Sleep = s.sleep
	return p
}

func TestDelaySchedule(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(20))
	assert.Equal(t, 4, p.MaxAttempts())
}

func TestBudget(t *testing.T) {
	assert.Equal(t, 4*10*time.Second+7*time.Second, DefaultPolicy().Budget())
	assert.Equal(t, time.Second, Policy{AttemptTimeout: time.Second}.Budget())
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	s := &recordedSleep{}
	got, err := Do(context.Background(), testPolicy(s), func(ctx context.Context, attempt int) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Empty(t, s.delays)
}

func TestDo_ExhaustsBudgetOnRetryable(t *testing.T) {
	s := &recordedSleep{}
	attempts := 0
	_, err := Do(context.Background(), testPolicy(s), func(ctx context.Context, attempt int) (int, error) {
		attempts++
		assert.Equal(t, attempts, attempt)
		return 0, apperr.ProviderErr("stripe", "503 from upstream", nil)
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Provider, apperr.KindOf(err))
	assert.Equal(t, 4, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, s.delays)
}

func TestDo_RecoversAfterTransientFailures(t *testing.T) {
	s := &recordedSleep{}
	attempts := 0
	got, err := Do(context.Background(), testPolicy(s), func(ctx context.Context, attempt int) (string, error) {
		attempts++
		if attempt < 3 {
			return "", apperr.NetworkErr("paypal", errors.New("connection reset"))
		}
		return "charged", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "charged", got)
	assert.Equal(t, 3, attempts)
	assert.Len(t, s.delays, 2)
}

func TestDo_DoesNotRetryBusinessFailures(t *testing.T) {
	for _, failure := range []error{
		apperr.PaymentFailedErr("card declined", nil),
		apperr.ValidationErr("bad", nil),
		apperr.ProviderErr("stripe", "circuit open", nil).Permanent(),
		errors.New("unclassified"),
	} {
		s := &recordedSleep{}
		attempts := 0
		_, err := Do(context.Background(), testPolicy(s), func(ctx context.Context, attempt int) (int, error) {
			attempts++
			return 0, failure
		})
		assert.ErrorIs(t, err, failure)
		assert.Equal(t, 1, attempts)
		assert.Empty(t, s.delays)
	}
}

func TestDo_AttemptTimeoutBecomesTimeoutError(t *testing.T) {
	s := &recordedSleep{}
	p := testPolicy(s)
	p.AttemptTimeout = 10 * time.Millisecond
	attempts := 0
	_, err := Do(context.Background(), p, func(ctx context.Context, attempt int) (int, error) {
		attempts++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))
	assert.Equal(t, 4, attempts, "each attempt gets a fresh timeout")
}

func TestDo_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	attempts := 0
	_, err := Do(ctx, p, func(ctx context.Context, attempt int) (int, error) {
		attempts++
		return 0, apperr.TimeoutErr("stripe", nil)
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Timeout, apperr.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
