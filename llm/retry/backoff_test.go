package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/turnflow/types"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func fastPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestBackoffRetryer_Success(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(), zap.NewNop())
	ctx := context.Background()

	callCount := 0
	err := retryer.Do(ctx, func() error {
		callCount++
		return nil // 第一次就成功
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount, "应该只调用一次")
}

func TestBackoffRetryer_RetryAndSuccess(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(), zap.NewNop())
	ctx := context.Background()

	callCount := 0
	testErr := errors.New("temporary error")

	err := retryer.Do(ctx, func() error {
		callCount++
		if callCount < 3 {
			return testErr // 前两次失败
		}
		return nil // 第三次成功
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestBackoffRetryer_Exhausted(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(), zap.NewNop())
	ctx := context.Background()

	callCount := 0
	testErr := errors.New("always fails")

	err := retryer.Do(ctx, func() error {
		callCount++
		return testErr
	})

	assert.Error(t, err)
	assert.ErrorIs(t, err, testErr)
	assert.Equal(t, 4, callCount, "初次调用 + 3 次重试")
}

func TestBackoffRetryer_NonRetryableTypedError(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(), zap.NewNop())
	ctx := context.Background()

	callCount := 0
	typed := types.NewError(types.ErrInvalidRequest, "bad prompt").WithRetryable(false)

	err := retryer.Do(ctx, func() error {
		callCount++
		return typed
	})

	assert.Error(t, err)
	assert.Equal(t, 1, callCount, "不可重试错误不应触发重试")
}

func TestBackoffRetryer_RetryableTypedError(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(), zap.NewNop())
	ctx := context.Background()

	callCount := 0
	typed := types.NewError(types.ErrUpstreamError, "upstream hiccup").WithRetryable(true)

	err := retryer.Do(ctx, func() error {
		callCount++
		if callCount < 2 {
			return typed
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, callCount)
}

func TestBackoffRetryer_ContextCancelled(t *testing.T) {
	policy := fastPolicy()
	policy.InitialDelay = 500 * time.Millisecond
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	callCount := 0

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := retryer.Do(ctx, func() error {
		callCount++
		return errors.New("fail")
	})

	assert.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, callCount, "取消后不应再次调用")
}

func TestBackoffRetryer_OnRetryCallback(t *testing.T) {
	policy := fastPolicy()
	var attempts []int
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	retryer := NewBackoffRetryer(policy, zap.NewNop())
	_ = retryer.Do(context.Background(), func() error {
		return errors.New("fail")
	})

	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestBackoffRetryer_DoWithResult(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(), zap.NewNop())

	got, err := retryer.DoWithResult(context.Background(), func() (any, error) {
		return "value", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestCalculateDelay_Capped(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries:   10,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   3.0,
		Jitter:       false,
	}
	r := NewBackoffRetryer(policy, zap.NewNop()).(*backoffRetryer)

	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 30*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 50*time.Millisecond, r.calculateDelay(3), "超过上限后封顶")
	assert.Equal(t, 50*time.Millisecond, r.calculateDelay(8))
}

func TestDefaultRetryableCheck(t *testing.T) {
	assert.False(t, DefaultRetryableCheck(nil))
	assert.True(t, DefaultRetryableCheck(errors.New("plain network error")))
	assert.True(t, DefaultRetryableCheck(types.NewError(types.ErrUpstreamError, "x").WithRetryable(true)))
	assert.False(t, DefaultRetryableCheck(types.NewError(types.ErrAuthentication, "x")))
}
