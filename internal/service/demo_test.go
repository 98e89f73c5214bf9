package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wei-Shaw/gatekit/internal/pkg/ctxkey"
)

func newDemoFixture(t *testing.T) (*DemoService, *toolkitFixture) {
	t.Helper()
	fx := newToolkitFixture(ToolkitOptions{Enabled: true})
	return NewDemoService(fx.toolkit), fx
}

func demoCtx(idemKey, correlationID string) context.Context {
	ctx := context.WithValue(context.Background(), ctxkey.Subject, Subject{Type: SubjectTypeAPIKey, ID: "demo-hash"})
	if idemKey != "" {
		ctx = context.WithValue(ctx, ctxkey.IdempotencyKey, idemKey)
	}
	if correlationID != "" {
		ctx = context.WithValue(ctx, ctxkey.CorrelationID, correlationID)
	}
	return ctx
}

func TestDemoCachedCustomerView(t *testing.T) {
	demo, _ := newDemoFixture(t)
	ctx := demoCtx("", "corr-1")

	first, err := demo.CachedCustomerView(ctx, 7)
	require.NoError(t, err)
	second, err := demo.CachedCustomerView(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, first.StableValue, second.StableValue, "same id must serve the cached value")

	other, err := demo.CachedCustomerView(ctx, 8)
	require.NoError(t, err)
	require.NotEqual(t, first.StableValue, other.StableValue)
}

func TestDemoIdempotentPaymentReplays(t *testing.T) {
	demo, fx := newDemoFixture(t)
	req := DemoPaymentRequest{Amount: 12.5, Currency: "EUR"}

	first, err := demo.IdempotentPayment(demoCtx("pay-1", "corr-1"), req)
	require.NoError(t, err)
	require.Equal(t, "ACCEPTED", first.Status)

	replayed, err := demo.IdempotentPayment(demoCtx("pay-1", "corr-2"), req)
	require.NoError(t, err)
	require.Equal(t, first.PaymentID, replayed.PaymentID, "replay must return the stored payment id")

	// A different payload under the same key is a conflict.
	_, err = demo.IdempotentPayment(demoCtx("pay-1", "corr-3"), DemoPaymentRequest{Amount: 99, Currency: "EUR"})
	require.ErrorIs(t, err, ErrIdempotencyKeyConflict)

	// A fresh key mints a fresh payment.
	second, err := demo.IdempotentPayment(demoCtx("pay-2", "corr-4"), req)
	require.NoError(t, err)
	require.NotEqual(t, first.PaymentID, second.PaymentID)

	// The payment operation declares the key mandatory.
	_, err = demo.IdempotentPayment(demoCtx("", "corr-5"), req)
	require.ErrorIs(t, err, ErrIdempotencyKeyRequired)

	require.Len(t, fx.audit.all(), 5, "every call is audited, replays and conflicts included")
}

func TestDemoRateLimitedPing(t *testing.T) {
	demo, _ := newDemoFixture(t)
	ctx := demoCtx("", "corr-1")

	for i := 0; i < 2; i++ {
		resp, err := demo.RateLimitedPing(ctx)
		require.NoError(t, err)
		require.Equal(t, "OK", resp.Status)
	}
	_, err := demo.RateLimitedPing(ctx)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestDemoRetrySucceedsWithinBudget(t *testing.T) {
	demo, fx := newDemoFixture(t)
	ctx := demoCtx("", "corr-1")

	start := time.Now()
	resp, err := demo.RetryDemo(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "SUCCESS", resp.Status)
	require.Equal(t, 3, resp.Attempt)
	require.Equal(t, 2, resp.FailTimes)
	require.Equal(t, "apiKey:demo-hash", resp.SubjectKey)

	// Two backoff waits happened (base 200ms, then 400ms, both jittered).
	require.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	require.Equal(t, 2, fx.metrics.count("retry_attempt", "DemoService#RetryDemo"))
}

func TestDemoRetryExhaustsBudget(t *testing.T) {
	demo, fx := newDemoFixture(t)
	ctx := demoCtx("", "corr-1")

	// 4 attempts cannot absorb 10 failures.
	_, err := demo.RetryDemo(ctx, 10)
	require.ErrorIs(t, err, ErrDemoTransient)
	require.Equal(t, 1, fx.metrics.count("retry_exhausted", "DemoService#RetryDemo"))
}

func TestDemoRetryZeroFailuresSucceedsImmediately(t *testing.T) {
	demo, _ := newDemoFixture(t)

	resp, err := demo.RetryDemo(demoCtx("", "corr-1"), 0)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Attempt)
}
