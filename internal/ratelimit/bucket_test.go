package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilBucketIsUnlimited(t *testing.T) {
	b := New(0)
	require.Nil(t, b)

	// All methods must be safe on the nil receiver.
	b.Debit(100)
	assert.Zero(t, b.Delay())
	assert.NoError(t, b.Wait(context.Background()))
}

func TestFreshBucketHasNoDelay(t *testing.T) {
	b := New(10)
	assert.Zero(t, b.Delay())
}

func TestDebitCausesDelay(t *testing.T) {
	b := New(5)

	// Spend the whole burst; the bucket must now ask for a pause.
	b.Debit(5)
	d := b.Delay()
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 2*time.Second, "delay is bounded by refill math")
}

func TestOversizedDebitIsChargedInFull(t *testing.T) {
	b := New(5)

	// 100 units against a 5-unit budget is ~20 seconds of debt. A debit
	// clamped to one burst would report at most ~1 second here.
	b.Debit(100)
	assert.Greater(t, b.Delay(), 15*time.Second)
	assert.Less(t, b.Delay(), 30*time.Second)
}

func TestSmallDebitLeavesCapacity(t *testing.T) {
	b := New(100)
	b.Debit(1)
	assert.Zero(t, b.Delay())
}

func TestWaitHonorsCancelledContext(t *testing.T) {
	b := New(1)
	b.Debit(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, b.Wait(ctx))
}

func TestWaitSleepsOutTheDelay(t *testing.T) {
	b := New(50)
	b.Debit(50)

	start := time.Now()
	require.NoError(t, b.Wait(context.Background()))
	assert.Greater(t, time.Since(start), 10*time.Millisecond)
}
