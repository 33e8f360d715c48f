package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffGrowth(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, K: 2, Res: 10 * time.Millisecond}
	assert.Equal(t, time.Duration(0), b.DelayBefore())

	assert.Equal(t, 1, b.Failure())
	assert.InDelta(t, float64(100*time.Millisecond), float64(b.DelayBefore()), float64(20*time.Millisecond))
	b.Failure()
	b.Failure()
	assert.InDelta(t, float64(400*time.Millisecond), float64(b.DelayBefore()), float64(20*time.Millisecond))
	for i := 0; i < 10; i++ {
		b.Failure()
	}
	assert.True(t, b.DelayBefore() <= time.Second)
	assert.Equal(t, 13, b.Failures())

	b.Reset()
	assert.Equal(t, 0, b.Failures())
}

func TestBackoffSleepCancel(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: time.Hour, Max: time.Hour, K: 2}
	b.Failure()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Sleep(ctx)
	require.Error(t, err)
	assert.Equal(t, context.Canceled, err)
}
