package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntDefault(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 5*time.Second, IntSecondDefault(0, 5*time.Second))
	assert.Equal(t, 5*time.Second, IntSecondDefault(-1, 5*time.Second))
	assert.Equal(t, 3*time.Second, IntSecondDefault(3, 5*time.Second))
	assert.Equal(t, 7500*time.Millisecond, IntMillisecondDefault(0, 7500*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, IntMillisecondDefault(250, time.Second))
}

func TestUnixFloat(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 250e6, time.UTC)
	f := UnixFloat(ts)
	assert.InDelta(t, 1709294400.25, f, 1e-6)
	back := FromUnixFloat(f)
	assert.InDelta(t, 0, float64(back.Sub(ts)), float64(time.Microsecond))
}
