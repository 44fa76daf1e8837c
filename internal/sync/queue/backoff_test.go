package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{63, 30 * time.Second},
		{1000, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.retry, base, max), "retry=%d", tt.retry)
	}
}

func TestBackoff_NonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for i := 0; i < 100; i++ {
		d := Backoff(i, 250*time.Millisecond, 10*time.Second)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestDue(t *testing.T) {
	now := time.Now()
	assert.True(t, due(nil, 3, now, time.Second, time.Minute))

	last := now.Add(-3 * time.Second)
	assert.False(t, due(&last, 2, now, time.Second, time.Minute)) // needs 4s
	assert.True(t, due(&last, 1, now, time.Second, time.Minute))  // needs 2s
}
