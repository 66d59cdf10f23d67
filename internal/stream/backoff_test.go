package stream_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/polymaker/internal/stream"
)

func TestBackoff_Next(t *testing.T) {
	b := stream.DefaultBackoff()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, b.Next(i+1), "fallo %d", i+1)
	}
	assert.Equal(t, 60*time.Second, b.Next(40))
	assert.Equal(t, 5*time.Second, b.Next(0))
}

func TestBackoff_ZeroValueUsesDefaults(t *testing.T) {
	var b stream.Backoff
	assert.Equal(t, stream.DefaultBackoffInitial, b.Next(1))
	assert.Equal(t, stream.DefaultBackoffMax, b.Next(10))
	assert.False(t, b.Stable(stream.DefaultStableAfter-time.Second))
	assert.True(t, b.Stable(stream.DefaultStableAfter))
}

func TestBackoff_Stable(t *testing.T) {
	b := stream.Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond, StableAfter: 100 * time.Millisecond}
	assert.Equal(t, 4*time.Millisecond, b.Next(5))
	assert.False(t, b.Stable(99*time.Millisecond))
	assert.True(t, b.Stable(100*time.Millisecond))
}
