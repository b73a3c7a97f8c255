package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newQueryBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, b.TryAcquire())
		b.OnFailure()
	}

	assert.False(t, b.TryAcquire(), "breaker should be open")
}

func TestBreakerSingleProbeAfterOpenWindow(t *testing.T) {
	b := newQueryBreaker(1, 10*time.Millisecond)

	assert.True(t, b.TryAcquire())
	b.OnFailure()
	assert.False(t, b.TryAcquire())

	time.Sleep(20 * time.Millisecond)

	assert.True(t, b.TryAcquire(), "half-open should admit one probe")
	assert.False(t, b.TryAcquire(), "only one probe at a time")

	b.OnSuccess()
	assert.True(t, b.TryAcquire(), "closed again after successful probe")
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := newQueryBreaker(1, 10*time.Millisecond)

	b.TryAcquire()
	b.OnFailure()
	time.Sleep(20 * time.Millisecond)

	assert.True(t, b.TryAcquire())
	b.OnFailure()

	assert.False(t, b.TryAcquire(), "failed probe reopens immediately")
}
