package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDoublesUpToCap(t *testing.T) {
	r := retry{delay: time.Millisecond}
	ctx := context.Background()

	assert.True(t, r.wait(ctx))
	assert.Equal(t, 2*time.Millisecond, r.delay)

	r.reset()
	assert.Equal(t, firstRetryDelay, r.delay)
}

func TestRetryWaitStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := retry{delay: time.Hour}
	assert.False(t, r.wait(ctx))
	assert.Equal(t, time.Hour, r.delay)
}
