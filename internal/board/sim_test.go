package board

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stegophone/stegophone/internal/latch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSim_WatchSignalsLatch(t *testing.T) {
	var before atomic.Int32
	var l latch.Latch
	b := NewSim(time.Millisecond, func() { before.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Watch(ctx, l.Signal)
		close(done)
	}()

	require.Eventually(t, l.Pending, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.True(t, l.Consume())
	assert.GreaterOrEqual(t, before.Load(), int32(1))
}

func TestSim_EnableAndLED(t *testing.T) {
	b := NewSim(0, nil)
	assert.False(t, b.Enabled())
	require.NoError(t, b.EnableModule())
	assert.True(t, b.Enabled())

	b.ToggleLED()
	b.ToggleLED()
	assert.Equal(t, 2, b.Toggles())
	assert.NoError(t, b.Close())
}

var _ Board = (*Sim)(nil)
var _ Board = (*RPi)(nil)
