package latch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsume_Empty(t *testing.T) {
	var l Latch
	assert.False(t, l.Consume())
	assert.False(t, l.Pending())
}

func TestSignal_Coalesces(t *testing.T) {
	for _, k := range []int{1, 2, 7, 100} {
		var l Latch
		for i := 0; i < k; i++ {
			l.Signal()
		}
		assert.True(t, l.Pending(), "k=%d", k)
		assert.True(t, l.Consume(), "k=%d: first consume", k)
		assert.False(t, l.Consume(), "k=%d: second consume", k)
	}
}

func TestSignal_AfterConsume(t *testing.T) {
	var l Latch
	l.Signal()
	assert.True(t, l.Consume())
	l.Signal()
	assert.True(t, l.Consume())
	assert.False(t, l.Consume())
}

func TestConcurrent_NoLostSignal(t *testing.T) {
	var l Latch
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				l.Signal()
			}
		}()
	}

	seen := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		if l.Consume() {
			seen++
		}
		select {
		case <-done:
			// producers finished; anything left is still pending
			if l.Consume() {
				seen++
			}
			assert.GreaterOrEqual(t, seen, 1)
			assert.False(t, l.Consume())
			return
		default:
		}
	}
}
