package board

import (
	"context"
	"sync"
	"time"
)

// Sim is a board with no hardware. Watch fires an edge every interval,
// running Before first so a simulated module can change state.
type Sim struct {
	Before func()

	interval time.Duration

	mu      sync.Mutex
	enabled bool
	led     bool
	toggles int
}

// NewSim returns a simulated board that raises an edge every interval.
func NewSim(interval time.Duration, before func()) *Sim {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Sim{Before: before, interval: interval}
}

func (s *Sim) Name() string { return "Simulated GPIO" }

func (s *Sim) EnableModule() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	return nil
}

// Enabled reports whether EnableModule was called.
func (s *Sim) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Sim) Watch(ctx context.Context, onEdge func()) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Before != nil {
				s.Before()
			}
			onEdge()
		}
	}
}

func (s *Sim) ToggleLED() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.led = !s.led
	s.toggles++
}

// Toggles returns how many times the LED was flipped.
func (s *Sim) Toggles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toggles
}

func (s *Sim) Close() error { return nil }
