package board

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
)

// RPi drives the lines through /dev/gpiomem with go-rpio.
type RPi struct {
	enable    rpio.Pin
	interrupt rpio.Pin
	led       rpio.Pin
	hasLED    bool
	poll      time.Duration

	mu sync.Mutex
}

// NewRPi maps GPIO memory and configures the pins. The enable line starts
// low so the module stays off until EnableModule.
func NewRPi(cfg Config) (*RPi, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("board: failed to open gpio: %w", err)
	}

	poll := time.Duration(cfg.EdgePollMs) * time.Millisecond
	if poll <= 0 {
		poll = 5 * time.Millisecond
	}

	b := &RPi{
		enable:    rpio.Pin(cfg.EnablePin),
		interrupt: rpio.Pin(cfg.InterruptPin),
		led:       rpio.Pin(cfg.LEDPin),
		hasLED:    cfg.LEDPin != 0,
		poll:      poll,
	}

	b.enable.Output()
	b.enable.Low()

	// The module holds the line high and pulls it low for ~100ms on an
	// event, so no pull resistor.
	b.interrupt.Input()
	b.interrupt.PullOff()

	if b.hasLED {
		b.led.Output()
		b.led.High()
	}

	log.Printf("[board] rpio ready (enable=%d interrupt=%d led=%d)", cfg.EnablePin, cfg.InterruptPin, cfg.LEDPin)
	return b, nil
}

func (b *RPi) Name() string { return "Raspberry Pi GPIO" }

func (b *RPi) EnableModule() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enable.High()
	return nil
}

// Watch arms falling-edge detection and polls the event-detect register.
func (b *RPi) Watch(ctx context.Context, onEdge func()) {
	b.mu.Lock()
	b.interrupt.Detect(rpio.FallEdge)
	b.mu.Unlock()

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	defer func() {
		b.mu.Lock()
		b.interrupt.Detect(rpio.NoEdge)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			fired := b.interrupt.EdgeDetected()
			b.mu.Unlock()
			if fired {
				onEdge()
			}
		}
	}
}

func (b *RPi) ToggleLED() {
	if !b.hasLED {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.led.Toggle()
}

func (b *RPi) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enable.Low()
	if b.hasLED {
		b.led.Low()
	}
	return rpio.Close()
}
