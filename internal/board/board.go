// Package board wires the RN52 control lines: the enable output, the
// active-low event line, and an activity LED.
package board

import "context"

// Board abstracts the GPIO lines around the module.
type Board interface {
	// Name returns a human-readable backend name.
	Name() string
	// EnableModule drives the enable line high.
	EnableModule() error
	// Watch calls onEdge for every falling edge on the event line until
	// ctx is done. onEdge runs on the watcher goroutine and must not block
	// or do I/O; it is meant to be a latch's Signal.
	Watch(ctx context.Context, onEdge func())
	// ToggleLED flips the activity LED, if one is configured.
	ToggleLED()
	// Close releases the GPIO lines.
	Close() error
}

// Config selects the GPIO lines (BCM numbering). A zero LEDPin disables
// the activity LED.
type Config struct {
	EnablePin     uint8 `yaml:"enable_pin" json:"enablePin"`
	InterruptPin  uint8 `yaml:"interrupt_pin" json:"interruptPin"`
	LEDPin        uint8 `yaml:"led_pin" json:"ledPin"`
	EdgePollMs    int   `yaml:"edge_poll_ms" json:"edgePollMs"`
	SimIntervalMs int   `yaml:"sim_interval_ms" json:"simIntervalMs"`
}
