package rn52

import (
	"fmt"
	"io"
	"log"
	"time"

	"go.bug.st/serial"
)

// Link is the serial transport between the host and the RN52.
//
// Read must return (0, nil) once the current read timeout elapses with no
// data; the controller treats an empty read as "nothing more is coming".
// go.bug.st/serial ports satisfy this interface as-is.
type Link interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
	Close() error
}

// SerialConfig holds port settings shared by every serial backend.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// DefaultBaudRate is the RN52 factory UART speed.
const DefaultBaudRate = 115200

// Driver names accepted by Open.
const (
	DriverBugst = "bugst"
	DriverTarm  = "tarm"
)

// Open opens a serial link using the named driver.
func Open(driver string, cfg SerialConfig) (Link, error) {
	switch driver {
	case "", DriverBugst:
		return OpenBugst(cfg)
	case DriverTarm:
		return OpenTarm(cfg)
	default:
		return nil, fmt.Errorf("rn52: unknown serial driver %q", driver)
	}
}

// OpenBugst opens the port with go.bug.st/serial at 8N1.
func OpenBugst(cfg SerialConfig) (Link, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("rn52: failed to open %s: %w", cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("rn52: failed to set timeout: %w", err)
	}
	log.Printf("[rn52] opened %s at %d baud (bugst)", cfg.PortPath, cfg.BaudRate)
	return port, nil
}
