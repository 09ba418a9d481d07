package rn52

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/tarm/serial"
)

// tarmLink adapts a tarm/serial port to Link. tarm fixes the read timeout
// when the port is opened, so SetReadTimeout only records the request.
type tarmLink struct {
	port    io.ReadWriteCloser
	timeout time.Duration
}

// OpenTarm opens the port with github.com/tarm/serial. The read timeout is
// pinned to ReadTimeout for the lifetime of the port.
func OpenTarm(cfg SerialConfig) (Link, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.PortPath,
		Baud:        cfg.BaudRate,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("rn52: failed to open %s: %w", cfg.PortPath, err)
	}
	log.Printf("[rn52] opened %s at %d baud (tarm)", cfg.PortPath, cfg.BaudRate)
	return &tarmLink{port: port, timeout: ReadTimeout}, nil
}

// Read reports an expired timeout as (0, nil). On POSIX tarm returns
// io.EOF when VTIME runs out with nothing received.
func (t *tarmLink) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func (t *tarmLink) Write(p []byte) (int, error) { return t.port.Write(p) }

func (t *tarmLink) SetReadTimeout(d time.Duration) error {
	t.timeout = d
	return nil
}

func (t *tarmLink) Close() error { return t.port.Close() }
