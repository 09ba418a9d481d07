// Package rn52 drives a Microchip RN52 Bluetooth audio module in command
// mode over a serial link.
//
// The protocol is plain text: commands are sent as "<cmd>\n" and the module
// answers with a line terminated by a carriage return. After the enable line
// goes high the module prints "CMD\r\n" once; a controller that does not see
// that greeting faults permanently and every later operation becomes a no-op.
package rn52

import (
	"bytes"
	"log"
	"sync"
	"time"
)

// State is the controller lifecycle.
type State int

const (
	// StateUninitialized means Init has not run yet.
	StateUninitialized State = iota
	// StateOperational means the handshake greeting was seen.
	StateOperational
	// StateFaulted is terminal: the handshake failed and no further I/O
	// is issued for the lifetime of the controller.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateOperational:
		return "operational"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

const (
	// Greeting is what the module prints once after power-on.
	Greeting = "CMD\r\n"

	// StatusCommand asks for the 16-bit status bitmask.
	StatusCommand = "Q"

	// StatusBufferSize bounds the Q reply: four hex digits plus padding.
	StatusBufferSize = 10

	// ResponseTerminator ends a reply line unless Config.Terminator
	// says otherwise.
	ResponseTerminator byte = '\r'

	commandTerminator = '\n'

	// probeBufferSize mirrors the fixed probe buffer; one slot is reserved
	// for the terminator, so at most probeBufferSize-1 bytes are compared.
	probeBufferSize = 10

	// probeDrainLimit stops the handshake drain on a module that never
	// goes quiet.
	probeDrainLimit = 1024
)

// Timing defaults. All of them can be overridden through Config.
const (
	DefaultInterDelay = 100 * time.Millisecond
	DefaultDebugDelay = 50 * time.Millisecond
	ReadTimeout       = 500 * time.Millisecond
	ProbeTimeout      = 20 * time.Millisecond
)

// Config tunes the controller's waits. Zero values select the defaults.
type Config struct {
	// InterDelay is the settle time between writing a Q command and
	// reading its reply.
	InterDelay time.Duration
	// ReadTimeout bounds each read while collecting a reply.
	ReadTimeout time.Duration
	// ProbeTimeout bounds each read while draining immediately available
	// bytes (handshake and Debug).
	ProbeTimeout time.Duration
	// Terminator ends a reply read by ExecInto. Zero means
	// ResponseTerminator. Modules that end lines with CR LF leave the LF
	// queued when this is CR; set it to '\n' for those.
	Terminator byte
	// Sleep blocks for the settle delay. Tests replace it with a fake
	// clock; nil means time.Sleep.
	Sleep func(time.Duration)
	// Now stamps status reports; nil means time.Now.
	Now func() time.Time
}

// Controller owns the serial link to one RN52. It is built once by the
// top-level program and handed to whoever needs it; callers are expected
// to use it from a single poll loop, but the mutex keeps exchanges from
// interleaving if they do not.
type Controller struct {
	mu    sync.Mutex
	link  Link
	cfg   Config
	state State
	rx    []byte
	one   [1]byte
}

// NewController wraps link. The link must already be open.
func NewController(link Link, cfg Config) *Controller {
	if cfg.InterDelay <= 0 {
		cfg.InterDelay = DefaultInterDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = ReadTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = ProbeTimeout
	}
	if cfg.Terminator == 0 {
		cfg.Terminator = ResponseTerminator
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		link: link,
		cfg:  cfg,
		rx:   make([]byte, StatusBufferSize),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Faulted reports whether the handshake failed.
func (c *Controller) Faulted() bool {
	return c.State() == StateFaulted
}

// Init probes for the power-on greeting. It drains whatever the module has
// already sent without waiting for more, and faults unless the bytes are
// exactly Greeting. It runs once; later calls return the recorded outcome
// without touching the link.
func (c *Controller) Init() (faulted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUninitialized {
		return c.state == StateFaulted
	}

	probe := c.drain(probeBufferSize)
	if string(probe) != Greeting {
		c.state = StateFaulted
		log.Printf("[rn52] handshake failed: got %q, want %q", probe, Greeting)
		return true
	}

	c.state = StateOperational
	log.Printf("[rn52] handshake ok")
	return false
}

// SendCommand writes cmd followed by a newline. It does not wait for or
// read any reply.
func (c *Controller) SendCommand(cmd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCommand(cmd)
}

func (c *Controller) sendCommand(cmd string) {
	if c.state == StateFaulted {
		return
	}
	frame := make([]byte, 0, len(cmd)+1)
	frame = append(frame, cmd...)
	frame = append(frame, commandTerminator)
	if _, err := c.link.Write(frame); err != nil {
		log.Printf("[rn52] write %q failed: %v", cmd, err)
	}
}

// ExecInto sends cmd, sleeps interDelay, then reads the reply into buf
// until the terminator (a carriage return by default, not stored),
// len(buf) bytes, or a read timeout, whichever comes first. The last byte
// of buf is always overwritten with 0 afterwards, even when nothing was
// read, so buf is usable as bounded text. A short or truncated reply is
// not an error.
//
// It returns the number of bytes read. With len(buf) < 1, or once faulted,
// it does nothing and returns 0.
func (c *Controller) ExecInto(cmd string, buf []byte, interDelay time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execInto(cmd, buf, interDelay)
}

func (c *Controller) execInto(cmd string, buf []byte, interDelay time.Duration) int {
	if c.state == StateFaulted || len(buf) < 1 {
		return 0
	}

	c.sendCommand(cmd)
	c.cfg.Sleep(interDelay)
	if err := c.link.SetReadTimeout(c.cfg.ReadTimeout); err != nil {
		log.Printf("[rn52] set read timeout: %v", err)
	}

	n := 0
	for n < len(buf) {
		got, err := c.link.Read(c.one[:])
		if got == 0 {
			if err != nil {
				log.Printf("[rn52] read %q reply: %v", cmd, err)
			}
			break
		}
		if c.one[0] == c.cfg.Terminator {
			break
		}
		buf[n] = c.one[0]
		n++
	}

	buf[len(buf)-1] = 0
	return n
}

// Exec runs a command/response exchange with a freshly allocated maxLen
// buffer and returns the reply text up to its first NUL.
func (c *Controller) Exec(cmd string, interDelay time.Duration, maxLen int) string {
	if maxLen < 1 {
		return ""
	}
	buf := make([]byte, maxLen)
	c.ExecInto(cmd, buf, interDelay)
	return cString(buf)
}

// QueryStatus sends Q and decodes the four hex digits at the head of the
// reply. A faulted controller returns the zero report without any I/O.
func (c *Controller) QueryStatus() StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateFaulted {
		return StatusReport{}
	}

	buf := c.rx[:StatusBufferSize]
	clear(buf)
	c.execInto(StatusCommand, buf, c.cfg.InterDelay)

	hex := cString(buf[:StatusHexLen])
	clear(buf[StatusHexLen:])

	return StatusReport{
		Value: DecodeStatus(hex),
		Hex:   hex,
		At:    c.cfg.Now(),
	}
}

// Debug sends cmd, sleeps interDelay, and returns whatever the module has
// sent back by then, up to maxLen-1 bytes. Unlike Exec it does not stop at
// a carriage return, so multi-line replies such as "D" come back whole.
func (c *Controller) Debug(cmd string, interDelay time.Duration, maxLen int) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateFaulted || maxLen < 1 {
		return ""
	}

	c.sendCommand(cmd)
	c.cfg.Sleep(interDelay)
	out := c.drain(maxLen)
	log.Printf("[rn52] debug %q -> %q", cmd, out)
	return string(out)
}

// drain reads bytes that are already available, keeping at most size-1 of
// them. It stops on the first empty read.
func (c *Controller) drain(size int) []byte {
	if err := c.link.SetReadTimeout(c.cfg.ProbeTimeout); err != nil {
		log.Printf("[rn52] set probe timeout: %v", err)
	}

	keep := make([]byte, 0, size-1)
	var chunk [64]byte
	total := 0
	for total < probeDrainLimit {
		n, err := c.link.Read(chunk[:])
		if n > 0 {
			total += n
			room := cap(keep) - len(keep)
			if room > n {
				room = n
			}
			keep = append(keep, chunk[:room]...)
		}
		if n == 0 || err != nil {
			break
		}
	}
	return keep
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
