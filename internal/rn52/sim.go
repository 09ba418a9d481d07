package rn52

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// SimModule is an in-memory RN52 for demo runs and tests. It satisfies
// Link: written command lines are answered immediately with CR-terminated
// replies (the greeting keeps its CR LF), and Read returns
// (0, nil) once nothing is queued, the same way a real port behaves when
// its read timeout elapses.
type SimModule struct {
	mu      sync.Mutex
	out     bytes.Buffer
	in      []byte
	status  uint16
	step    int
	closed  bool
	timeout time.Duration
}

// demoStatuses is the sequence Advance walks through.
var demoStatuses = []uint16{0x0000, 0x0401, 0x0403, 0x0C03, 0x0D03, 0x0403}

// NewSimModule returns a simulated module. If greet is true the power-on
// greeting is already queued, as if the enable line had just gone high.
func NewSimModule(greet bool) *SimModule {
	m := &SimModule{}
	if greet {
		m.out.WriteString(Greeting)
	}
	return m
}

// SetStatus sets the bitmask returned by the next Q.
func (m *SimModule) SetStatus(v uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = v
}

// Status returns the current simulated bitmask.
func (m *SimModule) Status() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Advance moves to the next demo status, occasionally flipping a random
// low bit so successive queries are not identical.
func (m *SimModule) Advance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.step = (m.step + 1) % len(demoStatuses)
	m.status = demoStatuses[m.step]
	if rand.Intn(4) == 0 {
		m.status ^= 1 << uint(rand.Intn(4)+4)
	}
}

// Inject queues raw bytes as if the module had sent them unprompted.
func (m *SimModule) Inject(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out.Write(b)
}

func (m *SimModule) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("rn52 sim: closed")
	}
	if m.out.Len() == 0 {
		return 0, nil
	}
	return m.out.Read(p)
}

func (m *SimModule) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("rn52 sim: closed")
	}
	m.in = append(m.in, p...)
	for {
		i := bytes.IndexByte(m.in, commandTerminator)
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(m.in[:i]))
		m.in = m.in[i+1:]
		m.respond(line)
	}
	return len(p), nil
}

// respond writes the reply to one command line. Caller holds mu.
func (m *SimModule) respond(cmd string) {
	switch {
	case cmd == "":
		return
	case cmd == StatusCommand:
		// four hex digits, two bytes of padding
		fmt.Fprintf(&m.out, "%04X  \r", m.status)
	case cmd == "V":
		m.out.WriteString("RN52 sim v1.0\r")
	case cmd == "D":
		fmt.Fprintf(&m.out, "*** Settings ***\rStatus=%04X\r", m.status)
	case strings.HasPrefix(cmd, "S") || strings.HasPrefix(cmd, "A") || cmd == "R,1":
		m.out.WriteString("AOK\r")
	default:
		m.out.WriteString("?\r")
	}
}

func (m *SimModule) SetReadTimeout(t time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = t
	return nil
}

func (m *SimModule) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
