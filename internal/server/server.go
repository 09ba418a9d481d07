package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stegophone/stegophone/internal/board"
	"github.com/stegophone/stegophone/internal/latch"
	"github.com/stegophone/stegophone/internal/logger"
	"github.com/stegophone/stegophone/internal/rn52"
)

// Module is the part of rn52.Controller the poll loop drives.
type Module interface {
	State() rn52.State
	QueryStatus() rn52.StatusReport
	SendCommand(cmd string)
	Exec(cmd string, interDelay time.Duration, maxLen int) string
	Debug(cmd string, interDelay time.Duration, maxLen int) string
}

// Server owns the poll loop: it consumes the event latch, queries the
// module, and fans results out to WebSocket clients and the CSV log.
// All module I/O after the handshake happens on the poll loop goroutine.
type Server struct {
	cfg    *Config
	module Module
	board  board.Board
	events *latch.Latch
	webFS  fs.FS
	logger *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Diagnostic commands queued for the poll loop
	cmdCh chan commandRequest
	// Closed when the poll loop exits
	done chan struct{}

	// LED blink period while the module is faulted
	faultBlink time.Duration

	lastMu sync.Mutex
	last   *Frame
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Status *rn52.StatusReport `json:"status,omitempty"`
	State  string             `json:"state"`
	Source string             `json:"source,omitempty"` // "startup", "event" or "api"
	Reply  *CommandReply      `json:"reply,omitempty"`
	Stamp  int64              `json:"stamp"` // Unix ms
}

// CommandRequest is the body of POST /api/command.
type CommandRequest struct {
	Command string `json:"command"`
	Mode    string `json:"mode"` // "send", "exec" (default), "debug" or "status"
	DelayMs int    `json:"delayMs"`
	MaxLen  int    `json:"maxLen"`
}

// CommandReply is returned by POST /api/command and echoed to clients.
type CommandReply struct {
	Command string             `json:"command"`
	Mode    string             `json:"mode"`
	Reply   string             `json:"reply"`
	Status  *rn52.StatusReport `json:"status,omitempty"`
	State   string             `json:"state"`
}

type commandRequest struct {
	req   CommandRequest
	reply chan CommandReply
}

const (
	defaultMaxLen     = 1024
	maxCommandLen     = 64
	defaultFaultBlink = time.Second
)

// New creates a new Server.
func New(cfg *Config, module Module, brd board.Board, events *latch.Latch, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		module:  module,
		board:   brd,
		events:  events,
		webFS:   webFS,
		logger:  logger.New(cfg.LoggingConfig()),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cmdCh:      make(chan commandRequest),
		done:       make(chan struct{}),
		faultBlink: defaultFaultBlink,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Status and diagnostics API
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/command", s.handleCommand)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run starts the edge watcher, the poll loop and the HTTP server.
func (s *Server) Run(ctx context.Context) error {
	go s.board.Watch(ctx, s.events.Signal)
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pollLoop is the only goroutine that talks to the module. Each tick it
// consumes the event latch; API commands are interleaved between ticks so
// at most one exchange is outstanding on the link.
func (s *Server) pollLoop(ctx context.Context) {
	hz := s.cfg.Server.PollHz
	if hz <= 0 {
		hz = 50
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	defer close(s.done)

	// A faulted module keeps the LED blinking slowly
	var blink <-chan time.Time
	if s.module.State() == rn52.StateOperational {
		s.query("startup")
	} else {
		s.publish(&Frame{State: s.module.State().String(), Stamp: time.Now().UnixMilli()})
		if s.module.State() == rn52.StateFaulted {
			bt := time.NewTicker(s.faultBlink)
			defer bt.Stop()
			blink = bt.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case r := <-s.cmdCh:
			r.reply <- s.runCommand(r.req)
		case <-ticker.C:
			s.pollOnce()
		case <-blink:
			s.board.ToggleLED()
		}
	}
}

// pollOnce handles one latch observation. It reports whether a query ran.
func (s *Server) pollOnce() bool {
	if !s.events.Consume() {
		return false
	}
	s.board.ToggleLED()
	s.query("event")
	return true
}

func (s *Server) query(source string) rn52.StatusReport {
	report := s.module.QueryStatus()
	state := s.module.State()
	log.Printf("[server] %s status %s (%s)", source, report, state)

	s.publish(&Frame{
		Status: &report,
		State:  state.String(),
		Source: source,
		Stamp:  time.Now().UnixMilli(),
	})
	s.logger.Record(report, state, source)
	return report
}

// publish stores frame as the latest snapshot and broadcasts it.
func (s *Server) publish(frame *Frame) {
	s.lastMu.Lock()
	s.last = frame
	s.lastMu.Unlock()
	s.broadcast(frame)
}

// Last returns the most recent published frame, or nil.
func (s *Server) Last() *Frame {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

func (s *Server) runCommand(req CommandRequest) CommandReply {
	out := CommandReply{Command: req.Command, Mode: req.Mode}
	delay := time.Duration(req.DelayMs) * time.Millisecond

	switch req.Mode {
	case "send":
		s.module.SendCommand(req.Command)
	case "debug":
		if delay <= 0 {
			delay = rn52.DefaultDebugDelay
		}
		out.Reply = s.module.Debug(req.Command, delay, req.MaxLen)
	case "status":
		report := s.query("api")
		out.Status = &report
		out.Reply = report.Hex
	default:
		if delay <= 0 {
			delay = rn52.DefaultInterDelay
		}
		out.Reply = s.module.Exec(req.Command, delay, req.MaxLen)
	}
	out.State = s.module.State().String()
	log.Printf("[server] api %s %q -> %q", out.Mode, out.Command, out.Reply)

	if req.Mode != "status" {
		s.broadcast(&Frame{Reply: &out, State: out.State, Source: "api", Stamp: time.Now().UnixMilli()})
	}
	return out
}

// normalizeCommand fills defaults and rejects requests that would break
// command framing.
func normalizeCommand(req *CommandRequest) error {
	if req.Mode == "" {
		req.Mode = "exec"
	}
	switch req.Mode {
	case "send", "exec", "debug":
		if req.Command == "" {
			return fmt.Errorf("command is required")
		}
	case "status":
		req.Command = rn52.StatusCommand
	default:
		return fmt.Errorf("unknown mode %q", req.Mode)
	}
	if len(req.Command) > maxCommandLen {
		return fmt.Errorf("command longer than %d bytes", maxCommandLen)
	}
	if strings.ContainsAny(req.Command, "\r\n\x00") {
		return fmt.Errorf("command must be a single line")
	}
	if req.DelayMs < 0 || req.DelayMs > 5000 {
		return fmt.Errorf("delayMs must be in 0..5000")
	}
	if req.MaxLen == 0 {
		req.MaxLen = defaultMaxLen
	}
	if req.MaxLen < 1 || req.MaxLen > defaultMaxLen {
		return fmt.Errorf("maxLen must be in 1..%d", defaultMaxLen)
	}
	return nil
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	if err := normalizeCommand(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	pending := commandRequest{req: req, reply: make(chan CommandReply, 1)}
	select {
	case s.cmdCh <- pending:
	case <-s.done:
		http.Error(w, "shutting down", 503)
		return
	case <-r.Context().Done():
		return
	}

	out := <-pending.reply
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	frame := s.Last()
	if frame == nil {
		frame = &Frame{State: s.module.State().String(), Stamp: time.Now().UnixMilli()}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(frame)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send the latest snapshot so the page is not blank until the next event
	initial := s.Last()
	if initial == nil {
		initial = &Frame{State: s.module.State().String(), Stamp: time.Now().UnixMilli()}
	}
	if data, err := json.Marshal(initial); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive only; commands go through /api/command)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		prev, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Validate(); err != nil {
			s.cfg.UpdateFromJSON(prev)
			http.Error(w, err.Error(), 400)
			return
		}
		// Logging can be toggled live; everything else applies on restart
		s.logger.SetEnabled(s.cfg.LoggingConfig().Enabled)
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) broadcast(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
