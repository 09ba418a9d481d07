package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stegophone/stegophone/internal/board"
	"github.com/stegophone/stegophone/internal/latch"
	"github.com/stegophone/stegophone/internal/rn52"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv    *Server
	sim    *rn52.SimModule
	ctl    *rn52.Controller
	board  *board.Sim
	events *latch.Latch
}

func newFixture(t *testing.T, greet bool) *fixture {
	t.Helper()
	sim := rn52.NewSimModule(greet)
	ctl := rn52.NewController(sim, rn52.Config{Sleep: func(time.Duration) {}})
	ctl.Init()

	cfg := DefaultConfig()
	cfg.path = t.TempDir() + "/config.yaml"
	brd := board.NewSim(time.Hour, nil)
	events := &latch.Latch{}
	web := fstest.MapFS{"index.html": {Data: []byte("<html>stegophone</html>")}}

	return &fixture{
		srv:    New(cfg, ctl, brd, events, web),
		sim:    sim,
		ctl:    ctl,
		board:  brd,
		events: events,
	}
}

// startLoop runs the poll loop until the test ends.
func (f *fixture) startLoop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.srv.pollLoop(ctx)
	require.Eventually(t, func() bool { return f.srv.Last() != nil }, time.Second, 5*time.Millisecond)
}

func TestPollOnce_NoEvent(t *testing.T) {
	f := newFixture(t, true)
	assert.False(t, f.srv.pollOnce())
	assert.Nil(t, f.srv.Last())
	assert.Zero(t, f.board.Toggles())
}

func TestPollOnce_Event(t *testing.T) {
	f := newFixture(t, true)
	f.sim.SetStatus(0x0403)

	f.events.Signal()
	f.events.Signal()
	require.True(t, f.srv.pollOnce())
	assert.False(t, f.srv.pollOnce(), "coalesced signals produce one query")

	last := f.srv.Last()
	require.NotNil(t, last)
	require.NotNil(t, last.Status)
	assert.Equal(t, uint16(0x0403), last.Status.Value)
	assert.Equal(t, "0403", last.Status.Hex)
	assert.Equal(t, "event", last.Source)
	assert.Equal(t, "operational", last.State)
	assert.Equal(t, 1, f.board.Toggles())
}

func TestPollOnce_FaultedModule(t *testing.T) {
	f := newFixture(t, false)
	require.True(t, f.ctl.Faulted())

	f.events.Signal()
	require.True(t, f.srv.pollOnce())
	last := f.srv.Last()
	require.NotNil(t, last.Status)
	assert.Equal(t, rn52.StatusReport{}, *last.Status)
	assert.Equal(t, "faulted", last.State)
}

func TestNormalizeCommand(t *testing.T) {
	tests := []struct {
		name    string
		in      CommandRequest
		want    CommandRequest
		wantErr bool
	}{
		{name: "defaults", in: CommandRequest{Command: "V"}, want: CommandRequest{Command: "V", Mode: "exec", MaxLen: 1024}},
		{name: "status forces Q", in: CommandRequest{Mode: "status", Command: "X"}, want: CommandRequest{Command: "Q", Mode: "status", MaxLen: 1024}},
		{name: "keeps maxLen", in: CommandRequest{Command: "D", Mode: "debug", MaxLen: 32, DelayMs: 80}, want: CommandRequest{Command: "D", Mode: "debug", MaxLen: 32, DelayMs: 80}},
		{name: "empty", in: CommandRequest{Mode: "send"}, wantErr: true},
		{name: "mode", in: CommandRequest{Command: "V", Mode: "reboot"}, wantErr: true},
		{name: "newline", in: CommandRequest{Command: "V\nQ"}, wantErr: true},
		{name: "long", in: CommandRequest{Command: strings.Repeat("A", 65)}, wantErr: true},
		{name: "delay", in: CommandRequest{Command: "V", DelayMs: 6000}, wantErr: true},
		{name: "maxLen", in: CommandRequest{Command: "V", MaxLen: 4096}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.in
			err := normalizeCommand(&req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, req)
		})
	}
}

func postCommand(t *testing.T, url string, req CommandRequest) (*http.Response, CommandReply) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(url+"/api/command", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out CommandReply
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestCommandAPI(t *testing.T) {
	f := newFixture(t, true)
	f.startLoop(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, out := postCommand(t, ts.URL, CommandRequest{Command: "V"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RN52 sim v1.0", out.Reply)
	assert.Equal(t, "exec", out.Mode)

	f.sim.SetStatus(0x1A3F)
	resp, out = postCommand(t, ts.URL, CommandRequest{Mode: "status"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, out.Status)
	assert.Equal(t, uint16(0x1A3F), out.Status.Value)
	assert.Equal(t, "1A3F", out.Reply)

	resp, out = postCommand(t, ts.URL, CommandRequest{Command: "D", Mode: "debug"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out.Reply, "Status=1A3F")

	resp, out = postCommand(t, ts.URL, CommandRequest{Command: "S%,0000", Mode: "send"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, out.Reply)

	resp, _ = postCommand(t, ts.URL, CommandRequest{Command: "V\r"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(ts.URL + "/api/command")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestStatusAPI(t *testing.T) {
	f := newFixture(t, true)
	f.sim.SetStatus(0x0C03)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	var frame Frame
	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	resp.Body.Close()
	assert.Nil(t, frame.Status, "no query has run yet")
	assert.Equal(t, "operational", frame.State)

	f.events.Signal()
	f.srv.pollOnce()

	resp, err = http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	resp.Body.Close()
	require.NotNil(t, frame.Status)
	assert.Equal(t, uint16(0x0C03), frame.Status.Value)
}

func TestConfigAPI(t *testing.T) {
	f := newFixture(t, true)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(`{"server":{"pollHz":0}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 50, f.srv.cfg.Server.PollHz, "rejected update is rolled back")

	resp, err = http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(`{"module":{"interDelayMs":120}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 120, f.srv.cfg.Module.InterDelayMs)
}

func TestWebSocket_InitialAndEventFrames(t *testing.T) {
	f := newFixture(t, true)
	f.sim.SetStatus(0x0401)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frame Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "operational", frame.State)

	// The client is registered before the initial frame is queued.
	f.events.Signal()
	require.True(t, f.srv.pollOnce())

	require.NoError(t, conn.ReadJSON(&frame))
	require.NotNil(t, frame.Status)
	assert.Equal(t, uint16(0x0401), frame.Status.Value)
	assert.Equal(t, "event", frame.Source)
}

func TestIndexServed(t *testing.T) {
	f := newFixture(t, true)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCommandAPI_AfterPollLoopExit(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	go f.srv.pollLoop(ctx)
	cancel()
	select {
	case <-f.srv.done:
	case <-time.After(time.Second):
		t.Fatal("poll loop did not exit")
	}

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	start := time.Now()
	resp, _ := postCommand(t, ts.URL, CommandRequest{Command: "V"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollLoop_FaultBlinks(t *testing.T) {
	f := newFixture(t, false)
	require.True(t, f.ctl.Faulted())
	f.srv.faultBlink = 5 * time.Millisecond
	f.startLoop(t)

	require.Eventually(t, func() bool { return f.board.Toggles() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestPollLoop_NoBlinkWhenOperational(t *testing.T) {
	f := newFixture(t, true)
	f.srv.faultBlink = 5 * time.Millisecond
	f.startLoop(t)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.board.Toggles())
}
