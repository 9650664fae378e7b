package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oicur0t/logpulse/internal/config"
	"github.com/oicur0t/logpulse/pkg/models"
	"github.com/oicur0t/logpulse/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeHub accepts websocket connections and hands them to the test
type fakeHub struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- ws
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *fakeHub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-h.conns:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not connect")
		return nil
	}
}

func read(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg protocol.Message
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

type agentFixture struct {
	hub    *fakeHub
	client *Client
	lines  chan string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newAgentFixture(t *testing.T, allow bool) *agentFixture {
	t.Helper()
	hub := newFakeHub(t)

	cfg := &config.AgentConfig{
		InstanceID: "inst",
		Hub: config.HubConnectionConfig{
			URL:       "ws" + strings.TrimPrefix(hub.URL, "http"),
			WriteWait: time.Second,
		},
		Reconnect: config.ReconnectConfig{InitialWait: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond, Multiplier: 2},
		Fix:       config.FixExecConfig{Allow: allow},
	}

	lines := make(chan string, 10)
	executor := NewExecutor("/bin/sh", 5*time.Second, 0, zap.NewNop())
	client := NewClient(cfg, nil, executor, lines, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	f := &agentFixture{hub: hub, client: client, lines: lines, cancel: cancel, done: make(chan struct{})}
	go func() {
		f.err = client.Run(ctx)
		close(f.done)
	}()
	t.Cleanup(f.stop)
	return f
}

func (f *agentFixture) stop() {
	f.cancel()
	select {
	case <-f.done:
	case <-time.After(10 * time.Second):
	}
}

// connect accepts the agent's connection, checks its registration and pushes cfg
func (f *agentFixture) connect(t *testing.T, cfg models.AutoFixConfig) *websocket.Conn {
	t.Helper()
	ws := f.hub.accept(t)

	reg := read(t, ws)
	require.Equal(t, protocol.TypeAgentRegister, reg.Type)
	assert.Equal(t, "inst", reg.InstanceID)

	require.NoError(t, ws.WriteJSON(protocol.Registered("inst")))
	require.NoError(t, ws.WriteJSON(protocol.ConfigUpdate(cfg)))
	return ws
}

func TestClientRunsFix(t *testing.T) {
	f := newAgentFixture(t, true)
	ws := f.connect(t, models.AutoFixConfig{Enabled: true, Command: "echo fixed"})

	rec := models.FixRecord{FixID: "fix-1", Command: "echo fixed", TriggeredBy: "entry-1"}
	require.NoError(t, ws.WriteJSON(protocol.RunFix("inst", rec)))

	started := read(t, ws)
	assert.Equal(t, protocol.TypeFixStarted, started.Type)
	assert.Equal(t, "fix-1", started.FixID)

	result := read(t, ws)
	require.Equal(t, protocol.TypeFixResult, result.Type)
	assert.Equal(t, "fix-1", result.FixID)
	assert.Equal(t, "inst", result.InstanceID)
	require.NotNil(t, result.Success)
	assert.True(t, *result.Success)
	assert.Equal(t, "fixed\n", result.Stdout)
	assert.NotNil(t, result.FinishedAt)
	assert.NoError(t, result.Validate())

	assert.Equal(t, models.AutoFixConfig{Enabled: true, Command: "echo fixed"}, f.client.AutoFixConfig())
}

func TestClientSkipsWhenBusy(t *testing.T) {
	f := newAgentFixture(t, true)
	ws := f.connect(t, models.AutoFixConfig{Enabled: true, Command: "sleep 1"})

	require.NoError(t, ws.WriteJSON(protocol.RunFix("inst", models.FixRecord{FixID: "fix-1", Command: "sleep 1", TriggeredBy: "e1"})))
	assert.Equal(t, protocol.TypeFixStarted, read(t, ws).Type)

	require.NoError(t, ws.WriteJSON(protocol.RunFix("inst", models.FixRecord{FixID: "fix-2", Command: "sleep 1", TriggeredBy: "e2"})))
	skipped := read(t, ws)
	assert.Equal(t, protocol.TypeFixSkipped, skipped.Type)
	assert.Equal(t, "fix-2", skipped.FixID)

	result := read(t, ws)
	assert.Equal(t, protocol.TypeFixResult, result.Type)
	assert.Equal(t, "fix-1", result.FixID)
}

func TestClientSkipsWhenDisabled(t *testing.T) {
	f := newAgentFixture(t, true)
	ws := f.connect(t, models.AutoFixConfig{Enabled: false, Command: "echo x"})

	require.NoError(t, ws.WriteJSON(protocol.RunFix("inst", models.FixRecord{FixID: "auto", Command: "echo x", TriggeredBy: "entry-1"})))
	msg := read(t, ws)
	assert.Equal(t, protocol.TypeFixSkipped, msg.Type)
	assert.Equal(t, "auto", msg.FixID)

	// a manual trigger does not need auto-fix enabled
	require.NoError(t, ws.WriteJSON(protocol.RunFix("inst", models.FixRecord{FixID: "manual", Command: "echo x", TriggeredBy: models.TriggeredManually})))
	assert.Equal(t, protocol.TypeFixStarted, read(t, ws).Type)
	assert.Equal(t, protocol.TypeFixResult, read(t, ws).Type)
}

func TestClientSkipsWhenFixesNotAllowed(t *testing.T) {
	f := newAgentFixture(t, false)
	ws := f.connect(t, models.AutoFixConfig{Enabled: true, Command: "echo x"})

	require.NoError(t, ws.WriteJSON(protocol.RunFix("inst", models.FixRecord{FixID: "fix-1", Command: "echo x", TriggeredBy: models.TriggeredManually})))
	msg := read(t, ws)
	assert.Equal(t, protocol.TypeFixSkipped, msg.Type)
	assert.Contains(t, msg.Message, "disabled on this host")
}

func TestClientShipsLines(t *testing.T) {
	f := newAgentFixture(t, true)
	ws := f.connect(t, models.AutoFixConfig{})

	f.lines <- "ERROR db down"
	msg := read(t, ws)
	assert.Equal(t, protocol.TypeLogLine, msg.Type)
	assert.Equal(t, "inst", msg.InstanceID)
	assert.Equal(t, "ERROR db down", msg.Text)
}

func TestClientReconnects(t *testing.T) {
	f := newAgentFixture(t, true)
	first := f.connect(t, models.AutoFixConfig{})
	first.Close()

	second := f.connect(t, models.AutoFixConfig{Enabled: true, Command: "true"})
	f.lines <- "INFO after reconnect"
	msg := read(t, second)
	assert.Equal(t, protocol.TypeLogLine, msg.Type)
	assert.Equal(t, "INFO after reconnect", msg.Text)
}

func TestClientStopsOnCancel(t *testing.T) {
	f := newAgentFixture(t, true)
	f.connect(t, models.AutoFixConfig{})

	f.cancel()
	select {
	case <-f.done:
		assert.NoError(t, f.err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}
