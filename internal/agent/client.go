package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oicur0t/logpulse/internal/config"
	"github.com/oicur0t/logpulse/pkg/models"
	"github.com/oicur0t/logpulse/pkg/protocol"
	"github.com/oicur0t/logpulse/pkg/retry"
	"go.uber.org/zap"
)

// Client keeps an agent connection to the hub open: it registers for the
// instance, ships queued log lines and answers run_fix requests
type Client struct {
	instanceID string
	hub        config.HubConnectionConfig
	allowFixes bool
	retry      retry.Config
	dialer     *websocket.Dialer
	executor   *Executor
	lines      <-chan string
	logger     *zap.Logger

	mu      sync.Mutex
	autoFix models.AutoFixConfig
	pending *string

	// fixes tracks running fix goroutines
	fixes sync.WaitGroup
}

// NewClient creates a hub client for cfg. Lines read from lines are sent as
// log_line frames; while disconnected they wait in the channel's buffer.
func NewClient(cfg *config.AgentConfig, tlsConfig *tls.Config, executor *Executor, lines <-chan string, logger *zap.Logger) *Client {
	retryConfig := retry.DefaultConfig()
	if cfg.Reconnect.InitialWait > 0 {
		retryConfig.InitialWait = cfg.Reconnect.InitialWait
	}
	if cfg.Reconnect.MaxWait > 0 {
		retryConfig.MaxWait = cfg.Reconnect.MaxWait
	}
	if cfg.Reconnect.Multiplier > 0 {
		retryConfig.Multiplier = cfg.Reconnect.Multiplier
	}

	return &Client{
		instanceID: cfg.InstanceID,
		hub:        cfg.Hub,
		allowFixes: cfg.Fix.Allow,
		retry:      retryConfig,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Hub.HandshakeTimeout,
			TLSClientConfig:  tlsConfig,
		},
		executor: executor,
		lines:    lines,
		logger:   logger.With(zap.String("instance_id", cfg.InstanceID)),
	}
}

// AutoFixConfig returns the desired auto-fix state last pushed by the hub
func (c *Client) AutoFixConfig() models.AutoFixConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoFix
}

// Run connects to the hub and reconnects with backoff until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	defer c.fixes.Wait()

	for {
		var ws *websocket.Conn
		err := retry.Do(ctx, c.retry, func(attempt int) error {
			conn, _, err := c.dialer.DialContext(ctx, c.hub.URL, nil)
			if err != nil {
				c.logger.Warn("Failed to connect to hub",
					zap.String("url", c.hub.URL),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				return err
			}
			ws = conn
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to connect to hub: %w", err)
		}

		c.logger.Info("Connected to hub", zap.String("url", c.hub.URL))
		err = c.session(ctx, ws)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("Hub connection lost, reconnecting", zap.Error(err))
	}
}

// conn serializes writes to one websocket
type conn struct {
	ws        *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func (c *conn) send(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeWait > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	return c.ws.WriteMessage(messageType, data)
}

// session serves one connection until it fails or ctx is cancelled
func (c *Client) session(ctx context.Context, ws *websocket.Conn) error {
	out := &conn{ws: ws, writeWait: c.hub.WriteWait}

	if err := out.send(protocol.Message{Type: protocol.TypeAgentRegister, InstanceID: c.instanceID}); err != nil {
		ws.Close()
		return fmt.Errorf("failed to register: %w", err)
	}

	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readErr <- c.readLoop(ctx, ws, out)
	}()
	// no run_fix can be accepted once the session has returned
	defer func() {
		ws.Close()
		<-readerDone
	}()

	var ping <-chan time.Time
	if c.hub.PingInterval > 0 {
		ticker := time.NewTicker(c.hub.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	if err := c.flushPending(out); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			out.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()

		case err := <-readErr:
			return err

		case <-ping:
			if err := out.write(websocket.PingMessage, nil); err != nil {
				return err
			}

		case line := <-c.lines:
			if err := c.sendLine(out, line); err != nil {
				return err
			}
		}
	}
}

// sendLine ships one log line. A line that could not be written is kept and
// sent first on the next connection.
func (c *Client) sendLine(out *conn, line string) error {
	err := out.send(protocol.Message{Type: protocol.TypeLogLine, InstanceID: c.instanceID, Text: line})
	if err != nil {
		c.mu.Lock()
		c.pending = &line
		c.mu.Unlock()
	}
	return err
}

func (c *Client) flushPending(out *conn) error {
	c.mu.Lock()
	line := c.pending
	c.pending = nil
	c.mu.Unlock()

	if line == nil {
		return nil
	}
	return c.sendLine(out, *line)
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, out *conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Malformed frame from hub", zap.Error(err))
			continue
		}
		c.handle(ctx, out, msg)
	}
}

func (c *Client) handle(ctx context.Context, out *conn, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegistered:
		c.logger.Info("Registered with hub")

	case protocol.TypeConfigUpdate:
		if msg.AutoFix == nil {
			return
		}
		c.mu.Lock()
		c.autoFix = *msg.AutoFix
		c.mu.Unlock()
		c.logger.Info("Auto-fix configuration updated",
			zap.Bool("enabled", msg.AutoFix.Enabled),
			zap.String("command", msg.AutoFix.Command))

	case protocol.TypeRunFix:
		c.runFix(ctx, out, msg)

	case protocol.TypeError:
		c.logger.Warn("Hub rejected a frame", zap.String("message", msg.Message))
	}
}

// runFix answers a run_fix request: fix_skipped if fixes are disabled or one
// is already running, otherwise fix_started followed by fix_result
func (c *Client) runFix(ctx context.Context, out *conn, msg protocol.Message) {
	logger := c.logger.With(zap.String("fix_id", msg.FixID))

	if reason := c.skipReason(msg); reason != "" {
		logger.Info("Skipping fix", zap.String("reason", reason))
		c.report(out, protocol.Message{Type: protocol.TypeFixSkipped, InstanceID: c.instanceID, FixID: msg.FixID, Message: reason})
		return
	}
	if !c.executor.TryAcquire() {
		logger.Info("Skipping fix", zap.String("reason", ErrBusy.Error()))
		c.report(out, protocol.Message{Type: protocol.TypeFixSkipped, InstanceID: c.instanceID, FixID: msg.FixID, Message: ErrBusy.Error()})
		return
	}

	c.fixes.Add(1)
	go func() {
		defer c.fixes.Done()
		defer c.executor.Release()

		c.report(out, protocol.Message{Type: protocol.TypeFixStarted, InstanceID: c.instanceID, FixID: msg.FixID})

		res := c.executor.run(ctx, msg.Command)
		c.report(out, protocol.Message{
			Type:       protocol.TypeFixResult,
			InstanceID: c.instanceID,
			FixID:      msg.FixID,
			Success:    &res.Success,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			FinishedAt: &res.FinishedAt,
		})
	}()
}

func (c *Client) skipReason(msg protocol.Message) string {
	if !c.allowFixes {
		return "fixes are disabled on this host"
	}
	if msg.TriggeredBy != models.TriggeredManually && !c.AutoFixConfig().Enabled {
		return "auto-fix is disabled"
	}
	if msg.Command == "" {
		return "empty command"
	}
	return ""
}

func (c *Client) report(out *conn, msg protocol.Message) {
	if err := out.send(msg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Warn("Failed to report fix status",
			zap.String("type", msg.Type),
			zap.String("fix_id", msg.FixID),
			zap.Error(err))
	}
}
