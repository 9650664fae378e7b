package server

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oicur0t/logpulse/pkg/protocol"
	"go.uber.org/zap"
)

var (
	errConnClosed   = errors.New("websocket connection closed")
	errSlowConsumer = errors.New("websocket send queue full")
)

// wsConn adapts a gorilla websocket to hub.Conn. Frames are queued and written
// by writePump, so Send never blocks on the network. A peer that lets its
// queue fill up is disconnected.
type wsConn struct {
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	closed       atomic.Bool
	writeWait    time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
}

func newWSConn(ws *websocket.Conn, queue int, writeWait, pingInterval time.Duration, logger *zap.Logger) *wsConn {
	return &wsConn{
		ws:           ws,
		send:         make(chan []byte, queue),
		done:         make(chan struct{}),
		writeWait:    writeWait,
		pingInterval: pingInterval,
		logger:       logger,
	}
}

func (c *wsConn) IsOpen() bool {
	return !c.closed.Load()
}

func (c *wsConn) Send(msg protocol.Message) error {
	if c.closed.Load() {
		return errConnClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.logger.Warn("Closing slow websocket consumer", zap.String("remote_addr", c.ws.RemoteAddr().String()))
		c.Close()
		return errSlowConsumer
	}
}

// Close marks the connection closed and lets writePump shut the socket down
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// writePump owns every write to the socket
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Websocket write failed", zap.Error(err))
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			if c.drain() {
				c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		}
	}
}

// drain writes the frames queued before the close. It reports whether the socket is still writable.
func (c *wsConn) drain() bool {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(messageType, data)
}
