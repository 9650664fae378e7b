// Package hubtest provides an in-memory hub.Conn for tests.
package hubtest

import (
	"errors"
	"sync"
	"time"

	"github.com/oicur0t/logpulse/pkg/protocol"
)

// ErrClosed is returned by Send on a closed Conn
var ErrClosed = errors.New("connection closed")

// Conn records every message sent to it
type Conn struct {
	Name string

	mu       sync.Mutex
	closed   bool
	closes   int
	messages []protocol.Message
	notify   chan struct{}
}

// NewConn creates an open recording connection
func NewConn(name string) *Conn {
	return &Conn{Name: name, notify: make(chan struct{}, 1)}
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) Send(msg protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closes++
	return nil
}

// Closes returns how many times Close was called
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Messages returns a copy of everything sent so far
func (c *Conn) Messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.messages...)
}

// Types returns the type of every message sent so far
func (c *Conn) Types() []string {
	msgs := c.Messages()
	types := make([]string, len(msgs))
	for i, m := range msgs {
		types[i] = m.Type
	}
	return types
}

// OfType returns the messages of the given type
func (c *Conn) OfType(typ string) []protocol.Message {
	var out []protocol.Message
	for _, m := range c.Messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets recorded messages
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// WaitFor blocks until a message of type typ has been sent or timeout elapses
func (c *Conn) WaitFor(typ string, timeout time.Duration) (protocol.Message, bool) {
	deadline := time.After(timeout)
	for {
		if msgs := c.OfType(typ); len(msgs) > 0 {
			return msgs[0], true
		}
		select {
		case <-c.notify:
		case <-deadline:
			return protocol.Message{}, false
		}
	}
}
