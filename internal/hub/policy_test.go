package hub

import (
	"testing"

	"github.com/oicur0t/logpulse/internal/hub/hubtest"
	"github.com/oicur0t/logpulse/pkg/protocol"
	"github.com/stretchr/testify/assert"
)

func TestReplaceAgent(t *testing.T) {
	a := hubtest.NewConn("a")
	b := hubtest.NewConn("b")

	assert.False(t, replaceAgent(nil, a), "first registration closes nothing")
	assert.False(t, replaceAgent(a, a), "re-registering the same connection keeps it")
	assert.True(t, replaceAgent(a, b), "a different connection replaces the old one")
}

func TestDeliverSkipsClosedConnections(t *testing.T) {
	open1 := hubtest.NewConn("open1")
	closed := hubtest.NewConn("closed")
	open2 := hubtest.NewConn("open2")
	closed.Close()

	delivered, failed := deliver([]Conn{open1, closed, open2}, protocol.Pong())

	assert.Equal(t, 2, delivered)
	assert.Equal(t, []Conn{closed}, failed)
	assert.Equal(t, []string{protocol.TypePong}, open1.Types())
	assert.Equal(t, []string{protocol.TypePong}, open2.Types())
	assert.Empty(t, closed.Messages())
}

func TestDeliverNoConnections(t *testing.T) {
	delivered, failed := deliver(nil, protocol.Pong())
	assert.Zero(t, delivered)
	assert.Empty(t, failed)
}

func TestSendIfOpen(t *testing.T) {
	c := hubtest.NewConn("agent")
	assert.False(t, sendIfOpen(nil, protocol.Pong()))
	assert.True(t, sendIfOpen(c, protocol.Pong()))

	c.Close()
	assert.False(t, sendIfOpen(c, protocol.Pong()))
	assert.Len(t, c.Messages(), 1)
}
