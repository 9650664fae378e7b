package hub

import (
	"github.com/oicur0t/logpulse/pkg/protocol"
)

// Conn is a persistent duplex connection as seen by the registry.
// Send must not block on the network; transports queue the frame and write it
// from their own goroutine.
type Conn interface {
	IsOpen() bool
	Send(msg protocol.Message) error
	Close() error
}

// replaceAgent decides what happens when next registers as the agent of an
// instance whose current agent is prev. The last registration always wins;
// prev must be closed unless it is the same connection re-registering.
func replaceAgent(prev, next Conn) (closePrev bool) {
	return prev != nil && prev != next
}

// deliver fans msg out to every open connection. Connections that are closed
// or fail the send are skipped and returned so the caller can evict them.
// Nothing is buffered or retried.
func deliver(conns []Conn, msg protocol.Message) (delivered int, failed []Conn) {
	for _, c := range conns {
		if !c.IsOpen() {
			failed = append(failed, c)
			continue
		}
		if err := c.Send(msg); err != nil {
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	return delivered, failed
}

// sendIfOpen is the point-in-time agent delivery check
func sendIfOpen(c Conn, msg protocol.Message) bool {
	if c == nil || !c.IsOpen() {
		return false
	}
	return c.Send(msg) == nil
}
