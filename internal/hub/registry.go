// Package hub tracks the agent and viewer connections of every instance and
// serializes everything that is broadcast to them.
//
// Each instance has a dispatch lock. Broadcasts, agent sends and viewer
// registration for an instance all run under it, which gives two guarantees:
// a viewer sees an instance's events in the order they were published, and a
// viewer's subscribe snapshot never overlaps or misses the events that follow
// it, as long as whoever mutates the store does so inside Do together with
// the broadcast that announces the change.
//
// Lock order is dispatch lock, then store instance lock. The store never
// calls back into the registry.
package hub

import (
	"sync"

	"github.com/oicur0t/logpulse/internal/metrics"
	"github.com/oicur0t/logpulse/internal/store"
	"github.com/oicur0t/logpulse/pkg/models"
	"github.com/oicur0t/logpulse/pkg/protocol"
	"go.uber.org/zap"
)

type room struct {
	mu      sync.Mutex
	agent   Conn
	viewers map[Conn]struct{}
}

// Registry is the connection registry and broadcast layer
type Registry struct {
	store  *store.Store
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewRegistry creates a registry backed by st
func NewRegistry(st *store.Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  st,
		logger: logger,
		rooms:  make(map[string]*room),
	}
}

func (r *Registry) room(id string, create bool) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok && create {
		rm = &room{viewers: make(map[Conn]struct{})}
		r.rooms[id] = rm
	}
	return rm
}

// Tx is an instance's dispatch section, valid only inside the Do callback
type Tx struct {
	r    *Registry
	id   string
	room *room
}

// Do runs fn while holding the instance's dispatch lock. An instance the
// store does not know gets no room; fn runs against an empty one, so frames
// naming made-up ids do not grow the registry.
func (r *Registry) Do(id string, fn func(tx *Tx)) {
	rm := r.room(id, r.store.Exists(id))
	if rm == nil {
		rm = &room{viewers: make(map[Conn]struct{})}
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	fn(&Tx{r: r, id: id, room: rm})
}

// InstanceID returns the instance the section belongs to
func (tx *Tx) InstanceID() string {
	return tx.id
}

// AgentOnline reports whether the instance has an open agent connection
func (tx *Tx) AgentOnline() bool {
	return tx.room.agent != nil && tx.room.agent.IsOpen()
}

// SendToAgent delivers msg to the instance's agent. It reports whether an
// open agent accepted the frame; a later transport failure is not detected.
func (tx *Tx) SendToAgent(msg protocol.Message) bool {
	return sendIfOpen(tx.room.agent, msg)
}

// Broadcast delivers msg to every open viewer of the instance and evicts the
// viewers that could not take it
func (tx *Tx) Broadcast(msg protocol.Message) {
	if len(tx.room.viewers) == 0 {
		return
	}

	conns := make([]Conn, 0, len(tx.room.viewers))
	for c := range tx.room.viewers {
		conns = append(conns, c)
	}

	delivered, failed := deliver(conns, msg)
	metrics.Deliveries.Add(float64(delivered))
	if len(failed) == 0 {
		return
	}

	metrics.DeliveriesDropped.Add(float64(len(failed)))
	for _, c := range failed {
		delete(tx.room.viewers, c)
		metrics.Connections.WithLabelValues(metrics.RoleViewer).Dec()
	}
	tx.r.logger.Debug("Evicted closed viewers",
		zap.String("instance_id", tx.id),
		zap.String("event", msg.Type),
		zap.Int("evicted", len(failed)))
}

// roomCount returns the number of instances with a room
func (r *Registry) roomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// RegisterAgent installs conn as the instance's only agent, closing any
// previous agent connection. The new agent is acknowledged and told the
// current auto-fix configuration, and viewers are told the agent is online.
func (r *Registry) RegisterAgent(id string, conn Conn) {
	r.store.GetOrCreate(id)

	r.Do(id, func(tx *Tx) {
		prev := tx.room.agent
		if replaceAgent(prev, conn) {
			if err := prev.Close(); err != nil {
				r.logger.Debug("Closing replaced agent failed", zap.String("instance_id", id), zap.Error(err))
			}
			r.logger.Info("Agent connection replaced", zap.String("instance_id", id))
		}
		if prev == nil {
			metrics.Connections.WithLabelValues(metrics.RoleAgent).Inc()
		}
		tx.room.agent = conn

		cfg, _ := r.store.AutoFixConfig(id)
		sendIfOpen(conn, protocol.Registered(id))
		sendIfOpen(conn, protocol.ConfigUpdate(cfg))

		tx.Broadcast(protocol.AgentOnline(id))
	})

	r.logger.Info("Agent registered", zap.String("instance_id", id))
}

// RemoveAgent unregisters conn if it is still the instance's agent, and tells
// viewers the agent went offline. A stale connection that was already
// replaced is ignored.
func (r *Registry) RemoveAgent(id string, conn Conn) bool {
	rm := r.room(id, false)
	if rm == nil {
		return false
	}

	removed := false
	r.Do(id, func(tx *Tx) {
		if tx.room.agent != conn {
			return
		}
		tx.room.agent = nil
		removed = true
		metrics.Connections.WithLabelValues(metrics.RoleAgent).Dec()
		tx.Broadcast(protocol.AgentOffline(id))
	})

	if removed {
		r.logger.Info("Agent disconnected", zap.String("instance_id", id))
	}
	return removed
}

// AddViewer subscribes conn to the instance. The subscribed snapshot is sent
// and the viewer joins the set in one dispatch section, so it receives
// exactly the events published after the snapshot. Entries still waiting for
// classification are left out of the snapshot; they arrive as new_log.
func (r *Registry) AddViewer(id string, conn Conn) {
	r.store.GetOrCreate(id)

	r.Do(id, func(tx *Tx) {
		snap, _ := r.store.Snapshot(id)

		logs := make([]models.LogEntry, 0, len(snap.Logs))
		for _, e := range snap.Logs {
			if e.Classified() {
				logs = append(logs, e)
			}
		}

		if !sendIfOpen(conn, protocol.Subscribed(id, logs, snap.AutoFix, tx.AgentOnline(), snap.Fixes)) {
			return
		}
		if _, ok := tx.room.viewers[conn]; !ok {
			tx.room.viewers[conn] = struct{}{}
			metrics.Connections.WithLabelValues(metrics.RoleViewer).Inc()
		}
	})

	r.logger.Debug("Viewer subscribed", zap.String("instance_id", id))
}

// RemoveViewer unsubscribes conn. Removing an absent viewer is a no-op.
func (r *Registry) RemoveViewer(id string, conn Conn) {
	rm := r.room(id, false)
	if rm == nil {
		return
	}

	r.Do(id, func(tx *Tx) {
		if _, ok := tx.room.viewers[conn]; ok {
			delete(tx.room.viewers, conn)
			metrics.Connections.WithLabelValues(metrics.RoleViewer).Dec()
		}
	})
}

// SendToAgent delivers msg to the instance's agent if one is connected and open
func (r *Registry) SendToAgent(id string, msg protocol.Message) bool {
	var ok bool
	r.Do(id, func(tx *Tx) {
		ok = tx.SendToAgent(msg)
	})
	return ok
}

// Broadcast delivers msg to every open viewer of the instance
func (r *Registry) Broadcast(id string, msg protocol.Message) {
	r.Do(id, func(tx *Tx) {
		tx.Broadcast(msg)
	})
}

// AgentOnline reports whether the instance has an open agent connection
func (r *Registry) AgentOnline(id string) bool {
	rm := r.room(id, false)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.agent != nil && rm.agent.IsOpen()
}

// ViewerCount returns the number of viewers subscribed to the instance
func (r *Registry) ViewerCount(id string) int {
	rm := r.room(id, false)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.viewers)
}
