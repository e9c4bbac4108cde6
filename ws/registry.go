package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slacklite/relay/route"
)

var connectionGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "relay_connections",
	Help: "Live websocket connections.",
})

// Registry is the single source of truth for live connections. One
// user may hold any number of connections (devices, tabs); presence is
// derived from the live connection count, never stored independently.
// Every add/del reports to the presence tracker, which keeps its own
// count, so the derived state survives callback reordering.
type Registry struct {
	sync.RWMutex
	conns  map[string]*Handler            // cid -> handler
	byUser map[string]map[string]*Handler // uid -> cid -> handler

	presence *PresenceTracker
}

func NewRegistry(presence *PresenceTracker) *Registry {
	return &Registry{
		conns:    make(map[string]*Handler),
		byUser:   make(map[string]map[string]*Handler),
		presence: presence,
	}
}

// add registers a handler under its session ids. Registering a second
// connection for a user never evicts the first.
func (r *Registry) add(h *Handler) {
	uid := h.session.UID

	r.Lock()
	r.conns[h.session.CID] = h
	userConns, ok := r.byUser[uid]
	if !ok {
		userConns = make(map[string]*Handler)
		r.byUser[uid] = userConns
	}
	userConns[h.session.CID] = h
	r.Unlock()

	connectionGauge.Inc()
	r.presence.ConnAdded(uid, h.session.Username)
}

// del deregisters by connection id. Unknown ids are a no-op, so abrupt
// disconnect cleanup can run twice without duplicate presence events.
func (r *Registry) del(cid string) bool {
	r.Lock()
	h, ok := r.conns[cid]
	if ok {
		delete(r.conns, cid)
		uid := h.session.UID
		delete(r.byUser[uid], cid)
		if len(r.byUser[uid]) == 0 {
			delete(r.byUser, uid)
		}
	}
	r.Unlock()

	if !ok {
		return false
	}
	connectionGauge.Dec()
	r.presence.ConnRemoved(h.session.UID, h.session.Username)
	return true
}

func (r *Registry) get(cid string) *Handler {
	r.RLock()
	h := r.conns[cid]
	r.RUnlock()
	return h
}

// ConnectionsFor implements route.IRegistry.
func (r *Registry) ConnectionsFor(uid string) []route.Conn {
	r.RLock()
	defer r.RUnlock()

	var out []route.Conn
	for _, h := range r.byUser[uid] {
		out = append(out, h)
	}
	return out
}

// Connections implements route.IRegistry.
func (r *Registry) Connections() []route.Conn {
	r.RLock()
	defer r.RUnlock()

	out := make([]route.Conn, 0, len(r.conns))
	for _, h := range r.conns {
		out = append(out, h)
	}
	return out
}

// IsOnline reports whether the user holds at least one live connection.
func (r *Registry) IsOnline(uid string) bool {
	r.RLock()
	_, ok := r.byUser[uid]
	r.RUnlock()
	return ok
}

// handlersFor returns the user's handlers for quota enforcement.
func (r *Registry) handlersFor(uid string) []*Handler {
	r.RLock()
	defer r.RUnlock()

	var out []*Handler
	for _, h := range r.byUser[uid] {
		out = append(out, h)
	}
	return out
}

// closeAll shuts every connection down, for server stop.
func (r *Registry) closeAll() {
	r.RLock()
	handlers := make([]*Handler, 0, len(r.conns))
	for _, h := range r.conns {
		handlers = append(handlers, h)
	}
	r.RUnlock()

	for _, h := range handlers {
		h.close(ServerStop)
	}
}
